package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchkit/coordinator/internal/coordinator/cache"
	"github.com/searchkit/coordinator/internal/search"
	"github.com/searchkit/coordinator/internal/search/phase"
	"github.com/searchkit/coordinator/pkg/config"
	pkgredis "github.com/searchkit/coordinator/pkg/redis"
)

// fakeCluster is an in-memory ShardBackend: every shard holds a fixed ranked
// list, fetches materialize synthetic documents, and releases always succeed.
// When block is non-nil, QueryShards stalls until it is closed.
type fakeCluster struct {
	shards  []search.ShardRef
	entries map[int][]search.ScoredEntry
	failing map[int]error
	queries atomic.Int32
	block   chan struct{}

	mu        sync.Mutex
	released  []string
	fetchReqs []*search.FetchRequest
}

func newFakeCluster(numShards int) *fakeCluster {
	f := &fakeCluster{
		entries: make(map[int][]search.ScoredEntry),
		failing: make(map[int]error),
	}
	for i := 0; i < numShards; i++ {
		f.shards = append(f.shards, search.ShardRef{Index: "docs", Shard: i, NodeID: fmt.Sprintf("node-%d", i)})
	}
	return f
}

func (f *fakeCluster) Shards() []search.ShardRef { return f.shards }

func (f *fakeCluster) QueryShards(ctx context.Context, query string, window int) (*phase.QueryResults, error) {
	f.queries.Add(1)
	if f.block != nil {
		<-f.block
	}
	results := phase.NewQueryResults(len(f.shards))
	for _, ref := range f.shards {
		if err := f.failing[ref.Shard]; err != nil {
			results.SetFailure(ref, err)
			continue
		}
		entries := f.entries[ref.Shard]
		r := &search.QueryResult{
			Shard:   ref,
			Entries: entries,
			Total:   search.TotalHits{Value: int64(len(entries)), Relation: search.RelationEqual},
		}
		for _, e := range entries {
			if e.Score > r.MaxScore {
				r.MaxScore = e.Score
			}
		}
		if len(entries) > 0 {
			r.Context = search.NewContext(fmt.Sprintf("ctx-%d", ref.Shard), ref)
		}
		results.SetResult(r)
	}
	return results, nil
}

func (f *fakeCluster) Fetch(ctx context.Context, shard search.ShardRef, req *search.FetchRequest, cb func(*search.FetchResult, error)) error {
	f.mu.Lock()
	f.fetchReqs = append(f.fetchReqs, req)
	f.mu.Unlock()
	result := &search.FetchResult{Shard: shard}
	for _, doc := range req.Docs {
		result.Hits = append(result.Hits, search.Hit{
			Shard:  shard.Shard,
			Doc:    doc,
			Source: json.RawMessage(fmt.Sprintf(`{"id":%d}`, doc)),
		})
	}
	go cb(result, nil)
	return nil
}

func (f *fakeCluster) Release(ctx context.Context, sc *search.Context, done func()) {
	f.mu.Lock()
	f.released = append(f.released, sc.ID())
	f.mu.Unlock()
	done()
}

func newTestHandler(cluster *fakeCluster) *Handler {
	return New(cluster, 10, 100, Options{})
}

func doSearch(t *testing.T, h *Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.Search(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestSearchReturnsGloballyOrderedHits(t *testing.T) {
	cluster := newFakeCluster(2)
	cluster.entries[0] = []search.ScoredEntry{{Shard: 0, Doc: 1, Score: 42.0}}
	cluster.entries[1] = []search.ScoredEntry{{Shard: 1, Doc: 2, Score: 84.0}}

	rec, body := doSearch(t, newTestHandler(cluster), "/api/v1/search?q=hello")
	require.Equal(t, http.StatusOK, rec.Code)

	hits, ok := body["hits"].([]any)
	require.True(t, ok)
	require.Len(t, hits, 2)
	first := hits[0].(map[string]any)
	assert.Equal(t, float64(2), first["doc"])
	assert.Equal(t, 84.0, first["score"])

	assert.Equal(t, float64(2), body["successful_shards"])
	assert.Equal(t, float64(0), body["failed_shards"])
	assert.Equal(t, false, body["cache_hit"])

	phases, ok := body["phases"].([]any)
	require.True(t, ok)
	require.Len(t, phases, 2)
	assert.Equal(t, "query", phases[0].(map[string]any)["name"])
	assert.Equal(t, "fetch", phases[1].(map[string]any)["name"])
}

func TestSearchRequiresQuery(t *testing.T) {
	rec, body := doSearch(t, newTestHandler(newFakeCluster(1)), "/api/v1/search")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "'q' is required")
}

func TestSearchRejectsBadWindow(t *testing.T) {
	h := newTestHandler(newFakeCluster(1))
	rec, _ := doSearch(t, h, "/api/v1/search?q=x&window=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = doSearch(t, h, "/api/v1/search?q=x&window=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchClampsWindowToMax(t *testing.T) {
	cluster := newFakeCluster(1)
	for doc := 1; doc <= 150; doc++ {
		cluster.entries[0] = append(cluster.entries[0], search.ScoredEntry{
			Shard: 0, Doc: int64(doc), Score: float64(200 - doc),
		})
	}

	rec, body := doSearch(t, newTestHandler(cluster), "/api/v1/search?q=x&window=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	hits := body["hits"].([]any)
	assert.Len(t, hits, 100)
}

func TestSearchToleratesPartialShardFailure(t *testing.T) {
	cluster := newFakeCluster(3)
	cluster.entries[0] = []search.ScoredEntry{{Shard: 0, Doc: 1, Score: 5.0}}
	cluster.entries[2] = []search.ScoredEntry{{Shard: 2, Doc: 9, Score: 3.0}}
	cluster.failing[1] = errors.New("node down")

	rec, body := doSearch(t, newTestHandler(cluster), "/api/v1/search?q=x")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, float64(2), body["successful_shards"])
	assert.Equal(t, float64(1), body["failed_shards"])
	failures := body["failures"].([]any)
	require.Len(t, failures, 1)
	assert.Equal(t, "node down", failures[0].(map[string]any)["cause"])
}

func TestSearchFailsWhenAllShardsFail(t *testing.T) {
	cluster := newFakeCluster(2)
	cluster.failing[0] = errors.New("down")
	cluster.failing[1] = errors.New("down")

	rec, body := doSearch(t, newTestHandler(cluster), "/api/v1/search?q=x")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "search failed", body["error"])
}

func TestSearchForwardsFieldProjection(t *testing.T) {
	cluster := newFakeCluster(1)
	cluster.entries[0] = []search.ScoredEntry{{Shard: 0, Doc: 7, Score: 1.0}}

	h := New(cluster, 10, 100, Options{Fields: []string{"title", "url"}})
	rec, _ := doSearch(t, h, "/api/v1/search?q=x")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, cluster.fetchReqs, 1)
	assert.Equal(t, []string{"title", "url"}, cluster.fetchReqs[0].Fields)
}

// startRedisStub serves just enough RESP for the response cache: every GET
// misses and every SET is acknowledged and dropped.
func startRedisStub(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					switch strings.ToUpper(sc.Text()) {
					case "HELLO":
						conn.Write([]byte("-ERR unknown command\r\n"))
					case "CLIENT":
						conn.Write([]byte("+OK\r\n"))
					case "PING":
						conn.Write([]byte("+PONG\r\n"))
					case "GET":
						conn.Write([]byte("$-1\r\n"))
					case "SET":
						conn.Write([]byte("+OK\r\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestConcurrentIdenticalSearchesCollapseToOneExecution(t *testing.T) {
	cluster := newFakeCluster(2)
	cluster.entries[0] = []search.ScoredEntry{{Shard: 0, Doc: 1, Score: 42.0}}
	cluster.entries[1] = []search.ScoredEntry{{Shard: 1, Doc: 2, Score: 84.0}}
	cluster.block = make(chan struct{})

	client, err := pkgredis.NewClient(config.RedisConfig{Addr: startRedisStub(t)})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	h := New(cluster, 10, 100, Options{
		Cache: cache.New(client, config.RedisConfig{CacheTTL: time.Minute}),
	})

	type outcome struct {
		code int
		body map[string]any
	}
	outcomes := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/search?q=shared", nil)
			rec := httptest.NewRecorder()
			h.Search(rec, req)

			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				outcomes <- outcome{code: -1}
				return
			}
			outcomes <- outcome{code: rec.Code, body: body}
		}()
	}

	// Let both requests reach the cache before the query phase may finish.
	time.Sleep(100 * time.Millisecond)
	close(cluster.block)
	wg.Wait()
	close(outcomes)

	for res := range outcomes {
		require.Equal(t, http.StatusOK, res.code)
		hits, ok := res.body["hits"].([]any)
		require.True(t, ok)
		require.Len(t, hits, 2)
		assert.Equal(t, 84.0, hits[0].(map[string]any)["score"])
		assert.Contains(t, res.body, "took_ms")
	}
	assert.Equal(t, int32(1), cluster.queries.Load())
}

func TestStatsAndCacheEndpointsReportDisabledWithoutCollaborators(t *testing.T) {
	h := newTestHandler(newFakeCluster(1))

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")

	rec = httptest.NewRecorder()
	h.CacheStats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")

	rec = httptest.NewRecorder()
	h.CacheInvalidate(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/invalidate", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
