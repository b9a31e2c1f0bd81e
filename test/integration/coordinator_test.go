// Package integration verifies the coordinator end to end: the HTTP handler,
// the two-phase search over the JSON-over-TCP RPC transport, and the
// context-release protocol, against in-process data nodes. No external
// services are required.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchkit/coordinator/internal/coordinator/handler"
	"github.com/searchkit/coordinator/internal/coordinator/transport"
	"github.com/searchkit/coordinator/pkg/config"
	"github.com/searchkit/coordinator/pkg/proto"
	"github.com/searchkit/coordinator/pkg/rpc"
)

// dataNode is an in-process stand-in for a shard-hosting node. Each shard
// holds a fixed scored corpus; queries open a context the coordinator must
// either fetch from or free.
type dataNode struct {
	server *rpc.Server

	mu       sync.Mutex
	corpus   map[int][]proto.ShardEntry // shard -> entries sorted by score desc
	contexts map[string]int             // open context id -> shard
	freed    []string
	nextCtx  int
}

func newDataNode(t *testing.T, corpus map[int][]proto.ShardEntry) *dataNode {
	t.Helper()
	n := &dataNode{
		server:   rpc.NewServer(),
		corpus:   corpus,
		contexts: make(map[string]int),
	}
	for shard := range corpus {
		sort.Slice(corpus[shard], func(i, j int) bool {
			if corpus[shard][i].Score != corpus[shard][j].Score {
				return corpus[shard][i].Score > corpus[shard][j].Score
			}
			return corpus[shard][i].Doc < corpus[shard][j].Doc
		})
	}

	n.server.Register("SearchService.Query", n.handleQuery)
	n.server.Register("SearchService.Fetch", n.handleFetch)
	n.server.Register("SearchService.FreeContext", n.handleFree)

	go n.server.Serve("127.0.0.1:0")
	require.Eventually(t, func() bool { return n.server.Addr() != "" }, time.Second, 5*time.Millisecond)
	t.Cleanup(n.server.Stop)
	return n
}

func (n *dataNode) handleQuery(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.ShardQueryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	entries := n.corpus[req.Shard]
	top := entries
	if len(top) > req.Window {
		top = top[:req.Window]
	}

	resp := &proto.ShardQueryResponse{
		Shard:     req.Shard,
		TotalHits: int64(len(entries)),
		Relation:  "eq",
		Entries:   top,
	}
	if len(entries) > 0 {
		resp.MaxScore = entries[0].Score
	}

	if req.IncludeHits {
		for _, e := range top {
			resp.Hits = append(resp.Hits, n.materialize(req.Shard, e.Doc))
		}
		return resp, nil
	}
	if len(top) > 0 {
		n.nextCtx++
		resp.ContextID = fmt.Sprintf("shard%d-ctx%d", req.Shard, n.nextCtx)
		n.contexts[resp.ContextID] = req.Shard
	}
	return resp, nil
}

func (n *dataNode) handleFetch(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.ShardFetchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	shard, ok := n.contexts[req.ContextID]
	if !ok {
		return nil, fmt.Errorf("unknown search context %s", req.ContextID)
	}
	// A fetched context is freed by the node after responding.
	delete(n.contexts, req.ContextID)

	resp := &proto.ShardFetchResponse{}
	for _, doc := range req.Docs {
		resp.Hits = append(resp.Hits, n.materialize(shard, doc))
	}
	return resp, nil
}

func (n *dataNode) handleFree(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.FreeContextRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.contexts[req.ContextID]
	delete(n.contexts, req.ContextID)
	n.freed = append(n.freed, req.ContextID)
	return &proto.FreeContextResponse{Freed: ok}, nil
}

func (n *dataNode) materialize(shard int, doc int64) proto.HitData {
	var score float64
	for _, e := range n.corpus[shard] {
		if e.Doc == doc {
			score = e.Score
			break
		}
	}
	return proto.HitData{
		Doc:    doc,
		Score:  score,
		Source: json.RawMessage(fmt.Sprintf(`{"shard":%d,"doc":%d}`, shard, doc)),
	}
}

func (n *dataNode) openContexts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.contexts)
}

func (n *dataNode) freedContexts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.freed)
}

func entries(pairs ...float64) []proto.ShardEntry {
	out := make([]proto.ShardEntry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, proto.ShardEntry{Doc: int64(pairs[i]), Score: pairs[i+1]})
	}
	return out
}

func newCoordinator(t *testing.T, nodes []*dataNode, shardsPerNode [][]int) (*httptest.Server, *transport.Pool) {
	t.Helper()
	cfg := config.ClusterConfig{
		Index:          "docs",
		DialTimeout:    time.Second,
		RequestTimeout: 2 * time.Second,
		ReleaseRetries: 2,
	}
	for i, n := range nodes {
		cfg.Nodes = append(cfg.Nodes, config.NodeConfig{
			ID:     fmt.Sprintf("node-%d", i),
			Addr:   n.server.Addr(),
			Shards: shardsPerNode[i],
		})
	}

	pool, err := transport.NewPool(cfg, config.SearchConfig{TimeoutPerShard: 2 * time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	h := handler.New(pool, 10, 100, handler.Options{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", h.Search)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, pool
}

type searchResponse struct {
	Hits []struct {
		Shard  int             `json:"shard"`
		Doc    int64           `json:"doc"`
		Score  float64         `json:"score"`
		Source json.RawMessage `json:"source"`
	} `json:"hits"`
	Total struct {
		Value    int64  `json:"value"`
		Relation string `json:"relation"`
	} `json:"total"`
	SuccessfulShards int `json:"successful_shards"`
	FailedShards     int `json:"failed_shards"`
	Phases           []struct {
		Name        string `json:"name"`
		ExpectedOps int    `json:"expected_ops"`
		Completed   bool   `json:"completed"`
	} `json:"phases"`
}

func search(t *testing.T, srv *httptest.Server, query string, window int) searchResponse {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/search?q=%s&window=%d", srv.URL, query, window))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out searchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestTwoPhaseSearchAcrossNodes(t *testing.T) {
	node0 := newDataNode(t, map[int][]proto.ShardEntry{
		0: entries(1, 9.0, 2, 5.0),
		1: entries(10, 8.0, 11, 4.0),
	})
	node1 := newDataNode(t, map[int][]proto.ShardEntry{
		2: entries(20, 7.0, 21, 6.0),
	})
	srv, _ := newCoordinator(t, []*dataNode{node0, node1}, [][]int{{0, 1}, {2}})

	out := search(t, srv, "anything", 4)

	require.Len(t, out.Hits, 4)
	assert.Equal(t, int64(1), out.Hits[0].Doc)
	assert.Equal(t, int64(10), out.Hits[1].Doc)
	assert.Equal(t, int64(20), out.Hits[2].Doc)
	assert.Equal(t, int64(21), out.Hits[3].Doc)
	assert.Equal(t, 9.0, out.Hits[0].Score)
	assert.Equal(t, 3, out.SuccessfulShards)
	assert.Equal(t, 0, out.FailedShards)
	assert.Equal(t, int64(6), out.Total.Value)
	assert.Equal(t, "eq", out.Total.Relation)

	require.Len(t, out.Phases, 2)
	assert.Equal(t, "query", out.Phases[0].Name)
	assert.Equal(t, "fetch", out.Phases[1].Name)
	assert.True(t, out.Phases[1].Completed)

	// Every opened context was either fetched from or freed.
	require.Eventually(t, func() bool {
		return node0.openContexts() == 0 && node1.openContexts() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExcludedShardContextsAreFreed(t *testing.T) {
	// Shard 0 dominates the top-2; shards 1 and 2 open contexts that must be
	// released without a fetch.
	node0 := newDataNode(t, map[int][]proto.ShardEntry{
		0: entries(1, 9.0, 2, 8.0),
		1: entries(10, 1.0),
	})
	node1 := newDataNode(t, map[int][]proto.ShardEntry{
		2: entries(20, 0.5),
	})
	srv, _ := newCoordinator(t, []*dataNode{node0, node1}, [][]int{{0, 1}, {2}})

	out := search(t, srv, "anything", 2)
	require.Len(t, out.Hits, 2)
	assert.Equal(t, 1, out.Phases[1].ExpectedOps)

	require.Eventually(t, func() bool {
		return node0.freedContexts() == 1 && node1.freedContexts() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, node0.openContexts())
	assert.Equal(t, 0, node1.openContexts())
}

func TestSingleShardCombinedRoundTrip(t *testing.T) {
	node := newDataNode(t, map[int][]proto.ShardEntry{
		0: entries(1, 3.0, 2, 2.0, 3, 1.0),
	})
	srv, _ := newCoordinator(t, []*dataNode{node}, [][]int{{0}})

	out := search(t, srv, "anything", 2)

	require.Len(t, out.Hits, 2)
	assert.Equal(t, int64(1), out.Hits[0].Doc)
	assert.Equal(t, 1, out.SuccessfulShards)

	// The combined query+fetch round trip opens no context at all, and the
	// fetch phase records zero expected operations.
	assert.Equal(t, 0, node.openContexts())
	assert.Equal(t, 0, node.freedContexts())
	require.Len(t, out.Phases, 2)
	assert.Equal(t, 0, out.Phases[1].ExpectedOps)
}

func TestNodeOutageYieldsPartialResults(t *testing.T) {
	node0 := newDataNode(t, map[int][]proto.ShardEntry{
		0: entries(1, 5.0),
	})
	deadNode := newDataNode(t, map[int][]proto.ShardEntry{1: entries(9, 9.0)})
	srv, _ := newCoordinator(t, []*dataNode{node0, deadNode}, [][]int{{0}, {1}})
	deadNode.server.Stop()

	out := search(t, srv, "anything", 5)

	require.Len(t, out.Hits, 1)
	assert.Equal(t, int64(1), out.Hits[0].Doc)
	assert.Equal(t, 1, out.SuccessfulShards)
	assert.Equal(t, 1, out.FailedShards)
}
