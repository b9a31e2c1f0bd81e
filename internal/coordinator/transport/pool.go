// Package transport connects the coordinator to the data nodes hosting index
// shards. It maintains one lazily-dialed RPC client per node, guarded by a
// circuit breaker, and implements the query fan-out plus the fetch and
// context-release calls the fetch phase depends on.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/searchkit/coordinator/internal/search"
	"github.com/searchkit/coordinator/internal/search/phase"
	"github.com/searchkit/coordinator/pkg/config"
	"github.com/searchkit/coordinator/pkg/metrics"
	"github.com/searchkit/coordinator/pkg/proto"
	"github.com/searchkit/coordinator/pkg/resilience"
	"github.com/searchkit/coordinator/pkg/rpc"
)

// Pool routes per-shard calls to the node owning each shard.
type Pool struct {
	index        string
	cfg          config.ClusterConfig
	shardTimeout time.Duration
	shards       []search.ShardRef
	owners       map[int]*nodeClient
	nodes        map[string]*nodeClient
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// nodeClient is one data node's lazily-dialed RPC connection.
type nodeClient struct {
	id      string
	addr    string
	mu      sync.Mutex
	client  *rpc.Client
	breaker *resilience.CircuitBreaker
}

// NewPool builds the shard routing table from the cluster config. Shard
// ordinals must be contiguous from zero so they can double as slot indices.
func NewPool(cfg config.ClusterConfig, searchCfg config.SearchConfig, m *metrics.Metrics) (*Pool, error) {
	p := &Pool{
		index:        cfg.Index,
		cfg:          cfg,
		shardTimeout: searchCfg.TimeoutPerShard,
		owners:       make(map[int]*nodeClient),
		nodes:        make(map[string]*nodeClient),
		metrics:      m,
		logger:       slog.Default().With("component", "shard-transport"),
	}
	for _, node := range cfg.Nodes {
		nc := &nodeClient{
			id:      node.ID,
			addr:    node.Addr,
			breaker: resilience.NewCircuitBreaker(node.ID, resilience.CircuitBreakerConfig{}),
		}
		p.nodes[node.ID] = nc
		for _, shard := range node.Shards {
			if _, dup := p.owners[shard]; dup {
				return nil, fmt.Errorf("shard %d owned by more than one node", shard)
			}
			p.owners[shard] = nc
			p.shards = append(p.shards, search.ShardRef{
				Index:  cfg.Index,
				Shard:  shard,
				NodeID: node.ID,
				Addr:   node.Addr,
			})
		}
	}
	sort.Slice(p.shards, func(i, j int) bool { return p.shards[i].Shard < p.shards[j].Shard })
	for i, ref := range p.shards {
		if ref.Shard != i {
			return nil, fmt.Errorf("shard ordinals must be contiguous from 0, missing %d", i)
		}
	}
	p.logger.Info("shard routing table built", "num_shards", len(p.shards), "num_nodes", len(p.nodes))
	return p, nil
}

// Shards returns the routing table in shard-ordinal order.
func (p *Pool) Shards() []search.ShardRef {
	return p.shards
}

// NumNodes returns the number of configured data nodes.
func (p *Pool) NumNodes() int {
	return len(p.nodes)
}

func (nc *nodeClient) get(cfg config.ClusterConfig) (*rpc.Client, error) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	if nc.client != nil {
		return nc.client, nil
	}
	client, err := rpc.Dial(nc.addr, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to node %s: %w", nc.id, err)
	}
	nc.client = client
	return client, nil
}

func (nc *nodeClient) call(ctx context.Context, cfg config.ClusterConfig, method string, params, result any) error {
	return nc.breaker.Execute(func() error {
		client, err := nc.get(cfg)
		if err != nil {
			return err
		}
		callCtx := ctx
		if cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancel()
		}
		if err := client.Call(callCtx, method, params, result); err != nil {
			// A broken connection poisons the decoder; drop it so the next
			// call redials.
			nc.mu.Lock()
			if nc.client == client {
				client.Close()
				nc.client = nil
			}
			nc.mu.Unlock()
			return err
		}
		return nil
	})
}

// QueryShards runs phase 1: it fans the query out to every shard
// concurrently and collects per-shard outcomes. When the cluster has exactly
// one shard the node is asked for a combined query+fetch round trip, leaving
// no open search context.
func (p *Pool) QueryShards(ctx context.Context, query string, window int) (*phase.QueryResults, error) {
	if len(p.shards) == 0 {
		return nil, fmt.Errorf("no shards configured for index %s", p.index)
	}
	results := phase.NewQueryResults(len(p.shards))
	includeHits := len(p.shards) == 1

	var wg sync.WaitGroup
	for _, ref := range p.shards {
		wg.Add(1)
		go func(ref search.ShardRef) {
			defer wg.Done()
			result, err := p.queryOne(ctx, ref, query, window, includeHits)
			if err != nil {
				p.logger.Warn("shard query failed", "shard", ref.String(), "error", err)
				if p.metrics != nil {
					p.metrics.ShardFailuresTotal.WithLabelValues("query").Inc()
				}
				results.SetFailure(ref, err)
				return
			}
			results.SetResult(result)
		}(ref)
	}
	wg.Wait()
	return results, nil
}

func (p *Pool) queryOne(ctx context.Context, ref search.ShardRef, query string, window int, includeHits bool) (*search.QueryResult, error) {
	nc := p.owners[ref.Shard]
	req := &proto.ShardQueryRequest{
		Index:       p.index,
		Shard:       ref.Shard,
		Query:       query,
		Window:      window,
		IncludeHits: includeHits,
	}
	var resp proto.ShardQueryResponse
	err := resilience.WithTimeout(ctx, p.shardTimeout, fmt.Sprintf("query shard %d", ref.Shard), func(ctx context.Context) error {
		return nc.call(ctx, p.cfg, "SearchService.Query", req, &resp)
	})
	if err != nil {
		return nil, err
	}

	result := &search.QueryResult{
		Shard:    ref,
		Total:    search.TotalHits{Value: resp.TotalHits, Relation: search.TotalHitsRelation(resp.Relation)},
		MaxScore: resp.MaxScore,
	}
	if result.Total.Relation == "" {
		result.Total.Relation = search.RelationEqual
	}
	for _, e := range resp.Entries {
		result.Entries = append(result.Entries, search.ScoredEntry{
			Shard: ref.Shard,
			Doc:   e.Doc,
			Score: e.Score,
		})
	}
	switch {
	case resp.Hits != nil:
		result.Hits = make([]search.Hit, 0, len(resp.Hits))
		for _, h := range resp.Hits {
			result.Hits = append(result.Hits, search.Hit{
				Shard:  ref.Shard,
				Doc:    h.Doc,
				Score:  h.Score,
				Source: h.Source,
			})
		}
	case resp.ContextID != "":
		result.Context = search.NewContext(resp.ContextID, ref)
	case len(resp.Entries) > 0:
		return nil, fmt.Errorf("node %s returned entries without a search context", ref.NodeID)
	}
	return result, nil
}

// Fetch implements phase.Fetcher. A returned error means the call could not
// be issued (unknown shard, node connection refused); errors from the call
// itself arrive through cb.
func (p *Pool) Fetch(ctx context.Context, shard search.ShardRef, req *search.FetchRequest, cb func(*search.FetchResult, error)) error {
	nc, ok := p.owners[shard.Shard]
	if !ok {
		return fmt.Errorf("no node owns shard %d", shard.Shard)
	}
	if _, err := nc.get(p.cfg); err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.FetchesInFlight.Inc()
	}
	go func() {
		defer func() {
			if p.metrics != nil {
				p.metrics.FetchesInFlight.Dec()
			}
		}()
		var resp proto.ShardFetchResponse
		err := nc.call(ctx, p.cfg, "SearchService.Fetch", &proto.ShardFetchRequest{
			ContextID: req.ContextID,
			Docs:      req.Docs,
			Fields:    req.Fields,
		}, &resp)
		if err != nil {
			if p.metrics != nil {
				p.metrics.ShardFetchesTotal.WithLabelValues("error").Inc()
				p.metrics.ShardFailuresTotal.WithLabelValues("fetch").Inc()
			}
			cb(nil, err)
			return
		}
		if p.metrics != nil {
			p.metrics.ShardFetchesTotal.WithLabelValues("ok").Inc()
		}
		result := &search.FetchResult{Shard: shard}
		for _, h := range resp.Hits {
			result.Hits = append(result.Hits, search.Hit{
				Shard:  shard.Shard,
				Doc:    h.Doc,
				Score:  h.Score,
				Source: h.Source,
			})
		}
		cb(result, nil)
	}()
	return nil
}

// Release implements phase.Releaser. Failures are retried with backoff and
// then dropped: a context the node cannot free will expire on its own, and
// the phase outcome never depends on it.
func (p *Pool) Release(ctx context.Context, sc *search.Context, done func()) {
	go func() {
		defer done()
		shard := sc.Shard()
		nc, ok := p.owners[shard.Shard]
		if !ok {
			p.logger.Warn("release for unowned shard", "shard", shard.String())
			return
		}
		err := resilience.Retry(ctx, "free-context", resilience.RetryConfig{MaxAttempts: p.cfg.ReleaseRetries}, func() error {
			var resp proto.FreeContextResponse
			return nc.call(ctx, p.cfg, "SearchService.FreeContext", &proto.FreeContextRequest{ContextID: sc.ID()}, &resp)
		})
		if err != nil {
			p.logger.Warn("context release failed", "shard", shard.String(), "context", sc.ID(), "error", err)
			return
		}
		if p.metrics != nil {
			p.metrics.ContextsReleased.Inc()
		}
		p.logger.Debug("context released", "shard", shard.String(), "context", sc.ID())
	}()
}

// BreakerStates reports each node's circuit breaker state for metrics and
// health checks.
func (p *Pool) BreakerStates() map[string]resilience.State {
	states := make(map[string]resilience.State, len(p.nodes))
	for id, nc := range p.nodes {
		states[id] = nc.breaker.GetState()
	}
	return states
}

// Close closes all node connections.
func (p *Pool) Close() error {
	var firstErr error
	for id, nc := range p.nodes {
		nc.mu.Lock()
		if nc.client != nil {
			if err := nc.client.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing connection to %s: %w", id, err)
			}
			nc.client = nil
		}
		nc.mu.Unlock()
	}
	return firstErr
}
