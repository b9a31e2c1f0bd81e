package phase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchkit/coordinator/internal/search"
	"github.com/searchkit/coordinator/internal/search/fanout"
	"github.com/searchkit/coordinator/internal/search/merge"
)

// Fetcher dispatches an asynchronous fetch call to the shard owning a search
// context. A non-nil return value means the call could not even be issued
// and the whole phase must abort; failures of the call itself are delivered
// through cb and are recoverable per shard. Implementations invoke cb
// exactly once, from any goroutine.
type Fetcher interface {
	Fetch(ctx context.Context, shard search.ShardRef, req *search.FetchRequest, cb func(*search.FetchResult, error)) error
}

// Releaser frees a server-side search context that will not be fetched from.
// Release failures are logged and swallowed by implementations; done must be
// invoked exactly once when the release attempt has settled.
type Releaser interface {
	Release(ctx context.Context, sc *search.Context, done func())
}

// FetchOptions controls the fetch phase's result window and field
// projections.
type FetchOptions struct {
	Window int
	Fields []string
}

type fetchState int

const (
	stateInitial fetchState = iota
	stateWaiting
	stateMerging
	stateDone
	stateFailed
)

// FetchPhase coordinates the second phase of a search: it decides which
// shards hold globally relevant documents, fetches from them concurrently,
// releases the contexts of shards whose data is not needed, tolerates
// per-shard failures, and invokes exactly one of onResponse or onFailure
// when every expected operation has settled.
type FetchPhase struct {
	results    *QueryResults
	fetcher    Fetcher
	releaser   Releaser
	progress   *Progress
	opts       FetchOptions
	onResponse func(*search.Response)
	onFailure  func(error)
	logger     *slog.Logger

	record      *Record
	top         []search.ScoredEntry
	fetched     *fanout.SlotTracker[*search.FetchResult]
	expectedOps int
	queried     int
	total       search.TotalHits
	maxScore    float64

	mu            sync.Mutex
	state         fetchState
	failures      []search.ShardFailure
	queryFailures int

	pending  atomic.Int64
	releases sync.WaitGroup
}

// NewFetch builds a fetch phase over the collected query results. Exactly
// one of onResponse and onFailure is invoked, once, after Run.
func NewFetch(
	results *QueryResults,
	fetcher Fetcher,
	releaser Releaser,
	progress *Progress,
	opts FetchOptions,
	onResponse func(*search.Response),
	onFailure func(error),
) *FetchPhase {
	return &FetchPhase{
		results:    results,
		fetcher:    fetcher,
		releaser:   releaser,
		progress:   progress,
		opts:       opts,
		onResponse: onResponse,
		onFailure:  onFailure,
		logger:     slog.Default().With("component", "fetch-phase"),
	}
}

// Run executes the phase. It returns once all fetches are dispatched; the
// continuation fires from whichever goroutine observes the last completion.
func (p *FetchPhase) Run(ctx context.Context) {
	p.record = p.progress.StartPhase("fetch")

	succ, err := p.results.Successes()
	if err != nil {
		p.abort(ctx, nil, nil, err)
		return
	}
	queryFailures, _ := p.results.Failures()
	p.failures = append(p.failures, queryFailures...)
	p.queryFailures = len(queryFailures)
	p.queried = len(succ)
	p.aggregateTotals(succ)

	// Single-shard shortcut: the node already answered a combined
	// query+fetch round trip, so there is nothing left to dispatch and no
	// open context to account for.
	if len(succ) == 1 && succ[0].Hits != nil && succ[0].Context == nil {
		p.setState(stateMerging)
		p.finishShortcut(succ[0])
		return
	}

	lists := make([][]search.ScoredEntry, len(succ))
	for i, r := range succ {
		lists[i] = r.Entries
	}
	p.top = merge.TopK(lists, p.opts.Window)
	docsByShard := merge.ByShard(p.top)

	var included []*search.QueryResult
	for _, r := range succ {
		if len(docsByShard[r.Shard.Shard]) > 0 {
			included = append(included, r)
			continue
		}
		// Not needed for the global top-K: free the node-side context now,
		// in parallel with the fetches below.
		if r.Context != nil {
			p.releaseContext(ctx, r.Context)
		}
	}
	p.expectedOps = len(included)
	p.fetched = fanout.New[*search.FetchResult](p.results.ExpectedShards())

	if len(included) == 0 {
		p.setState(stateMerging)
		p.finish()
		return
	}

	p.setState(stateWaiting)
	p.pending.Store(int64(len(included)))
	for i, r := range included {
		shard := r.Shard
		sc := r.Context
		req := &search.FetchRequest{
			ContextID: sc.ID(),
			Docs:      docsByShard[shard.Shard],
			Fields:    p.opts.Fields,
		}
		start := time.Now()
		err := p.fetcher.Fetch(ctx, shard, req, func(res *search.FetchResult, ferr error) {
			p.onShardDone(shard, start, res, ferr)
		})
		if err != nil {
			// The call never left the coordinator, which bypasses the
			// completion protocol: unrecoverable for the whole phase.
			p.abort(ctx, sc, included[i+1:], fmt.Errorf("dispatching fetch to %s: %w", shard, err))
			return
		}
		// The node now owns the context and frees it after responding.
		sc.Consume()
	}
}

func (p *FetchPhase) setState(s fetchState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *FetchPhase) aggregateTotals(succ []*search.QueryResult) {
	p.total = search.TotalHits{Relation: search.RelationEqual}
	for _, r := range succ {
		p.total.Value += r.Total.Value
		if r.Total.Relation == search.RelationGreaterOrEqual {
			p.total.Relation = search.RelationGreaterOrEqual
		}
		if r.Total.Value > 0 && r.MaxScore > p.maxScore {
			p.maxScore = r.MaxScore
		}
	}
}

// onShardDone is the completion path for one dispatched fetch. A failure
// arriving here is recoverable: it is recorded against the shard and the
// phase still produces a response.
func (p *FetchPhase) onShardDone(shard search.ShardRef, start time.Time, res *search.FetchResult, ferr error) {
	took := time.Since(start)

	p.mu.Lock()
	if p.state == stateFailed || p.state == stateDone {
		p.mu.Unlock()
		return
	}
	if ferr != nil {
		p.failures = append(p.failures, search.ShardFailure{Shard: shard, Err: ferr})
	}
	// Recorded under the phase lock so a concurrent abort cannot close the
	// record first.
	p.record.ShardOutcome(shard, ferr, took)
	if ferr == nil && res != nil {
		p.fetched.TryPut(shard.Shard, res)
	}
	p.mu.Unlock()

	if ferr != nil {
		p.logger.Warn("shard fetch failed", "shard", shard.String(), "error", ferr)
	}

	// Exactly one caller observes the countdown reach zero and merges.
	if p.pending.Add(-1) == 0 {
		p.finish()
	}
}

// finish transitions to merging, waits for the excluded-context releases so
// the phase ends resource-clean, builds the merged response, and invokes the
// continuation exactly once.
func (p *FetchPhase) finish() {
	p.mu.Lock()
	if p.state == stateFailed || p.state == stateDone {
		p.mu.Unlock()
		return
	}
	p.state = stateMerging
	p.mu.Unlock()

	p.releases.Wait()

	resp := p.buildResponse()
	p.record.Complete(p.expectedOps)
	p.setState(stateDone)

	p.logger.Debug("fetch phase complete",
		"hits", len(resp.Hits),
		"successful_shards", resp.SuccessfulShards,
		"failed_shards", resp.FailedShards,
	)
	p.onResponse(resp)
}

// finishShortcut completes the phase using the single shard's materialized
// hits. The phase reports zero expected operations and no processed shards,
// but is otherwise indistinguishable from an explicit fetch.
func (p *FetchPhase) finishShortcut(r *search.QueryResult) {
	hits := r.Hits
	if p.opts.Window > 0 && len(hits) > p.opts.Window {
		hits = hits[:p.opts.Window]
	}
	resp := &search.Response{
		Hits:             hits,
		Total:            p.total,
		MaxScore:         p.maxScore,
		SuccessfulShards: 1,
		FailedShards:     len(p.failures),
		Failures:         p.failures,
	}
	p.record.Complete(0)
	p.setState(stateDone)
	p.onResponse(resp)
}

// abort is the phase-fatal path: no merged response is built, contexts still
// owned by the coordinator are released, and the error continuation fires
// exactly once. Contexts already consumed by dispatched fetches are freed by
// their nodes and must not be touched again.
func (p *FetchPhase) abort(ctx context.Context, failed *search.Context, rest []*search.QueryResult, cause error) {
	p.mu.Lock()
	if p.state == stateFailed || p.state == stateDone {
		p.mu.Unlock()
		return
	}
	p.state = stateFailed
	p.mu.Unlock()

	if p.fetched != nil {
		p.fetched.Discard(cause)
	}
	if failed != nil && failed.Live() {
		p.releaseContext(ctx, failed)
	}
	for _, r := range rest {
		if r.Context != nil && r.Context.Live() {
			p.releaseContext(ctx, r.Context)
		}
	}
	p.record.Fail(cause)
	p.record.Complete(p.expectedOps)
	p.releases.Wait()

	p.logger.Error("fetch phase failed", "error", cause)
	p.onFailure(cause)
}

func (p *FetchPhase) releaseContext(ctx context.Context, sc *search.Context) {
	sc.MarkReleased()
	p.releases.Add(1)
	p.releaser.Release(ctx, sc, p.releases.Done)
}

type hitKey struct {
	shard int
	doc   int64
}

// buildResponse assembles the globally ordered hit list from the fetched
// per-shard results, skipping entries whose shard failed.
func (p *FetchPhase) buildResponse() *search.Response {
	byKey := make(map[hitKey]search.Hit)
	for i := 0; i < p.results.ExpectedShards(); i++ {
		res, ok, err := p.fetched.Get(i)
		if err != nil || !ok {
			continue
		}
		for _, h := range res.Hits {
			byKey[hitKey{shard: h.Shard, doc: h.Doc}] = h
		}
	}

	hits := make([]search.Hit, 0, len(p.top))
	for _, entry := range p.top {
		if h, ok := byKey[hitKey{shard: entry.Shard, doc: entry.Doc}]; ok {
			h.Score = entry.Score
			hits = append(hits, h)
		}
	}

	p.mu.Lock()
	failures := p.failures
	fetchFailures := len(p.failures) - p.queryFailures
	p.mu.Unlock()

	return &search.Response{
		Hits:             hits,
		Total:            p.total,
		MaxScore:         p.maxScore,
		SuccessfulShards: p.queried - fetchFailures,
		FailedShards:     len(failures),
		Failures:         failures,
	}
}
