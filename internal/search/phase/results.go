// Package phase implements the multi-phase execution of one search request:
// collecting per-shard query results, coordinating the fetch fan-out with
// partial-failure tolerance, and recording per-phase status for observers.
package phase

import (
	"github.com/searchkit/coordinator/internal/search"
	"github.com/searchkit/coordinator/internal/search/fanout"
)

// shardOutcome is one shard's query-phase outcome: a result or a failure,
// never both.
type shardOutcome struct {
	shard  search.ShardRef
	result *search.QueryResult
	err    error
}

// QueryResults accumulates per-shard phase-1 results keyed by shard ordinal.
// Each shard reports exactly once, success or failure; duplicate reports are
// ignored. Safe for concurrent use by the query fan-out.
type QueryResults struct {
	tracker *fanout.SlotTracker[shardOutcome]
}

// NewQueryResults creates a collector expecting one outcome per shard.
func NewQueryResults(numShards int) *QueryResults {
	return &QueryResults{tracker: fanout.New[shardOutcome](numShards)}
}

// SetResult records a shard's successful query result.
func (q *QueryResults) SetResult(r *search.QueryResult) bool {
	return q.tracker.TryPut(r.Shard.Shard, shardOutcome{shard: r.Shard, result: r})
}

// SetFailure records a shard's query failure.
func (q *QueryResults) SetFailure(shard search.ShardRef, err error) bool {
	return q.tracker.TryPut(shard.Shard, shardOutcome{shard: shard, err: err})
}

// AllResponded reports whether every shard has reported or the collector was
// discarded.
func (q *QueryResults) AllResponded() bool {
	return q.tracker.AllResponded()
}

// Discard abandons the collection; see fanout.SlotTracker.Discard.
func (q *QueryResults) Discard(cause error) {
	q.tracker.Discard(cause)
}

// ExpectedShards returns the number of queried shards.
func (q *QueryResults) ExpectedShards() int {
	return q.tracker.ExpectedCount()
}

// Successes returns the successful per-shard results in shard-ordinal order.
// It fails if the collector was discarded.
func (q *QueryResults) Successes() ([]*search.QueryResult, error) {
	out := make([]*search.QueryResult, 0, q.tracker.ExpectedCount())
	for i := 0; i < q.tracker.ExpectedCount(); i++ {
		outcome, ok, err := q.tracker.Get(i)
		if err != nil {
			return nil, err
		}
		if ok && outcome.result != nil {
			out = append(out, outcome.result)
		}
	}
	return out, nil
}

// Failures returns the query-phase shard failures in shard-ordinal order.
// It fails if the collector was discarded.
func (q *QueryResults) Failures() ([]search.ShardFailure, error) {
	var out []search.ShardFailure
	for i := 0; i < q.tracker.ExpectedCount(); i++ {
		outcome, ok, err := q.tracker.Get(i)
		if err != nil {
			return nil, err
		}
		if ok && outcome.err != nil {
			out = append(out, search.ShardFailure{Shard: outcome.shard, Err: outcome.err})
		}
	}
	return out, nil
}
