// Package search defines the domain types shared by the query and fetch
// phases: shard references, per-shard ranked results, materialized hits, and
// the merged response returned to callers.
package search

import (
	"encoding/json"
	"fmt"
)

// ShardRef identifies one (index, shard) partition and the node currently
// hosting it. It is immutable for the duration of one search.
type ShardRef struct {
	Index  string `json:"index"`
	Shard  int    `json:"shard"`
	NodeID string `json:"node_id"`
	Addr   string `json:"-"`
}

func (r ShardRef) String() string {
	return fmt.Sprintf("[%s][%d] on %s", r.Index, r.Shard, r.NodeID)
}

// ScoredEntry is one ranked (score, shard-local doc) pair. Shard carries the
// shard ordinal so that ordering ties break deterministically.
type ScoredEntry struct {
	Shard int     `json:"shard"`
	Doc   int64   `json:"doc"`
	Score float64 `json:"score"`
}

// EntryBefore reports whether a ranks strictly before b in the global
// ordering: score descending, then shard ordinal ascending, then shard-local
// doc id ascending. The ordering is total and deterministic.
func EntryBefore(a, b ScoredEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Shard != b.Shard {
		return a.Shard < b.Shard
	}
	return a.Doc < b.Doc
}

// TotalHitsRelation qualifies a total-hits value as exact or a lower bound.
type TotalHitsRelation string

const (
	RelationEqual          TotalHitsRelation = "eq"
	RelationGreaterOrEqual TotalHitsRelation = "gte"
)

// TotalHits is an aggregate hit count with its accuracy relation.
type TotalHits struct {
	Value    int64             `json:"value"`
	Relation TotalHitsRelation `json:"relation"`
}

// Hit is one materialized document in a response.
type Hit struct {
	Shard  int             `json:"shard"`
	Doc    int64           `json:"doc"`
	Score  float64         `json:"score"`
	Source json.RawMessage `json:"source,omitempty"`
}

// QueryResult is one shard's phase-1 result: its locally ranked entries plus
// the server-side search context kept open for the fetch phase. The
// coordinator owns the result exclusively; its Context is consumed by
// exactly one fetch or released exactly once.
//
// Hits is non-nil only when the node answered a combined query+fetch round
// trip, in which case Context is nil and no fetch is needed.
type QueryResult struct {
	Shard    ShardRef
	Entries  []ScoredEntry
	Total    TotalHits
	MaxScore float64
	Context  *Context
	Hits     []Hit
}

// FetchRequest asks one shard to materialize the given shard-local doc ids,
// in order.
type FetchRequest struct {
	ContextID string
	Docs      []int64
	Fields    []string
}

// FetchResult carries one shard's materialized hits, in request order.
type FetchResult struct {
	Shard ShardRef
	Hits  []Hit
}

// ShardFailure records one shard's failure and its cause.
type ShardFailure struct {
	Shard ShardRef
	Err   error
}

func (f ShardFailure) Error() string {
	return fmt.Sprintf("shard %s: %v", f.Shard, f.Err)
}

// MarshalJSON renders the cause as a string for API responses.
func (f ShardFailure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Shard ShardRef `json:"shard"`
		Cause string   `json:"cause"`
	}{Shard: f.Shard, Cause: f.Err.Error()})
}

// Response is the merged, globally ordered result of one search. Partial
// shard failure is a first-class outcome: Hits holds what succeeded and
// Failures explains what did not.
type Response struct {
	Hits             []Hit          `json:"hits"`
	Total            TotalHits      `json:"total"`
	MaxScore         float64        `json:"max_score"`
	SuccessfulShards int            `json:"successful_shards"`
	FailedShards     int            `json:"failed_shards"`
	Failures         []ShardFailure `json:"failures,omitempty"`
}
