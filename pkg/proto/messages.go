// Package proto defines the shared message types used for RPC communication
// between the coordinator and the data nodes that host index shards.
//
// The types use JSON struct tags for serialization over the lightweight
// JSON-over-TCP RPC layer (see pkg/rpc). Data nodes register three methods:
//
//	SearchService.Query        — phase 1, per-shard ranked entries
//	SearchService.Fetch        — phase 2, materialize documents
//	SearchService.FreeContext  — release an unused search context
package proto

import "encoding/json"

// ---------- Query phase ----------

// ShardQueryRequest asks one shard to execute a query and return its local
// top entries. When IncludeHits is set the node answers a combined
// query+fetch in one round trip and leaves no open search context.
type ShardQueryRequest struct {
	Index       string `json:"index"`
	Shard       int    `json:"shard"`
	Query       string `json:"query"`
	Window      int    `json:"window"`
	IncludeHits bool   `json:"include_hits,omitempty"`
}

// ShardEntry is one locally ranked (score, doc) pair.
type ShardEntry struct {
	Doc   int64   `json:"doc"`
	Score float64 `json:"score"`
}

// ShardQueryResponse carries a shard's local top entries plus the handle of
// the search context kept open on the node for the fetch phase. ContextID is
// empty when IncludeHits was requested.
type ShardQueryResponse struct {
	Shard     int          `json:"shard"`
	ContextID string       `json:"context_id,omitempty"`
	TotalHits int64        `json:"total_hits"`
	Relation  string       `json:"relation"` // "eq" or "gte"
	MaxScore  float64      `json:"max_score"`
	Entries   []ShardEntry `json:"entries"`
	Hits      []HitData    `json:"hits,omitempty"`
}

// ---------- Fetch phase ----------

// ShardFetchRequest asks the node owning a search context to materialize the
// given shard-local doc ids, in order.
type ShardFetchRequest struct {
	ContextID string   `json:"context_id"`
	Docs      []int64  `json:"docs"`
	Fields    []string `json:"fields,omitempty"`
}

// HitData is one materialized document.
type HitData struct {
	Doc    int64           `json:"doc"`
	Score  float64         `json:"score"`
	Source json.RawMessage `json:"source,omitempty"`
}

// ShardFetchResponse returns hits in the same order as the requested docs.
type ShardFetchResponse struct {
	Hits []HitData `json:"hits"`
}

// ---------- Context release ----------

// FreeContextRequest releases a search context that will not be fetched from.
type FreeContextRequest struct {
	ContextID string `json:"context_id"`
}

// FreeContextResponse acknowledges the release.
type FreeContextResponse struct {
	Freed bool `json:"freed"`
}
