// Package events publishes per-search events to Kafka and aggregates them
// for the stats endpoint.
package events

import "time"

// Event types.
const (
	EventSearchOK      = "search_ok"
	EventSearchPartial = "search_partial"
	EventSearchFailed  = "search_failed"
)

// SearchEvent describes the outcome of one coordinated search.
type SearchEvent struct {
	Type             string    `json:"type"`
	RequestID        string    `json:"request_id,omitempty"`
	Query            string    `json:"query"`
	TotalHits        int64     `json:"total_hits"`
	Returned         int       `json:"returned"`
	SuccessfulShards int       `json:"successful_shards"`
	FailedShards     int       `json:"failed_shards"`
	CacheHit         bool      `json:"cache_hit"`
	LatencyMs        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}
