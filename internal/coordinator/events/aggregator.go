package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/searchkit/coordinator/pkg/kafka"
)

// AggregatedStats is a snapshot of search outcomes seen on the event topic.
type AggregatedStats struct {
	TotalSearches   int64   `json:"total_searches"`
	PartialSearches int64   `json:"partial_searches"`
	FailedSearches  int64   `json:"failed_searches"`
	CacheHits       int64   `json:"cache_hits"`
	TotalHits       int64   `json:"total_hits"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
}

// Aggregator consumes search events and keeps running totals.
type Aggregator struct {
	consumer *kafka.Consumer
	logger   *slog.Logger

	mu           sync.Mutex
	stats        AggregatedStats
	latencyTotal int64
}

// NewAggregator creates an Aggregator. Call Bind to attach it to a consumer
// built with its Handle method.
func NewAggregator() *Aggregator {
	return &Aggregator{
		logger: slog.Default().With("component", "event-aggregator"),
	}
}

// Bind attaches the consumer the aggregator will run.
func (a *Aggregator) Bind(consumer *kafka.Consumer) {
	a.consumer = consumer
}

// Handle is the kafka.MessageHandler that folds one event into the totals.
func (a *Aggregator) Handle(ctx context.Context, key []byte, value []byte) error {
	event, err := kafka.DecodeJSON[SearchEvent](value)
	if err != nil {
		a.logger.Warn("skipping undecodable event", "error", err)
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.TotalSearches++
	a.stats.TotalHits += event.TotalHits
	a.latencyTotal += event.LatencyMs
	a.stats.AvgLatencyMs = float64(a.latencyTotal) / float64(a.stats.TotalSearches)
	if event.CacheHit {
		a.stats.CacheHits++
	}
	switch event.Type {
	case EventSearchPartial:
		a.stats.PartialSearches++
	case EventSearchFailed:
		a.stats.FailedSearches++
	}
	return nil
}

// Start runs the consume loop until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.consumer == nil {
		<-ctx.Done()
		return nil
	}
	return a.consumer.Start(ctx)
}

// Stats returns a copy of the current totals.
func (a *Aggregator) Stats() AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
