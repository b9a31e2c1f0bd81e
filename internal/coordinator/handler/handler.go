// Package handler exposes the coordinator's HTTP API: search execution,
// cache management, aggregated stats, and archived phase history.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/searchkit/coordinator/internal/coordinator/cache"
	"github.com/searchkit/coordinator/internal/coordinator/events"
	"github.com/searchkit/coordinator/internal/coordinator/history"
	"github.com/searchkit/coordinator/internal/search"
	"github.com/searchkit/coordinator/internal/search/phase"
	apperrors "github.com/searchkit/coordinator/pkg/errors"
	"github.com/searchkit/coordinator/pkg/logger"
	"github.com/searchkit/coordinator/pkg/metrics"
	"github.com/searchkit/coordinator/pkg/tracing"
)

// ShardBackend is the transport surface the handler coordinates over: the
// phase-1 query fan-out plus the fetch and release calls of phase 2.
type ShardBackend interface {
	Shards() []search.ShardRef
	QueryShards(ctx context.Context, query string, window int) (*phase.QueryResults, error)
	phase.Fetcher
	phase.Releaser
}

// Handler serves the coordinator API.
type Handler struct {
	backend       ShardBackend
	cache         *cache.ResponseCache
	collector     *events.Collector
	aggregator    *events.Aggregator
	store         *history.Store
	metrics       *metrics.Metrics
	defaultWindow int
	maxWindow     int
	fields        []string
	logger        *slog.Logger
}

// Options carries the optional collaborators; nil fields disable the
// corresponding feature. Fields restricts fetched sources to the named
// source fields; empty means full sources.
type Options struct {
	Cache      *cache.ResponseCache
	Collector  *events.Collector
	Aggregator *events.Aggregator
	Store      *history.Store
	Metrics    *metrics.Metrics
	Fields     []string
}

// New creates a Handler.
func New(backend ShardBackend, defaultWindow, maxWindow int, opts Options) *Handler {
	return &Handler{
		backend:       backend,
		cache:         opts.Cache,
		collector:     opts.Collector,
		aggregator:    opts.Aggregator,
		store:         opts.Store,
		metrics:       opts.Metrics,
		defaultWindow: defaultWindow,
		maxWindow:     maxWindow,
		fields:        opts.Fields,
		logger:        slog.Default().With("component", "search-handler"),
	}
}

// searchPayload is the API response: the merged result plus the per-phase
// status history (omitted when served from cache). Latency lives here rather
// than on the response itself: singleflight hands concurrent identical
// searches the same *search.Response, which must stay read-only.
type searchPayload struct {
	*search.Response
	TookMs   int64              `json:"took_ms"`
	CacheHit bool               `json:"cache_hit"`
	Phases   []phase.RecordView `json:"phases,omitempty"`
}

// Search executes one coordinated search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}

	window := h.defaultWindow
	if windowStr := r.URL.Query().Get("window"); windowStr != "" {
		parsed, err := strconv.Atoi(windowStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "window must be a positive integer")
			return
		}
		if parsed > h.maxWindow {
			parsed = h.maxWindow
		}
		window = parsed
	}

	var progress *phase.Progress
	execute := func() (*search.Response, error) {
		progress = phase.NewProgress()
		return h.runSearch(ctx, query, window, progress)
	}

	var resp *search.Response
	var err error
	cacheHit := false
	if h.cache != nil {
		resp, cacheHit, err = h.cache.GetOrCompute(ctx, query, window, execute)
	} else {
		resp, err = execute()
	}
	if err != nil {
		log.Error("search failed", "query", query, "error", err)
		h.trackEvent(ctx, events.EventSearchFailed, query, nil, cacheHit, start)
		if h.metrics != nil {
			h.metrics.SearchesTotal.WithLabelValues("failed").Inc()
		}
		h.writeError(w, apperrors.HTTPStatusCode(err), "search failed")
		return
	}

	tookMs := time.Since(start).Milliseconds()
	payload := &searchPayload{Response: resp, TookMs: tookMs, CacheHit: cacheHit}
	if progress != nil && !cacheHit {
		payload.Phases = progress.History()
		h.archive(ctx, query, payload.Phases)
		h.observePhases(payload.Phases)
	}

	outcome := events.EventSearchOK
	if resp.FailedShards > 0 {
		outcome = events.EventSearchPartial
	}
	h.trackEvent(ctx, outcome, query, resp, cacheHit, start)
	if h.metrics != nil {
		label := "ok"
		if resp.FailedShards > 0 {
			label = "partial"
		}
		h.metrics.SearchesTotal.WithLabelValues(label).Inc()
	}

	log.Info("search completed",
		"query", query,
		"total_hits", resp.Total.Value,
		"returned", len(resp.Hits),
		"successful_shards", resp.SuccessfulShards,
		"failed_shards", resp.FailedShards,
		"cache_hit", cacheHit,
		"latency_ms", tookMs,
	)

	h.writeJSON(w, http.StatusOK, payload)
}

// runSearch executes both phases and blocks until the fetch phase's
// continuation fires.
func (h *Handler) runSearch(ctx context.Context, query string, window int, progress *phase.Progress) (*search.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "search", logger.RequestID(ctx))
	defer func() {
		span.End()
		span.Log()
	}()
	span.SetAttr("query", query)
	span.SetAttr("window", window)

	queryCtx, querySpan := tracing.StartChildSpan(ctx, "query-phase")
	record := progress.StartPhase("query")
	results, err := h.backend.QueryShards(queryCtx, query, window)
	querySpan.End()
	if err != nil {
		record.Fail(err)
		record.Complete(len(h.backend.Shards()))
		return nil, err
	}
	successes, _ := results.Successes()
	failures, _ := results.Failures()
	for _, r := range successes {
		record.ShardOutcome(r.Shard, nil, 0)
	}
	for _, f := range failures {
		record.ShardOutcome(f.Shard, f.Err, 0)
	}
	record.Complete(results.ExpectedShards())

	if len(successes) == 0 && results.ExpectedShards() > 0 {
		return nil, apperrors.Newf(apperrors.ErrPhaseFailed, http.StatusServiceUnavailable,
			"all %d shards failed", results.ExpectedShards())
	}

	fetchCtx, fetchSpan := tracing.StartChildSpan(ctx, "fetch-phase")
	respCh := make(chan *search.Response, 1)
	errCh := make(chan error, 1)
	fp := phase.NewFetch(results, h.backend, h.backend, progress, phase.FetchOptions{Window: window, Fields: h.fields},
		func(resp *search.Response) { respCh <- resp },
		func(err error) { errCh <- err },
	)
	fp.Run(fetchCtx)

	select {
	case resp := <-respCh:
		fetchSpan.End()
		return resp, nil
	case err := <-errCh:
		fetchSpan.End()
		return nil, fmt.Errorf("%w: %w", apperrors.ErrPhaseFailed, err)
	case <-ctx.Done():
		fetchSpan.End()
		return nil, fmt.Errorf("search cancelled: %w", ctx.Err())
	}
}

func (h *Handler) trackEvent(ctx context.Context, eventType, query string, resp *search.Response, cacheHit bool, start time.Time) {
	if h.collector == nil {
		return
	}
	event := events.SearchEvent{
		Type:      eventType,
		RequestID: logger.RequestID(ctx),
		Query:     query,
		CacheHit:  cacheHit,
		LatencyMs: time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if resp != nil {
		event.TotalHits = resp.Total.Value
		event.Returned = len(resp.Hits)
		event.SuccessfulShards = resp.SuccessfulShards
		event.FailedShards = resp.FailedShards
	}
	h.collector.Track(event)
}

func (h *Handler) archive(ctx context.Context, query string, phases []phase.RecordView) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(ctx, logger.RequestID(ctx), query, phases); err != nil {
		h.logger.Error("failed to archive phase history", "error", err)
	}
}

func (h *Handler) observePhases(phases []phase.RecordView) {
	if h.metrics == nil {
		return
	}
	for _, p := range phases {
		if p.Completed && !p.CompletedAt.IsZero() {
			h.metrics.PhaseDuration.WithLabelValues(p.Name).Observe(p.CompletedAt.Sub(p.StartedAt).Seconds())
		}
	}
}

// Stats serves the aggregated search-event totals.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.aggregator == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	h.writeJSON(w, http.StatusOK, h.aggregator.Stats())
}

// History serves the most recent archived phase records.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	entries, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list phase history", "error", err)
		h.writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// CacheStats serves the response-cache hit/miss counters.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

// CacheInvalidate clears the response cache.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "caching is disabled")
		return
	}

	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("cache invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
