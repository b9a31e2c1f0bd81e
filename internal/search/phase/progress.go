package phase

import (
	"fmt"
	"sync"
	"time"

	"github.com/searchkit/coordinator/internal/search"
)

// Progress records phase status for one search request. It is owned by the
// request and passed explicitly into each phase; its lifetime is one search.
type Progress struct {
	mu      sync.Mutex
	records []*Record
}

// NewProgress creates an empty per-request progress tracker.
func NewProgress() *Progress {
	return &Progress{}
}

// StartPhase opens a new phase record. Records appear in History in start
// order.
func (p *Progress) StartPhase(name string) *Record {
	r := &Record{
		name:      name,
		startedAt: time.Now(),
		seen:      make(map[int]bool),
	}
	p.mu.Lock()
	p.records = append(p.records, r)
	p.mu.Unlock()
	return r
}

// History returns a read-only snapshot of all phase records, in start order.
func (p *Progress) History() []RecordView {
	p.mu.Lock()
	records := make([]*Record, len(p.records))
	copy(records, p.records)
	p.mu.Unlock()

	views := make([]RecordView, 0, len(records))
	for _, r := range records {
		views = append(views, r.view())
	}
	return views
}

// Outcome is one shard's result within a phase.
type Outcome struct {
	Shard search.ShardRef
	Err   error
	Took  time.Duration
}

// Record accumulates the outcomes of one phase. A phase records at most one
// outcome per shard; the first report wins and later duplicates are ignored,
// mirroring the fan-out collector's idempotence against late responses.
type Record struct {
	name      string
	startedAt time.Time

	mu          sync.Mutex
	outcomes    []Outcome
	seen        map[int]bool
	expectedOps int
	failure     error
	completed   bool
	completedAt time.Time
}

// Name returns the phase name.
func (r *Record) Name() string { return r.name }

// ShardOutcome records one shard's outcome and reports whether it was the
// first for that shard. Recording after Complete is a programming error.
func (r *Record) ShardOutcome(shard search.ShardRef, err error, took time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		panic(fmt.Sprintf("phase %q: shard outcome recorded after completion", r.name))
	}
	if r.seen[shard.Shard] {
		return false
	}
	r.seen[shard.Shard] = true
	r.outcomes = append(r.outcomes, Outcome{Shard: shard, Err: err, Took: took})
	return true
}

// Fail marks the whole phase as fatally failed.
func (r *Record) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

// Complete freezes the record with the phase's expected operation count.
// A record is closed exactly once; a second Complete panics.
func (r *Record) Complete(expectedOps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		panic(fmt.Sprintf("phase %q: record closed twice", r.name))
	}
	r.completed = true
	r.completedAt = time.Now()
	r.expectedOps = expectedOps
}

func (r *Record) view() RecordView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := RecordView{
		Name:        r.name,
		ExpectedOps: r.expectedOps,
		Completed:   r.completed,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
	}
	if r.failure != nil {
		v.Failure = r.failure.Error()
	}
	for _, o := range r.outcomes {
		ov := OutcomeView{
			Shard:  o.Shard.String(),
			OK:     o.Err == nil,
			TookMs: o.Took.Milliseconds(),
		}
		if o.Err != nil {
			ov.Cause = o.Err.Error()
		}
		v.Outcomes = append(v.Outcomes, ov)
	}
	return v
}

// RecordView is a read-only, JSON-ready snapshot of one phase record.
type RecordView struct {
	Name        string        `json:"name"`
	ExpectedOps int           `json:"expected_ops"`
	Completed   bool          `json:"completed"`
	Outcomes    []OutcomeView `json:"shards,omitempty"`
	Failure     string        `json:"failure,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// OutcomeView is a read-only snapshot of one shard outcome.
type OutcomeView struct {
	Shard  string `json:"shard"`
	OK     bool   `json:"ok"`
	Cause  string `json:"cause,omitempty"`
	TookMs int64  `json:"took_ms"`
}
