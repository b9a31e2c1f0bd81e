// Package fanout provides a fixed-size, index-addressed collector for N
// independently-arriving asynchronous responses, with an irreversible
// discard operation for abandoning a fan-out without blocking forever.
package fanout

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDiscarded is returned by Get after the tracker has been discarded.
// Already-filled slots are retained but no longer readable, so callers can
// distinguish an abandoned fan-out from a completed one.
var ErrDiscarded = errors.New("responses discarded")

// SlotTracker collects up to N responses, one per slot. Each slot accepts
// exactly one value; duplicate and late arrivals are ignored. All methods
// are safe for concurrent use.
type SlotTracker[T any] struct {
	mu        sync.Mutex
	slots     []*T
	filled    int
	discarded bool
	cause     error
}

// New creates a tracker expecting n responses. n may be zero, in which case
// AllResponded is immediately true.
func New[T any](n int) *SlotTracker[T] {
	if n < 0 {
		panic(fmt.Sprintf("fanout: negative slot count %d", n))
	}
	return &SlotTracker[T]{slots: make([]*T, n)}
}

// TryPut stores v into slot i and reports whether it was added. A filled
// slot keeps its first value and further puts report false. Puts after
// Discard are silently ignored. An out-of-range index is a programming
// error and panics.
func (t *SlotTracker[T]) TryPut(i int, v T) bool {
	if i < 0 || i >= len(t.slots) {
		panic(fmt.Sprintf("fanout: slot index %d out of range [0,%d)", i, len(t.slots)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discarded || t.slots[i] != nil {
		return false
	}
	t.slots[i] = &v
	t.filled++
	return true
}

// Discard irreversibly abandons the fan-out. Filled slots are retained but
// become unreadable, AllResponded becomes true immediately, and later puts
// are ignored. Calling Discard again is a no-op.
func (t *SlotTracker[T]) Discard(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discarded {
		return
	}
	t.discarded = true
	t.cause = cause
}

// AllResponded reports whether every slot is filled or the tracker was
// discarded. Discarding ends the wait even with empty slots remaining.
func (t *SlotTracker[T]) AllResponded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discarded || t.filled == len(t.slots)
}

// IsDiscarded reports whether Discard has been called.
func (t *SlotTracker[T]) IsDiscarded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discarded
}

// ExpectedCount returns the number of slots.
func (t *SlotTracker[T]) ExpectedCount() int {
	return len(t.slots)
}

// FilledCount returns the number of slots holding a value.
func (t *SlotTracker[T]) FilledCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filled
}

// Get returns the value in slot i, if any. After Discard every read fails
// with ErrDiscarded (wrapping the discard cause), including reads of slots
// that were filled before the discard.
func (t *SlotTracker[T]) Get(i int) (T, bool, error) {
	if i < 0 || i >= len(t.slots) {
		panic(fmt.Sprintf("fanout: slot index %d out of range [0,%d)", i, len(t.slots)))
	}
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discarded {
		if t.cause != nil {
			return zero, false, fmt.Errorf("%w: %w", ErrDiscarded, t.cause)
		}
		return zero, false, ErrDiscarded
	}
	if t.slots[i] == nil {
		return zero, false, nil
	}
	return *t.slots[i], true, nil
}
