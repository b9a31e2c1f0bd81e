package phase

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchkit/coordinator/internal/search"
)

func shardRef(n int) search.ShardRef {
	return search.ShardRef{Index: "docs", Shard: n, NodeID: "node-0"}
}

func TestProgressHistoryInStartOrder(t *testing.T) {
	p := NewProgress()
	q := p.StartPhase("query")
	q.Complete(4)
	f := p.StartPhase("fetch")
	f.Complete(2)

	history := p.History()
	require.Len(t, history, 2)
	assert.Equal(t, "query", history[0].Name)
	assert.Equal(t, 4, history[0].ExpectedOps)
	assert.Equal(t, "fetch", history[1].Name)
	assert.Equal(t, 2, history[1].ExpectedOps)
	assert.True(t, history[1].Completed)
}

func TestRecordFirstOutcomePerShardWins(t *testing.T) {
	p := NewProgress()
	r := p.StartPhase("fetch")

	assert.True(t, r.ShardOutcome(shardRef(0), nil, 5*time.Millisecond))
	assert.False(t, r.ShardOutcome(shardRef(0), errors.New("late duplicate"), 0))
	assert.True(t, r.ShardOutcome(shardRef(1), errors.New("timeout"), 0))
	r.Fail(errors.New("gave up"))
	r.Complete(2)

	view := p.History()[0]
	require.Len(t, view.Outcomes, 2)
	assert.True(t, view.Outcomes[0].OK)
	assert.Empty(t, view.Outcomes[0].Cause)
	assert.False(t, view.Outcomes[1].OK)
	assert.Equal(t, "timeout", view.Outcomes[1].Cause)
	assert.Equal(t, "gave up", view.Failure)
}

func TestRecordZeroOutcomesIsValid(t *testing.T) {
	p := NewProgress()
	r := p.StartPhase("fetch")
	r.Complete(0)

	view := p.History()[0]
	assert.True(t, view.Completed)
	assert.Equal(t, 0, view.ExpectedOps)
	assert.Empty(t, view.Outcomes)
}

func TestRecordFrozenAfterComplete(t *testing.T) {
	p := NewProgress()
	r := p.StartPhase("fetch")
	r.Complete(1)

	assert.Panics(t, func() { r.ShardOutcome(shardRef(0), nil, 0) })
	assert.Panics(t, func() { r.Complete(1) })
}
