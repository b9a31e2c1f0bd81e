package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextSingleUse(t *testing.T) {
	ref := ShardRef{Index: "docs", Shard: 1, NodeID: "node-0"}

	t.Run("consume then reuse panics", func(t *testing.T) {
		c := NewContext("ctx-1", ref)
		assert.True(t, c.Live())
		c.Consume()
		assert.True(t, c.Consumed())
		assert.False(t, c.Live())
		assert.Panics(t, func() { c.Consume() })
		assert.Panics(t, func() { c.MarkReleased() })
	})

	t.Run("release then reuse panics", func(t *testing.T) {
		c := NewContext("ctx-2", ref)
		c.MarkReleased()
		assert.True(t, c.Released())
		assert.Panics(t, func() { c.MarkReleased() })
		assert.Panics(t, func() { c.Consume() })
	})
}

func TestEntryBeforeOrdering(t *testing.T) {
	a := ScoredEntry{Shard: 0, Doc: 5, Score: 2.0}
	b := ScoredEntry{Shard: 1, Doc: 1, Score: 1.0}
	assert.True(t, EntryBefore(a, b), "higher score ranks first")

	tieShard := ScoredEntry{Shard: 1, Doc: 1, Score: 2.0}
	assert.True(t, EntryBefore(a, tieShard), "equal score breaks by shard ordinal")

	tieDoc := ScoredEntry{Shard: 0, Doc: 9, Score: 2.0}
	assert.True(t, EntryBefore(a, tieDoc), "equal score and shard breaks by doc id")
	assert.False(t, EntryBefore(a, a))
}
