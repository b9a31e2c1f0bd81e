package merge

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchkit/coordinator/internal/search"
)

func entries(shard int, pairs ...float64) []search.ScoredEntry {
	// pairs alternate doc id, score
	out := make([]search.ScoredEntry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, search.ScoredEntry{Shard: shard, Doc: int64(pairs[i]), Score: pairs[i+1]})
	}
	return out
}

func TestTopKMergesAcrossShards(t *testing.T) {
	lists := [][]search.ScoredEntry{
		entries(0, 1, 9.0, 2, 5.0, 3, 1.0),
		entries(1, 7, 8.0, 8, 4.0),
		entries(2, 4, 7.5, 5, 6.0, 6, 0.5),
	}

	top := TopK(lists, 4)
	require.Len(t, top, 4)
	assert.Equal(t, search.ScoredEntry{Shard: 0, Doc: 1, Score: 9.0}, top[0])
	assert.Equal(t, search.ScoredEntry{Shard: 1, Doc: 7, Score: 8.0}, top[1])
	assert.Equal(t, search.ScoredEntry{Shard: 2, Doc: 4, Score: 7.5}, top[2])
	assert.Equal(t, search.ScoredEntry{Shard: 2, Doc: 5, Score: 6.0}, top[3])
}

func TestTopKTiesBreakByShardThenDoc(t *testing.T) {
	lists := [][]search.ScoredEntry{
		entries(1, 10, 3.0, 11, 3.0),
		entries(0, 20, 3.0),
	}

	top := TopK(lists, 3)
	require.Len(t, top, 3)
	assert.Equal(t, 0, top[0].Shard)
	assert.Equal(t, int64(20), top[0].Doc)
	assert.Equal(t, 1, top[1].Shard)
	assert.Equal(t, int64(10), top[1].Doc)
	assert.Equal(t, 1, top[2].Shard)
	assert.Equal(t, int64(11), top[2].Doc)
}

func TestTopKShorterThanK(t *testing.T) {
	lists := [][]search.ScoredEntry{
		entries(0, 1, 2.0),
		nil, // failed shard
		entries(2, 3, 1.0),
	}
	top := TopK(lists, 10)
	assert.Len(t, top, 2)
}

func TestTopKEmptyAndZeroK(t *testing.T) {
	assert.Empty(t, TopK(nil, 5))
	assert.Empty(t, TopK([][]search.ScoredEntry{nil, {}}, 5))
	assert.Empty(t, TopK([][]search.ScoredEntry{entries(0, 1, 1.0)}, 0))
}

func TestTopKDeterministicAcrossArrivalOrder(t *testing.T) {
	lists := [][]search.ScoredEntry{
		entries(0, 1, 5.0, 2, 4.0, 3, 3.0),
		entries(1, 4, 5.0, 5, 2.0),
		entries(2, 6, 4.5, 7, 4.0),
	}

	want := TopK(lists, 5)
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		shuffled := make([][]search.ScoredEntry, len(lists))
		copy(shuffled, lists)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, TopK(shuffled, 5))
	}
}

func TestByShardPreservesRankOrder(t *testing.T) {
	top := []search.ScoredEntry{
		{Shard: 1, Doc: 7, Score: 9.0},
		{Shard: 0, Doc: 2, Score: 8.0},
		{Shard: 1, Doc: 9, Score: 7.0},
	}
	docs := ByShard(top)
	require.Len(t, docs, 2)
	assert.Equal(t, []int64{7, 9}, docs[1])
	assert.Equal(t, []int64{2}, docs[0])
	_, ok := docs[2]
	assert.False(t, ok, "shards without entries must be absent")
}
