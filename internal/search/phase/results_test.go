package phase

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchkit/coordinator/internal/search"
	"github.com/searchkit/coordinator/internal/search/fanout"
)

func TestQueryResultsCollectsOutcomesByShard(t *testing.T) {
	q := NewQueryResults(3)
	assert.False(t, q.AllResponded())

	assert.True(t, q.SetResult(&search.QueryResult{Shard: shardRef(1)}))
	assert.True(t, q.SetFailure(shardRef(0), errors.New("refused")))
	assert.False(t, q.SetFailure(shardRef(0), errors.New("duplicate")), "one outcome per shard")
	assert.True(t, q.SetResult(&search.QueryResult{Shard: shardRef(2)}))
	assert.True(t, q.AllResponded())

	succ, err := q.Successes()
	require.NoError(t, err)
	require.Len(t, succ, 2)
	assert.Equal(t, 1, succ[0].Shard.Shard)
	assert.Equal(t, 2, succ[1].Shard.Shard)

	fails, err := q.Failures()
	require.NoError(t, err)
	require.Len(t, fails, 1)
	assert.Equal(t, 0, fails[0].Shard.Shard)
	assert.EqualError(t, fails[0].Err, "refused")
}

func TestQueryResultsDiscardBlocksReads(t *testing.T) {
	q := NewQueryResults(2)
	require.True(t, q.SetResult(&search.QueryResult{Shard: shardRef(0)}))
	q.Discard(errors.New("request cancelled"))

	assert.True(t, q.AllResponded())
	_, err := q.Successes()
	assert.ErrorIs(t, err, fanout.ErrDiscarded)
	_, err = q.Failures()
	assert.ErrorIs(t, err, fanout.ErrDiscarded)
}
