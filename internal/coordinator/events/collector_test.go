package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/searchkit/coordinator/pkg/config"
	"github.com/searchkit/coordinator/pkg/kafka"
)

// newIdleCollector builds a collector whose producer never dials: as long as
// no buffered event survives to the publish loop, the broker is never
// contacted.
func newIdleCollector(t *testing.T) *Collector {
	t.Helper()
	producer := kafka.NewProducer(config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}}, "search-events-test")
	t.Cleanup(func() { producer.Close() })
	return NewCollector(producer, 4)
}

func TestTrackAfterCloseDropsEvent(t *testing.T) {
	c := newIdleCollector(t)
	c.Start(context.Background())
	c.Close()

	require.NotPanics(t, func() {
		c.Track(SearchEvent{Type: EventSearchOK, Query: "late"})
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newIdleCollector(t)
	c.Start(context.Background())

	require.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
}

func TestTrackDropsWhenBufferFull(t *testing.T) {
	c := NewCollector(nil, 2)
	for i := 0; i < 5; i++ {
		c.Track(SearchEvent{Type: EventSearchOK, Query: "q"})
	}
	require.Len(t, c.eventCh, 2)
}
