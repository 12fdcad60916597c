package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionctl/internal/storage"
	logx "missionctl/pkg/logx"
)

func TestPublishDeliversToTopicHandlers(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	var got []Event
	unsub := b.Subscribe("a", func(e Event) { got = append(got, e) })
	b.Subscribe("b", func(Event) { t.Error("wrong topic delivered") })

	b.Publish("a", 1, "Dev")
	require.Len(t, got, 1)
	assert.Equal(t, "Dev", got[0].From)
	assert.Equal(t, 1, got[0].Payload)

	unsub()
	unsub()
	b.Publish("a", 2, "")
	assert.Len(t, got, 1)
	assert.Equal(t, []string{"b"}, b.Topics())
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	calls := 0
	b.Subscribe("x", func(Event) { panic("bad handler") })
	b.Subscribe("x", func(Event) { calls++ })
	require.NotPanics(t, func() { b.Publish("x", nil, "") })
	assert.Equal(t, 1, calls)
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop(), WithRingSize(3))
	for i := 0; i < 5; i++ {
		b.Publish("t", i, "")
	}
	b.Publish("other", "x", "")

	var replayed []any
	b.Subscribe("t", func(e Event) { replayed = append(replayed, e.Payload) })
	assert.Equal(t, []any{3, 4}, replayed, "ring keeps only the newest events")

	recent := b.Recent("t", 10)
	require.Len(t, recent, 2)
	assert.Equal(t, 4, recent[0].Payload, "recent is newest first")
}

func TestLiveEventsWaitForReplay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		publish func(b *Bus)
	}{
		{
			name: "from another goroutine",
			publish: func(b *Bus) {
				done := make(chan struct{})
				go func() {
					defer close(done)
					b.Publish("t", "live", "")
				}()
				<-done
			},
		},
		{
			name:    "from inside the handler",
			publish: func(b *Bus) { b.Publish("t", "live", "") },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := New(logx.Nop())
			b.Publish("t", "old1", "")
			b.Publish("t", "old2", "")

			var mu sync.Mutex
			var got []any
			unsub := b.Subscribe("t", func(e Event) {
				mu.Lock()
				got = append(got, e.Payload)
				first := len(got) == 1
				mu.Unlock()
				if first {
					tt.publish(b)
				}
			})
			mu.Lock()
			assert.Equal(t, []any{"old1", "old2", "live"}, got)
			mu.Unlock()

			b.Publish("t", "after", "")
			unsub()
			b.Publish("t", "gone", "")
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []any{"old1", "old2", "live", "after"}, got)
		})
	}
}

func TestSubscribeChanNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New(logx.Nop())
	ch, unsub := b.SubscribeChan(1)
	b.Publish("a", 1, "")
	b.Publish("a", 2, "")
	ev := <-ch
	assert.Equal(t, 1, ev.Payload)
	unsub()
	_, open := <-ch
	assert.False(t, open)
	b.Publish("a", 3, "")
}

func TestPublishIsMirroredToAudit(t *testing.T) {
	t.Parallel()
	audit := storage.NewMemory(nil)
	b := New(logx.Nop(), WithAudit(audit))
	b.Publish(TopicAlert, map[string]any{"name": "x"}, "")

	entries, err := audit.Entries(context.Background(), "system", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "event_bus.publish", entries[0].Action)
	assert.Equal(t, "system", entries[0].PerformedBy)
	assert.Equal(t, TopicAlert, entries[0].Details["topic"])
	assert.Equal(t, fmt.Sprintf("%T", map[string]any{}), entries[0].Details["payloadType"])
}
