// Package eventbus is the in-process topic pub/sub used for signaling between
// personas, the scheduler and the notifier.
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"missionctl/internal/storage"
	logx "missionctl/pkg/logx"
)

// Topics published by the orchestration core.
const (
	TopicSchedulerTick    = "scheduler.tick"
	TopicApprovalRequired = "mission.approval_required"
	TopicAlert            = "mission.alert"
	TopicTaskDone         = "task.done"
	TopicTaskBlocked      = "task.blocked"
	TopicReloadScheduled  = "selfmodify.reload_scheduled"
	TopicRollback         = "selfmodify.rollback"
)

const DefaultRingSize = 100

// Event is a small, ideally JSON-serializable signal.
type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	From    string    `json:"fromPersona,omitempty"`
	Time    time.Time `json:"ts"`
}

// Handler is invoked synchronously from Publish. A panicking handler is
// logged and does not stop delivery to the others.
type Handler func(Event)

type Option func(*Bus)

// WithAudit mirrors every publish into the audit log.
func WithAudit(a storage.AuditStore) Option { return func(b *Bus) { b.audit = a } }

func WithRingSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ringSize = n
		}
	}
}

func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

type subscriber struct {
	id uint64
	h  Handler

	// While replaying, live events queue in pending so the handler sees
	// buffered history first.
	mu        sync.Mutex
	replaying bool
	pending   []Event
}

// queue holds ev back while the subscriber is still replaying.
func (s *subscriber) queue(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaying {
		s.pending = append(s.pending, ev)
	}
	return s.replaying
}

// nextPending takes the queued events, ending replay once none are left.
func (s *subscriber) nextPending() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	if len(batch) == 0 {
		s.replaying = false
	}
	return batch
}

// Bus is a topic pub/sub with a bounded replay ring.
// It owns no background goroutines.
type Bus struct {
	log      logx.Logger
	audit    storage.AuditStore
	now      func() time.Time
	ringSize int

	mu   sync.RWMutex
	subs map[string][]*subscriber
	ring []Event
	seq  atomic.Uint64

	// channel subscribers receive every topic, non-blocking.
	chMu  sync.RWMutex
	chans map[uint64]chan Event
}

func New(log logx.Logger, opts ...Option) *Bus {
	b := &Bus{
		log:      log,
		now:      time.Now,
		ringSize: DefaultRingSize,
		subs:     map[string][]*subscriber{},
		chans:    map[uint64]chan Event{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish records the event in the ring and delivers it to the topic's handlers.
func (b *Bus) Publish(topic string, payload any, from string) {
	ev := Event{Topic: topic, Payload: payload, From: from, Time: b.now()}

	b.mu.Lock()
	b.ring = append(b.ring, ev)
	if over := len(b.ring) - b.ringSize; over > 0 {
		// Copy down so the backing array doesn't grow without bound.
		b.ring = append(b.ring[:0], b.ring[over:]...)
	}
	hs := append([]*subscriber(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, s := range hs {
		if s.queue(ev) {
			continue
		}
		b.deliver(s.h, ev)
	}
	b.fanout(ev)
	b.mirror(ev)
}

// Subscribe registers h and replays buffered events of topic to it. Events
// published meanwhile are delivered after the replay, so h sees every event
// once and in publish order.
// The returned func unsubscribes; calling it more than once is harmless.
func (b *Bus) Subscribe(topic string, h Handler) (unsubscribe func()) {
	id := b.seq.Add(1)
	sub := &subscriber{id: id, h: h, replaying: true}

	b.mu.Lock()
	var replay []Event
	for _, ev := range b.ring {
		if ev.Topic == topic {
			replay = append(replay, ev)
		}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	batch := replay
	for {
		for _, ev := range batch {
			b.deliver(h, ev)
		}
		if batch = sub.nextPending(); len(batch) == 0 {
			break
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					list = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = list
			}
		})
	}
}

// SubscribeChan returns a buffered channel receiving events of every topic.
// Delivery never blocks Publish; a slow reader drops events.
func (b *Bus) SubscribeChan(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.chMu.Lock()
	b.chans[id] = ch
	b.chMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.chMu.Lock()
			delete(b.chans, id)
			close(ch)
			b.chMu.Unlock()
		})
	}
}

// Recent returns up to limit buffered events of topic, newest first.
func (b *Bus) Recent(topic string, limit int) []Event {
	if limit <= 0 {
		limit = 10
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, limit)
	for i := len(b.ring) - 1; i >= 0 && len(out) < limit; i-- {
		if b.ring[i].Topic == topic {
			out = append(out, b.ring[i])
		}
	}
	return out
}

// Topics lists topics with at least one handler, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.subs))
	for t := range b.subs {
		out = append(out, t)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic",
				logx.String("topic", ev.Topic),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	h(ev)
}

func (b *Bus) fanout(ev Event) {
	b.chMu.RLock()
	defer b.chMu.RUnlock()
	for _, ch := range b.chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) mirror(ev Event) {
	if b.audit == nil {
		return
	}
	by := ev.From
	if by == "" {
		by = "system"
	}
	err := b.audit.Append(context.Background(), storage.AuditEntry{
		At:     ev.Time,
		TaskID: "system",
		Action: "event_bus.publish",
		Details: map[string]any{
			"topic":       ev.Topic,
			"fromPersona": ev.From,
			"payloadType": fmt.Sprintf("%T", ev.Payload),
		},
		PerformedBy: by,
	})
	if err != nil {
		b.log.Warn("event audit append failed", logx.String("topic", ev.Topic), logx.Err(err))
	}
}
