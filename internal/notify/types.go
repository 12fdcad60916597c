// Package notify delivers approval requests and alerts to a human over
// Telegram, and turns their button presses back into scheduler calls.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Priority levels prefix the message text.
const (
	PriorityInfo     = 0
	PriorityWarn     = 5
	PriorityCritical = 9
)

// Action is an inline button. Data is returned verbatim on press.
type Action struct {
	Label string
	Data  string
}

type Message struct {
	Text     string
	Priority int
	Actions  []Action
}

// Transport sends one message.
type Transport interface {
	Send(ctx context.Context, m Message) error
}

type TransportFunc func(ctx context.Context, m Message) error

func (f TransportFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical messages sent within the window.
	DedupWindow time.Duration
	Now         func() time.Time
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// HistoryItem is one delivered message.
type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}
