// Package breaker isolates failing external dependencies behind
// consecutive-failure circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrOpen    = errors.New("circuit breaker open")
	ErrTimeout = errors.New("circuit breaker call timed out")
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	Timeout          time.Duration
	// HalfOpenMaxCalls caps concurrent trial calls while HALF_OPEN.
	HalfOpenMaxCalls int

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         time.Minute,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Snapshot is a copy of a breaker's counters.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	Failures            int       `json:"failures"`
	SuccessesInHalfOpen int       `json:"successesInHalfOpen"`
	TrialsInFlight      int       `json:"trialsInFlight"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitempty"`
}

// Breaker moves CLOSED -> OPEN after FailureThreshold consecutive failures,
// OPEN -> HALF_OPEN once Cooldown has elapsed, and HALF_OPEN -> CLOSED after
// SuccessThreshold consecutive successes. Any HALF_OPEN failure reopens it.
// While HALF_OPEN at most HalfOpenMaxCalls trials run at once; the rest fail
// fast with ErrOpen.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	trials      int
	openedAt    time.Time
	lastFailure time.Time
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.normalize(), state: Closed}
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. fn receives a context bounded
// by the configured timeout; a timeout counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}
	err = b.call(ctx, fn)
	b.record(err, trial)
	return err
}

func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.cfg.Timeout <= 0 {
		return safeCall(ctx, fn)
	}
	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- safeCall(cctx, fn) }()
	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrTimeout, b.name, b.cfg.Timeout)
	}
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// allow admits a call. trial is true for calls admitted while HALF_OPEN.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.state = HalfOpen
		b.successes = 0
	}
	if b.trials >= b.cfg.HalfOpenMaxCalls {
		return false, fmt.Errorf("%w: %s (half-open trial in flight)", ErrOpen, b.name)
	}
	b.trials++
	return true, nil
}

func (b *Breaker) record(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial && b.trials > 0 {
		b.trials--
	}
	now := b.cfg.Now()
	if err == nil {
		switch b.state {
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = Closed
				b.failures = 0
				b.successes = 0
			}
		case Closed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFailure = now
	switch b.state {
	case HalfOpen:
		b.trip(now)
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.successes = 0
}

// State reports the current state without advancing OPEN to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		Failures:            b.failures,
		SuccessesInHalfOpen: b.successes,
		TrialsInFlight:      b.trials,
		OpenedAt:            b.openedAt,
		LastFailureAt:       b.lastFailure,
	}
}
