package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"missionctl/internal/runtime/supervisor"
	logx "missionctl/pkg/logx"
)

// Service queues messages and delivers them from a single worker, rate
// limited and retried with backoff. Identical messages inside the dedup
// window are dropped.
type Service struct {
	cfg       Config
	transport Transport
	log       logx.Logger
	limiter   *rate.Limiter

	mu        sync.Mutex
	queue     chan Message
	accepting bool
	enqueues  sync.WaitGroup
	done      chan struct{}

	dmu   sync.Mutex
	dedup map[uint64]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, transport Transport, log logx.Logger) *Service {
	cfg = cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		transport: transport,
		log:       log.With(logx.String("comp", "notify")),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:     map[uint64]time.Time{},
	}
}

// Start runs the delivery worker on sup. It is idempotent.
func (s *Service) Start(sup *supervisor.Supervisor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	q := make(chan Message, s.cfg.QueueSize)
	done := make(chan struct{})
	s.queue, s.done, s.accepting = q, done, true
	sup.Go0("notify.worker", func(ctx context.Context) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-q:
				if !ok {
					return
				}
				s.deliver(ctx, m)
			}
		}
	})
}

// Stop refuses new messages and waits for the queue to drain or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	q, done := s.queue, s.done
	s.mu.Unlock()

	s.enqueues.Wait()
	close(q)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Notify enqueues m without blocking.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueues.Add(1)
	s.mu.Unlock()
	defer s.enqueues.Done()

	if !s.allow(m) {
		s.log.Debug("notification deduplicated")
		return nil
	}
	select {
	case q <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendAlert forwards a formatted log line; it satisfies logx.Sender.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.Notify(ctx, Message{Text: text, Priority: PriorityWarn})
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) allow(m Message) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s", m.Priority, m.Text)
	key := h.Sum64()
	now := s.cfg.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}

func (s *Service) deliver(ctx context.Context, m Message) {
	m.Text = prefix(m.Priority) + m.Text
	var err error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(s.cfg, attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if werr := s.limiter.Wait(ctx); werr != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.transport.Send(callCtx, m)
		cancel()
		if err == nil {
			s.record(m.Text)
			return
		}
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt+1))
	}
	// Debug, not Warn: alert log lines route back into this service.
	s.log.Debug("notification dropped after retries", logx.Err(err))
}

func (s *Service) record(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.cfg.Now(), Text: text})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

// retryDelay is RetryBase doubled per attempt, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, cfg.RetryMaxDelay)
}

func prefix(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
