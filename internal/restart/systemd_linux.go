//go:build linux

package restart

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"

	logx "missionctl/pkg/logx"
)

// Systemd restarts a unit through the systemd D-Bus API.
type Systemd struct {
	unit string
	log  logx.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

func NewSystemd(unit string, log logx.Logger) *Systemd {
	return &Systemd{unit: unitName(unit), log: log}
}

func (s *Systemd) connect(ctx context.Context) (*dbus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && s.conn.Connected() {
		return s.conn, nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// Restart queues a restart job. When the unit is this process the call
// usually never observes the job result.
func (s *Systemd) Restart(ctx context.Context, reason string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.log.Warn("restarting unit", logx.String("unit", s.unit), logx.String("reason", reason))
	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, s.unit, "replace", done); err != nil {
		return fmt.Errorf("restart %s: %w", s.unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", s.unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveState returns the unit's ActiveState (active, failed, ...).
func (s *Systemd) ActiveState(ctx context.Context) (string, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	p, err := conn.GetUnitPropertyContext(ctx, s.unit, "ActiveState")
	if err != nil {
		return "", err
	}
	v, _ := p.Value.Value().(string)
	return v, nil
}

func (s *Systemd) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
