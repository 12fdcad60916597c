// Package restart performs the process restart requested by a self-modify
// reload, and reports readiness to systemd.
package restart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	logx "missionctl/pkg/logx"
)

var ErrUnsupported = errors.New("restart: unsupported on this platform")

// Restarter restarts the running process.
type Restarter interface {
	Restart(ctx context.Context, reason string) error
}

// Mode values for Config.Mode.
const (
	ModeSystemd = "systemd" // RestartUnit over D-Bus
	ModeCommand = "command" // run Command, e.g. systemctl restart <unit>
	ModeSignal  = "signal"  // SIGTERM ourselves; the supervisor restarts us
	ModeNone    = "none"
)

type Config struct {
	Mode    string
	Unit    string
	Command []string
}

// New builds the Restarter for cfg.Mode.
func New(cfg Config, log logx.Logger) (Restarter, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "restart"))
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case ModeSystemd:
		if cfg.Unit == "" {
			return nil, errors.New("restart: systemd mode needs a unit")
		}
		return NewSystemd(cfg.Unit, log), nil
	case ModeCommand:
		cmd := cfg.Command
		if len(cmd) == 0 && cfg.Unit != "" {
			cmd = []string{"systemctl", "restart", unitName(cfg.Unit)}
		}
		if len(cmd) == 0 {
			return nil, errors.New("restart: command mode needs a command or unit")
		}
		return &Command{Argv: cmd, log: log}, nil
	case ModeSignal, "":
		return &Signal{log: log}, nil
	case ModeNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("restart: unknown mode %q", cfg.Mode)
	}
}

func unitName(u string) string {
	if strings.Contains(u, ".") {
		return u
	}
	return u + ".service"
}

// Command runs an external command to restart the process.
type Command struct {
	Argv []string
	log  logx.Logger
}

func (c *Command) Restart(ctx context.Context, reason string) error {
	c.log.Warn("restarting via command", logx.Strings("argv", c.Argv), logx.String("reason", reason))
	out, err := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("restart command %s: %w: %s", c.Argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Signal sends SIGTERM to the current process so the service manager brings
// it back with the new code.
type Signal struct {
	log  logx.Logger
	send func(os.Signal) error
}

func (s *Signal) Restart(_ context.Context, reason string) error {
	s.log.Warn("restarting via signal", logx.String("reason", reason))
	send := s.send
	if send == nil {
		send = func(sig os.Signal) error {
			p, err := os.FindProcess(os.Getpid())
			if err != nil {
				return err
			}
			return p.Signal(sig)
		}
	}
	return send(syscall.SIGTERM)
}

// Nop never restarts; an operator restarts the process.
type Nop struct{}

func (Nop) Restart(context.Context, string) error { return nil }
