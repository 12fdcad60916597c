//go:build !linux

package restart

import (
	"context"

	logx "missionctl/pkg/logx"
)

type Systemd struct{ unit string }

func NewSystemd(unit string, _ logx.Logger) *Systemd { return &Systemd{unit: unitName(unit)} }

func (s *Systemd) Restart(context.Context, string) error { return ErrUnsupported }

func (s *Systemd) ActiveState(context.Context) (string, error) { return "", ErrUnsupported }

func (s *Systemd) Close() error { return nil }
