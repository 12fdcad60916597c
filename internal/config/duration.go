package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration at a dotted config path. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// durations collects parse errors so a resolver reports every bad field at once.
type durations struct {
	errs []error
}

func (d *durations) get(path, raw string) time.Duration {
	v, err := ParseDurationField(path, raw)
	if err != nil {
		d.errs = append(d.errs, err)
	}
	return v
}
