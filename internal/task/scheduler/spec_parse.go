package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind is the normalized kind of a trigger schedule.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed trigger schedule.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */2 * * * *" (seconds optional), "@hourly", "@every 30s"
//   - interval: "30s", "1h30m", or "HH:MM" ("00:05" is five minutes)
//
// "cron:" forces cron parsing, "every:" or "interval:" force an interval.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

var hhmm = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// ParseSchedule classifies and validates a trigger schedule string.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("empty cron expression in %q", raw)
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	case strings.HasPrefix(lower, "every:"), strings.HasPrefix(lower, "interval:"):
		_, v, _ := strings.Cut(s, ":")
		d, err := parseEvery(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	d, err := parseEvery(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want a cron expression, HH:MM or a duration like 30s", raw)
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := hhmm.FindStringSubmatch(v); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		d = time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", v)
	}
	return d, nil
}
