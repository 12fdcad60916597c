package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "MISSIONCTL"

// NewEnv returns a viper instance reading MISSIONCTL_* variables. The CLI
// binds its persistent flags to the same instance.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

type envBinding struct {
	key   string
	apply func(c *Config, raw string) error
}

var envBindings = []envBinding{
	{"log_level", func(c *Config, raw string) error { c.Logging.Level = raw; return nil }},
	{"storage_driver", func(c *Config, raw string) error { c.Storage.Driver = raw; return nil }},
	{"storage_path", func(c *Config, raw string) error { c.Storage.Path = raw; return nil }},
	{"http_addr", func(c *Config, raw string) error { c.HTTP.Addr = raw; return nil }},
	{"telegram_token", func(c *Config, raw string) error { c.Telegram.Token = raw; return nil }},

	{"smt_window", func(c *Config, raw string) error { return envDuration(&c.SMT.Window, raw) }},
	{"smt_max_prompts", func(c *Config, raw string) error { return envInt(&c.SMT.MaxPrompts, raw) }},

	{"self_modify_poweruser", func(c *Config, raw string) error { return envBool(&c.SelfModify.Poweruser, raw) }},
	{"self_modify_diff_threshold", func(c *Config, raw string) error {
		return envFloat(&c.SelfModify.DiffThreshold, raw)
	}},
	{"self_modify_rollback_strategy", func(c *Config, raw string) error {
		c.SelfModify.Rollback.Strategy = raw
		return nil
	}},
	{"self_modify_rollback_timeout", func(c *Config, raw string) error {
		return envDuration(&c.SelfModify.Rollback.Timeout, raw)
	}},
	{"self_modify_rollback_max_failures", func(c *Config, raw string) error {
		return envInt(&c.SelfModify.Rollback.MaxFailures, raw)
	}},
	{"self_modify_rollback_dry_run", func(c *Config, raw string) error {
		return envBool(&c.SelfModify.Rollback.DryRun, raw)
	}},
	{"self_modify_reload_delay", func(c *Config, raw string) error {
		return envDuration(&c.SelfModify.Reload.Delay, raw)
	}},
	{"self_modify_reload_backoff_multiplier", func(c *Config, raw string) error {
		return envFloat(&c.SelfModify.Reload.BackoffMultiplier, raw)
	}},
	{"self_modify_reload_max_delay", func(c *Config, raw string) error {
		return envDuration(&c.SelfModify.Reload.MaxDelay, raw)
	}},
}

// ApplyEnv overlays set MISSIONCTL_* variables onto cfg and returns the keys
// it applied. A nil viper reads the process environment.
func ApplyEnv(cfg *Config, v *viper.Viper) ([]string, error) {
	if v == nil {
		v = NewEnv()
	}
	var (
		applied []string
		errs    []error
	)
	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		raw := strings.TrimSpace(v.GetString(b.key))
		if raw == "" {
			continue
		}
		if err := b.apply(cfg, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(b.key), err))
			continue
		}
		applied = append(applied, b.key)
	}
	return applied, errors.Join(errs...)
}

// envDuration accepts Go durations and bare integers in milliseconds.
func envDuration(dst *string, raw string) error {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return errors.New("must be >= 0")
		}
		*dst = (time.Duration(ms) * time.Millisecond).String()
		return nil
	}
	if _, err := time.ParseDuration(raw); err != nil {
		return err
	}
	*dst = raw
	return nil
}

func envInt(dst *int, raw string) error {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func envBool(dst *bool, raw string) error {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
