package config

import (
	"reflect"

	logx "missionctl/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are reported only
// as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.alerts", newCfg.Logging.Alerts.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.tick", newCfg.Scheduler.Tick),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.SMT, newCfg.SMT) {
		changed = append(changed, "smt")
		fields = append(fields,
			logx.String("smt.window", newCfg.SMT.Window),
			logx.Int("smt.max_prompts", newCfg.SMT.MaxPrompts),
		)
	}
	if !reflect.DeepEqual(oldCfg.Resources, newCfg.Resources) {
		changed = append(changed, "resources")
	}
	if !reflect.DeepEqual(oldCfg.Fitness, newCfg.Fitness) {
		changed = append(changed, "fitness")
	}
	if !reflect.DeepEqual(oldCfg.SelfModify, newCfg.SelfModify) {
		changed = append(changed, "self_modify")
		fields = append(fields,
			logx.Bool("self_modify.poweruser", newCfg.SelfModify.Poweruser),
			logx.String("self_modify.rollback.strategy", newCfg.SelfModify.Rollback.Strategy),
		)
	}
	if !reflect.DeepEqual(oldCfg.Restart, newCfg.Restart) {
		changed = append(changed, "restart")
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		fields = append(fields, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		fields = append(fields,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Breakers, newCfg.Breakers) {
		changed = append(changed, "breakers")
	}
	if !reflect.DeepEqual(oldCfg.Personas, newCfg.Personas) {
		changed = append(changed, "personas")
		fields = append(fields, logx.Int("personas", len(newCfg.Personas)))
	}
	return changed, fields
}

// RequiresRestart reports whether a change touches sections that are only
// read at startup.
func RequiresRestart(sections []string) bool {
	for _, s := range sections {
		switch s {
		case "storage", "http", "telegram", "restart", "fitness", "self_modify", "breakers", "personas":
			return true
		}
	}
	return false
}
