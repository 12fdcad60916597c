package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "4h"); an empty string selects the component default.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	SMT        SMTConfig        `json:"smt"`
	Resources  ResourcesConfig  `json:"resources"`
	Fitness    FitnessConfig    `json:"fitness"`
	SelfModify SelfModifyConfig `json:"self_modify"`
	Restart    RestartConfig    `json:"restart"`
	HTTP       HTTPConfig       `json:"http"`
	Telegram   TelegramConfig   `json:"telegram"`
	Pprof      PprofConfig      `json:"pprof"`

	// Breakers overrides per-dependency circuit breaker settings, keyed by
	// dependency name (twilio, proton, browser, database).
	Breakers map[string]BreakerConfig `json:"breakers,omitempty"`

	// Personas binds a persona (Dev, LegalOps, ChiefOfStaff, RnD) to the
	// command that executes its tasks.
	Personas map[string]PersonaConfig `json:"personas,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards WARN+ lines to the Telegram notifier.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the task and audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/missionctl.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the tick loop and its cron triggers.
//
// Schedules accept cron expressions ("*/30 * * * * *"), descriptors
// ("@every 30s") or plain durations ("30s").
type SchedulerConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	Tick             string `json:"tick,omitempty"`
	StuckCheck       string `json:"stuck_check,omitempty"`
	ApprovalCheck    string `json:"approval_check,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	ExecutorTimeout  string `json:"executor_timeout,omitempty"`
	StuckThreshold   string `json:"stuck_threshold,omitempty"`
	ApprovalTimeout  string `json:"approval_timeout,omitempty"`
	BackoffBase      string `json:"backoff_base,omitempty"`
	BackoffMax       string `json:"backoff_max,omitempty"`
	AutoApproveLevel int    `json:"auto_approve_urgency,omitempty"`
}

// IsEnabled reports whether the daemon runs scheduler triggers. Omitted means true.
func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type SMTConfig struct {
	Window            string  `json:"window,omitempty"`
	MaxPrompts        int     `json:"max_prompts,omitempty"`
	TargetUtilization float64 `json:"target_utilization,omitempty"`
	ReservePercent    float64 `json:"reserve_percent,omitempty"`
}

type ResourcesConfig struct {
	MaxMemoryMB        int     `json:"max_memory_mb,omitempty"`
	MemoryWarnPct      float64 `json:"memory_warn_pct,omitempty"`
	MemoryCriticalPct  float64 `json:"memory_critical_pct,omitempty"`
	DiskWarnFreeMB     int     `json:"disk_warn_free_mb,omitempty"`
	DiskCriticalFreeMB int     `json:"disk_critical_free_mb,omitempty"`
	DataDir            string  `json:"data_dir,omitempty"`
	LogEvery           string  `json:"log_every,omitempty"`
}

type FitnessConfig struct {
	// Path persists fitness records; empty keeps them in memory.
	Path          string  `json:"path,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

type SelfModifyConfig struct {
	RepoDir       string   `json:"repo_dir,omitempty"`
	SentinelPath  string   `json:"sentinel_path,omitempty"`
	Allow         []string `json:"allow,omitempty"`
	Deny          []string `json:"deny,omitempty"`
	Poweruser     bool     `json:"poweruser,omitempty"`
	DiffThreshold float64  `json:"diff_threshold,omitempty"`

	Reload   ReloadConfig   `json:"reload"`
	Rollback RollbackConfig `json:"rollback"`
}

type ReloadConfig struct {
	Delay             string  `json:"delay,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	MaxDelay          string  `json:"max_delay,omitempty"`
	ConsecutiveWindow string  `json:"consecutive_window,omitempty"`
	RestartsPerMinute int     `json:"restarts_per_minute,omitempty"`
}

type RollbackConfig struct {
	Strategy     string `json:"strategy,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	MaxFailures  int    `json:"max_failures,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	HealthURL    string `json:"health_url,omitempty"`
}

// RestartConfig selects how an authorized reload restarts the process.
// Mode is one of systemd, command, signal or none.
type RestartConfig struct {
	Mode    string   `json:"mode,omitempty"`
	Unit    string   `json:"unit,omitempty"`
	Command []string `json:"command,omitempty"`
}

// HTTPConfig controls the local control API. The rollback health probe of
// the next process calls {addr}/rpc.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:18789"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// ThreadID targets a forum topic; 0 posts to the main chat.
	ThreadID    int    `json:"thread_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// PprofConfig serves net/http/pprof on its own listener. Changes apply live.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
}

// PersonaConfig runs Command once per task with the task JSON on stdin.
//
// Example:
//
//	"personas": { "Dev": { "command": ["./bin/dev-agent"], "breaker": "browser" } }
type PersonaConfig struct {
	Command    []string `json:"command"`
	Dir        string   `json:"dir,omitempty"`
	Categories []string `json:"categories,omitempty"`
	// Breaker names the circuit breaker that guards the command.
	Breaker string `json:"breaker,omitempty"`
}
