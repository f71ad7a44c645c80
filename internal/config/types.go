package config

// Config is the on-disk configuration. Every section is optional; omitted
// values fall back to the defaults applied by Resolve.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Agent      AgentConfig      `json:"agent"`
	History    HistoryConfig    `json:"history"`
	LiveOutput LiveOutputConfig `json:"live_output"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Debug      DebugConfig      `json:"debug,omitempty"`
}

// PathsConfig locates clockwork's own files. "~" expands to the home directory.
//
// Defaults:
//   - home: ~/.clockwork
//   - jobs: <home>/jobs.json
//   - history: <home>/history
//   - scratch: the system temp dir
//   - artifacts: the backend's default (~/Library/LaunchAgents or ~/.config/systemd/user)
type PathsConfig struct {
	Home      string `json:"home,omitempty"`
	Jobs      string `json:"jobs,omitempty"`
	History   string `json:"history,omitempty"`
	Scratch   string `json:"scratch,omitempty"`
	Artifacts string `json:"artifacts,omitempty"`
}

// SchedulerConfig selects and tunes the OS scheduler backend.
//
// Defaults:
//   - backend: "launchd" on darwin, "systemd" elsewhere
//   - prefix: "com.clockwork"
//   - call_timeout: "5s"
//   - poll_interval: "5s"
//   - refresh_concurrency: 4
//   - rate_per_sec: 0 (unlimited)
type SchedulerConfig struct {
	Backend            string  `json:"backend,omitempty" validate:"omitempty,oneof=launchd systemd"`
	Prefix             string  `json:"prefix,omitempty" validate:"omitempty,excludesall=/"`
	CallTimeout        string  `json:"call_timeout,omitempty"`
	PollInterval       string  `json:"poll_interval,omitempty"`
	RefreshConcurrency int     `json:"refresh_concurrency,omitempty" validate:"gte=0,lte=64"`
	RatePerSec         float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`

	// Timezone used for next-run predictions. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type AgentConfig struct {
	// Binary defaults to ~/.local/bin/claude.
	Binary    string   `json:"binary,omitempty"`
	ExtraPath []string `json:"extra_path,omitempty"`
}

type HistoryConfig struct {
	Debounce string `json:"debounce,omitempty"` // default "500ms"
}

type LiveOutputConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default "2s"
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the audit log.
//
// Example:
//
//	"storage": { "driver": "file", "path": "~/.clockwork/audit" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server (/metrics, /healthz, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty" validate:"gte=0"`
}
