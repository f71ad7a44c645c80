package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultHomeDir         = ".clockwork"
	DefaultPrefix          = "com.clockwork"
	DefaultCallTimeout     = 5 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultConcurrency     = 4
	DefaultHistoryDebounce = 500 * time.Millisecond
	DefaultLivePoll        = 2 * time.Second
)

var validate = validator.New()

// Resolved is a Config with defaults applied, "~" expanded and durations parsed.
type Resolved struct {
	Home         string
	JobsPath     string
	HistoryRoot  string
	ScratchDir   string
	ArtifactsDir string // empty means the backend default

	Backend            string
	Prefix             string
	CallTimeout        time.Duration
	PollInterval       time.Duration
	RefreshConcurrency int
	RatePerSec         float64
	Location           *time.Location

	AgentBinary string
	ExtraPath   []string

	HistoryDebounce  time.Duration
	LivePollInterval time.Duration

	Logging LoggingConfig

	StorageDriver      string
	StoragePath        string
	StorageBusyTimeout time.Duration

	Debug         DebugConfig
	DebugTimeouts struct{ Read, Write, Idle time.Duration }
}

// DefaultBackend is launchd on macOS and systemd everywhere else.
func DefaultBackend(goos string) string {
	if goos == "darwin" {
		return "launchd"
	}
	return "systemd"
}

// Resolve applies defaults relative to the user's home directory.
func Resolve(cfg *Config, userHome, goos string) (*Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "config"), "see the documented allowed values for each key")
	}

	expand := func(p string) string { return expandHome(strings.TrimSpace(p), userHome) }

	r := &Resolved{}
	r.Home = expand(cfg.Paths.Home)
	if r.Home == "" {
		r.Home = filepath.Join(userHome, DefaultHomeDir)
	}
	r.JobsPath = orDefault(expand(cfg.Paths.Jobs), filepath.Join(r.Home, "jobs.json"))
	r.HistoryRoot = orDefault(expand(cfg.Paths.History), filepath.Join(r.Home, "history"))
	r.ScratchDir = orDefault(expand(cfg.Paths.Scratch), os.TempDir())
	r.ArtifactsDir = expand(cfg.Paths.Artifacts)

	sc := cfg.Scheduler
	r.Backend = orDefault(strings.TrimSpace(sc.Backend), DefaultBackend(goos))
	r.Prefix = orDefault(strings.TrimSpace(sc.Prefix), DefaultPrefix)
	r.RefreshConcurrency = sc.RefreshConcurrency
	if r.RefreshConcurrency <= 0 {
		r.RefreshConcurrency = DefaultConcurrency
	}
	r.RatePerSec = sc.RatePerSec

	var d durations
	r.CallTimeout = d.or("scheduler.call_timeout", sc.CallTimeout, DefaultCallTimeout)
	r.PollInterval = d.or("scheduler.poll_interval", sc.PollInterval, DefaultPollInterval)
	r.Location = time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.WithHint(errors.Wrapf(err, "scheduler.timezone %q", tz), "use an IANA name such as Europe/Berlin")
		}
		r.Location = loc
	}

	r.AgentBinary = expand(cfg.Agent.Binary)
	for _, p := range cfg.Agent.ExtraPath {
		if p = expand(p); p != "" {
			r.ExtraPath = append(r.ExtraPath, p)
		}
	}

	r.HistoryDebounce = d.or("history.debounce", cfg.History.Debounce, DefaultHistoryDebounce)
	r.LivePollInterval = d.or("live_output.poll_interval", cfg.LiveOutput.PollInterval, DefaultLivePoll)

	r.Logging = cfg.Logging
	r.Logging.File.Path = expand(r.Logging.File.Path)
	if r.Logging.File.Enabled && r.Logging.File.Path == "" {
		r.Logging.File.Path = filepath.Join(r.Home, "clockwork.log")
	}
	if strings.TrimSpace(r.Logging.Level) == "" {
		r.Logging.Level = "info"
	}

	if s := cfg.Storage; s != nil {
		r.StorageDriver = strings.ToLower(strings.TrimSpace(s.Driver))
		r.StoragePath = expand(s.Path)
		if r.StoragePath == "" && r.StorageDriver != "" && r.StorageDriver != "none" {
			r.StoragePath = filepath.Join(r.Home, "audit")
		}
		r.StorageBusyTimeout = d.or("storage.busy_timeout", s.BusyTimeout, 0)
	}

	r.Debug = cfg.Debug
	r.DebugTimeouts.Read = d.or("debug.read_timeout", cfg.Debug.ReadTimeout, 10*time.Second)
	r.DebugTimeouts.Write = d.or("debug.write_timeout", cfg.Debug.WriteTimeout, 60*time.Second)
	r.DebugTimeouts.Idle = d.or("debug.idle_timeout", cfg.Debug.IdleTimeout, 60*time.Second)
	if d.err != nil {
		return nil, d.err
	}
	return r, nil
}

// Validator adapts Resolve into a ConfigManager validation hook.
func Validator(userHome, goos string) func(context.Context, *Config) error {
	return func(_ context.Context, cfg *Config) error {
		_, err := Resolve(cfg, userHome, goos)
		return err
	}
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return p
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
