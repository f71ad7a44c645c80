package config

import (
	"reflect"
	"sort"
	"strings"

	logx "clockwork/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. The debug token is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Paths, newCfg.Paths) {
		changed = append(changed, "paths")
		attrs = append(attrs,
			logx.String("paths.home", strings.TrimSpace(newCfg.Paths.Home)),
			logx.String("paths.jobs", strings.TrimSpace(newCfg.Paths.Jobs)),
			logx.String("paths.history", strings.TrimSpace(newCfg.Paths.History)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.backend", strings.TrimSpace(newCfg.Scheduler.Backend)),
			logx.String("scheduler.prefix", strings.TrimSpace(newCfg.Scheduler.Prefix)),
			logx.String("scheduler.call_timeout", strings.TrimSpace(newCfg.Scheduler.CallTimeout)),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.Int("scheduler.refresh_concurrency", newCfg.Scheduler.RefreshConcurrency),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Agent, newCfg.Agent) {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.String("agent.binary", strings.TrimSpace(newCfg.Agent.Binary)),
			logx.Int("agent.extra_path_count", len(newCfg.Agent.ExtraPath)),
		)
	}

	if strings.TrimSpace(oldCfg.History.Debounce) != strings.TrimSpace(newCfg.History.Debounce) {
		changed = append(changed, "history")
		attrs = append(attrs, logx.String("history.debounce", strings.TrimSpace(newCfg.History.Debounce)))
	}

	if strings.TrimSpace(oldCfg.LiveOutput.PollInterval) != strings.TrimSpace(newCfg.LiveOutput.PollInterval) {
		changed = append(changed, "live_output")
		attrs = append(attrs, logx.String("live_output.poll_interval", strings.TrimSpace(newCfg.LiveOutput.PollInterval)))
	}

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Debug server (never log token)
	o, n := oldCfg.Debug, newCfg.Debug
	oTok, nTok := strings.TrimSpace(o.Token) != "", strings.TrimSpace(n.Token) != ""
	o.Token, n.Token = "", ""
	if oTok != nTok || !reflect.DeepEqual(o, n) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", n.Enabled),
			logx.String("debug.addr", strings.TrimSpace(n.Addr)),
			logx.Bool("debug.pprof", n.Pprof),
			logx.Bool("debug.token_set", nTok),
			logx.Bool("debug.allow_insecure", n.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
