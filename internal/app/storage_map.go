package app

import (
	"time"

	"github.com/cockroachdb/errors"

	"clockwork/internal/config"
	"clockwork/internal/observability/debugserver"
	"clockwork/internal/schedsync"
	"clockwork/internal/storage"
	logx "clockwork/pkg/logx"
)

func mapStorageConfig(res *config.Resolved) (storage.Config, bool, error) {
	if res == nil {
		return storage.Config{}, false, nil
	}
	switch res.StorageDriver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: res.StoragePath}, true, nil
	case "sqlite", "sqlite3":
		if res.StoragePath == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy := res.StorageBusyTimeout
		if busy <= 0 {
			busy = time.Second
		}
		return storage.Config{Driver: res.StorageDriver, Path: res.StoragePath, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, errors.Newf("unknown storage.driver: %s", res.StorageDriver)
	}
}

func mapDebugConfig(res *config.Resolved) debugserver.Config {
	d := res.Debug
	return debugserver.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		Pprof:                d.Pprof,
		PprofPrefix:          d.PprofPrefix,
		ReadTimeout:          res.DebugTimeouts.Read,
		WriteTimeout:         res.DebugTimeouts.Write,
		IdleTimeout:          res.DebugTimeouts.Idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}

func mapLogConfig(res *config.Resolved) logx.Config {
	return logx.Config{
		Level:   res.Logging.Level,
		Console: res.Logging.Console,
		File: logx.FileConfig{
			Enabled: res.Logging.File.Enabled,
			Path:    res.Logging.File.Path,
		},
	}
}

func mapSyncConfig(res *config.Resolved) schedsync.Config {
	return schedsync.Config{
		CallTimeout: res.CallTimeout,
		Concurrency: res.RefreshConcurrency,
		RatePerSec:  res.RatePerSec,
	}
}
