package app

import (
	"github.com/cockroachdb/errors"

	"clockwork/internal/config"
	"clockwork/internal/osched"
	"clockwork/internal/osched/launchd"
	"clockwork/internal/osched/systemd"
	logx "clockwork/pkg/logx"
)

// newBackend picks the OS scheduler backend named in the config.
func newBackend(res *config.Resolved, home string, log logx.Logger) (osched.Scheduler, error) {
	dir := res.ArtifactsDir
	switch res.Backend {
	case "launchd":
		if dir == "" {
			dir = launchd.DefaultDir(home)
		}
		return launchd.New(dir, launchd.WithLogger(log)), nil
	case "systemd":
		if dir == "" {
			dir = systemd.DefaultDir(home)
		}
		return systemd.New(dir, systemd.WithLogger(log)), nil
	default:
		return nil, errors.WithHint(errors.Newf("unknown scheduler backend %q", res.Backend),
			"set scheduler.backend to launchd or systemd")
	}
}
