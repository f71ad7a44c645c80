// Package launchd drives per-user launchd agents through launchctl.
package launchd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"howett.net/plist"

	"clockwork/internal/job"
	"clockwork/internal/osched"
	logx "clockwork/pkg/logx"
)

const launchctlPath = "/bin/launchctl"

// Runner executes launchctl. It returns combined stdout and stderr.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the real launchctl binary.
type ExecRunner struct {
	Path string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	bin := r.Path
	if bin == "" {
		bin = launchctlPath
	}
	return exec.CommandContext(ctx, bin, args...).CombinedOutput()
}

// Backend installs plists into Dir (normally ~/Library/LaunchAgents).
type Backend struct {
	Dir string
	run Runner
	log logx.Logger
}

type Option func(*Backend)

func WithRunner(r Runner) Option { return func(b *Backend) { b.run = r } }

func WithLogger(l logx.Logger) Option { return func(b *Backend) { b.log = l } }

func New(dir string, opts ...Option) *Backend {
	b := &Backend{Dir: dir, run: ExecRunner{}, log: logx.Nop()}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// DefaultDir is ~/Library/LaunchAgents.
func DefaultDir(home string) string {
	return filepath.Join(home, "Library", "LaunchAgents")
}

func (b *Backend) Name() string { return "launchd" }

func (b *Backend) plistPath(label string) string {
	return filepath.Join(b.Dir, label+".plist")
}

func (b *Backend) ArtifactFiles(label string) []string {
	return []string{b.plistPath(label)}
}

type agent struct {
	Label                 string            `plist:"Label"`
	ProgramArguments      []string          `plist:"ProgramArguments"`
	WorkingDirectory      string            `plist:"WorkingDirectory,omitempty"`
	StandardOutPath       string            `plist:"StandardOutPath"`
	StandardErrorPath     string            `plist:"StandardErrorPath"`
	EnvironmentVariables  map[string]string `plist:"EnvironmentVariables,omitempty"`
	StartInterval         int               `plist:"StartInterval,omitempty"`
	StartCalendarInterval interface{}       `plist:"StartCalendarInterval,omitempty"`
	RunAtLoad             bool              `plist:"RunAtLoad,omitempty"`
}

// Render produces the agent plist. The script writes its own output, so launchd's
// stdout and stderr go to /dev/null.
func (b *Backend) Render(spec osched.Spec) (osched.Artifact, error) {
	a := agent{
		Label:                spec.Label,
		ProgramArguments:     []string{"/bin/sh", "-c", spec.Script},
		WorkingDirectory:     spec.WorkingDir,
		StandardOutPath:      os.DevNull,
		StandardErrorPath:    os.DevNull,
		EnvironmentVariables: spec.Env,
	}
	switch s := spec.Schedule.(type) {
	case job.Interval:
		if s.Aligned() {
			hours := s.AnchorHours()
			slots := make([]map[string]int, 0, len(hours))
			for _, h := range hours {
				slots = append(slots, map[string]int{"Hour": h, "Minute": 0})
			}
			a.StartCalendarInterval = slots
		} else {
			a.StartInterval = int(s.Every().Seconds())
		}
	case job.Calendar:
		slot := map[string]int{"Hour": s.Hour, "Minute": s.Minute}
		if s.Weekday != nil {
			slot["Weekday"] = int(*s.Weekday)
		}
		a.StartCalendarInterval = slot
	case job.Once:
		a.RunAtLoad = true
	default:
		return osched.Artifact{}, errors.Newf("launchd: unsupported schedule %T", spec.Schedule)
	}

	out, err := plist.MarshalIndent(a, plist.XMLFormat, "\t")
	if err != nil {
		return osched.Artifact{}, errors.Wrapf(err, "encode plist for %s", spec.Label)
	}
	return osched.Artifact{
		Label: spec.Label,
		Files: []osched.File{{Path: b.plistPath(spec.Label), Content: out, Mode: 0o644}},
	}, nil
}

func (b *Backend) Load(ctx context.Context, label string) error {
	out, err := b.run.Run(ctx, "load", b.plistPath(label))
	if err != nil {
		return errors.Wrapf(err, "launchctl load %s: %s", label, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *Backend) Unload(ctx context.Context, label string) error {
	out, err := b.run.Run(ctx, "unload", b.plistPath(label))
	if err != nil {
		if notFound(out) {
			b.log.Debug("unload of unknown label", logx.String("label", label))
			return nil
		}
		return errors.Wrapf(err, "launchctl unload %s: %s", label, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *Backend) Start(ctx context.Context, label string) error {
	out, err := b.run.Run(ctx, "start", label)
	if err != nil {
		if notFound(out) {
			return errors.Mark(errors.Newf("launchctl start %s: not loaded", label), osched.ErrNotFound)
		}
		return errors.Wrapf(err, "launchctl start %s: %s", label, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *Backend) List(ctx context.Context, label string) (osched.Status, error) {
	out, err := b.run.Run(ctx, "list", label)
	if notFound(out) {
		return osched.Status{}, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return osched.Status{}, errors.Wrapf(ctxErr, "launchctl list %s", label)
		}
		return osched.Status{}, errors.Wrapf(err, "launchctl list %s", label)
	}
	return ParseList(string(out)), nil
}

func (b *Backend) InstalledLabels(prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read launch agents dir")
	}
	var labels []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".plist") {
			continue
		}
		labels = append(labels, strings.TrimSuffix(name, ".plist"))
	}
	sort.Strings(labels)
	return labels, nil
}

func notFound(out []byte) bool {
	return strings.Contains(string(out), "Could not find service")
}
