// Package systemd drives jobs as systemd user units: a oneshot service that runs the
// job script and a timer that triggers it.
package systemd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"

	"clockwork/internal/job"
	"clockwork/internal/osched"
	logx "clockwork/pkg/logx"
)

// Conn is the subset of *dbus.Conn the backend uses.
type Conn interface {
	ReloadContext(ctx context.Context) error
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	GetUnitPropertiesContext(ctx context.Context, unit string) (map[string]interface{}, error)
	GetUnitTypePropertiesContext(ctx context.Context, unit string, unitType string) (map[string]interface{}, error)
	Close()
}

// Dialer opens the D-Bus connection on first use.
type Dialer func(ctx context.Context) (Conn, error)

// UserBus connects to the calling user's systemd instance.
func UserBus(ctx context.Context) (Conn, error) {
	c, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd user bus")
	}
	return c, nil
}

// Backend writes units into Dir (normally ~/.config/systemd/user).
type Backend struct {
	Dir string

	mu   sync.Mutex
	conn Conn
	dial Dialer
	log  logx.Logger
}

type Option func(*Backend)

func WithDialer(d Dialer) Option { return func(b *Backend) { b.dial = d } }

func WithLogger(l logx.Logger) Option { return func(b *Backend) { b.log = l } }

func New(dir string, opts ...Option) *Backend {
	b := &Backend{Dir: dir, dial: UserBus, log: logx.Nop()}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

// DefaultDir is ~/.config/systemd/user.
func DefaultDir(home string) string {
	return filepath.Join(home, ".config", "systemd", "user")
}

func (b *Backend) Name() string { return "systemd" }

// Close releases the D-Bus connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	return nil
}

func (b *Backend) connect(ctx context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	c, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	b.conn = c
	return c, nil
}

func serviceName(label string) string { return label + ".service" }
func timerName(label string) string   { return label + ".timer" }

func (b *Backend) scriptPath(label string) string {
	return filepath.Join(b.Dir, label+".sh")
}

func (b *Backend) ArtifactFiles(label string) []string {
	return []string{
		filepath.Join(b.Dir, serviceName(label)),
		filepath.Join(b.Dir, timerName(label)),
		b.scriptPath(label),
	}
}

// Render writes the script to a companion file so ExecStart never has to quote it.
func (b *Backend) Render(spec osched.Spec) (osched.Artifact, error) {
	timer, err := timerOptions(spec)
	if err != nil {
		return osched.Artifact{}, err
	}
	svc, err := serialize(b.serviceOptions(spec))
	if err != nil {
		return osched.Artifact{}, errors.Wrapf(err, "encode service for %s", spec.Label)
	}
	tmr, err := serialize(timer)
	if err != nil {
		return osched.Artifact{}, errors.Wrapf(err, "encode timer for %s", spec.Label)
	}
	paths := b.ArtifactFiles(spec.Label)
	return osched.Artifact{
		Label: spec.Label,
		Files: []osched.File{
			{Path: paths[0], Content: svc, Mode: 0o644},
			{Path: paths[1], Content: tmr, Mode: 0o644},
			{Path: paths[2], Content: []byte("#!/bin/sh\n" + spec.Script + "\n"), Mode: 0o755},
		},
	}, nil
}

func (b *Backend) serviceOptions(spec osched.Spec) []*unit.UnitOption {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "clockwork job "+spec.Label),
		unit.NewUnitOption("Service", "Type", "oneshot"),
	}
	if spec.WorkingDir != "" {
		opts = append(opts, unit.NewUnitOption("Service", "WorkingDirectory", spec.WorkingDir))
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", strconv.Quote(k+"="+spec.Env[k])))
	}
	return append(opts,
		unit.NewUnitOption("Service", "ExecStart", "/bin/sh "+b.scriptPath(spec.Label)),
		unit.NewUnitOption("Service", "StandardOutput", "null"),
		unit.NewUnitOption("Service", "StandardError", "null"),
	)
}

func timerOptions(spec osched.Spec) ([]*unit.UnitOption, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "clockwork timer "+spec.Label),
	}
	switch s := spec.Schedule.(type) {
	case job.Interval:
		if s.Aligned() {
			for _, h := range s.AnchorHours() {
				opts = append(opts, unit.NewUnitOption("Timer", "OnCalendar", fmt.Sprintf("*-*-* %02d:00:00", h)))
			}
			opts = append(opts, unit.NewUnitOption("Timer", "Persistent", "true"))
		} else {
			every := fmt.Sprintf("%ds", int(s.Every().Seconds()))
			opts = append(opts,
				unit.NewUnitOption("Timer", "OnActiveSec", every),
				unit.NewUnitOption("Timer", "OnUnitActiveSec", every),
			)
		}
	case job.Calendar:
		opts = append(opts,
			unit.NewUnitOption("Timer", "OnCalendar", OnCalendar(s)),
			unit.NewUnitOption("Timer", "Persistent", "true"),
		)
	case job.Once:
		opts = append(opts, unit.NewUnitOption("Timer", "OnActiveSec", "1"))
	default:
		return nil, errors.Newf("systemd: unsupported schedule %T", spec.Schedule)
	}
	opts = append(opts,
		unit.NewUnitOption("Timer", "Unit", serviceName(spec.Label)),
		unit.NewUnitOption("Install", "WantedBy", "timers.target"),
	)
	return opts, nil
}

// OnCalendar renders a calendar schedule as a systemd calendar event.
func OnCalendar(c job.Calendar) string {
	ev := fmt.Sprintf("*-*-* %02d:%02d:00", c.Hour, c.Minute)
	if c.Weekday != nil {
		ev = c.Weekday.String()[:3] + " " + ev
	}
	return ev
}

func serialize(opts []*unit.UnitOption) ([]byte, error) {
	return io.ReadAll(unit.Serialize(opts))
}

// Load reloads unit files, enables the timer and starts it.
func (b *Backend) Load(ctx context.Context, label string) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return errors.Wrap(err, "systemd daemon-reload")
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{timerName(label)}, false, true); err != nil {
		return errors.Wrapf(err, "enable %s", timerName(label))
	}
	if _, err := conn.StartUnitContext(ctx, timerName(label), "replace", nil); err != nil {
		return errors.Wrapf(err, "start %s", timerName(label))
	}
	return nil
}

// Unload stops and disables the timer. Units systemd does not know are ignored.
func (b *Backend) Unload(ctx context.Context, label string) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.StopUnitContext(ctx, timerName(label), "replace", nil); err != nil && !isNoSuchUnitErr(err) {
		return errors.Wrapf(err, "stop %s", timerName(label))
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{timerName(label)}, false); err != nil && !isNoSuchUnitErr(err) {
		return errors.Wrapf(err, "disable %s", timerName(label))
	}
	if err := conn.ReloadContext(ctx); err != nil {
		b.log.Warn("daemon-reload after unload failed", logx.String("label", label), logx.Err(err))
	}
	return nil
}

// Start runs the service once, outside its timer.
func (b *Backend) Start(ctx context.Context, label string) error {
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.StartUnitContext(ctx, serviceName(label), "replace", nil); err != nil {
		if isNoSuchUnitErr(err) {
			return errors.Mark(errors.Wrapf(err, "start %s", serviceName(label)), osched.ErrNotFound)
		}
		return errors.Wrapf(err, "start %s", serviceName(label))
	}
	return nil
}

// List maps the timer state to Loaded, and the service's main process and last
// exit status to PID and LastExitCode.
func (b *Backend) List(ctx context.Context, label string) (osched.Status, error) {
	conn, err := b.connect(ctx)
	if err != nil {
		return osched.Status{}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, timerName(label))
	if err != nil {
		if isNoSuchUnitErr(err) {
			return osched.Status{}, nil
		}
		return osched.Status{}, errors.Wrapf(err, "get properties of %s", timerName(label))
	}
	load, _ := getStringProperty(props, "LoadState")
	active, _ := getStringProperty(props, "ActiveState")
	if load == "not-found" || !isActive(active) {
		return osched.Status{}, nil
	}

	st := osched.Status{Loaded: true}
	svc, err := conn.GetUnitTypePropertiesContext(ctx, serviceName(label), "Service")
	if err != nil {
		b.log.Debug("service properties unavailable", logx.String("label", label), logx.Err(err))
		return st, nil
	}
	if pid, ok := svc["MainPID"].(uint32); ok && pid > 0 {
		v := int(pid)
		st.PID = &v
	}
	// ExecMainStartTimestamp is zero until the service has run once.
	if started, ok := svc["ExecMainStartTimestamp"].(uint64); ok && started > 0 {
		if code, ok := svc["ExecMainStatus"].(int32); ok {
			v := int(code)
			st.LastExitCode = &v
		}
	}
	return st, nil
}

func (b *Backend) InstalledLabels(prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read systemd user dir")
	}
	var labels []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".timer") {
			continue
		}
		labels = append(labels, strings.TrimSuffix(name, ".timer"))
	}
	sort.Strings(labels)
	return labels, nil
}

func isActive(state string) bool {
	switch state {
	case "active", "activating", "reloading":
		return true
	default:
		return false
	}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	if strings.Contains(es, "NoSuchUnit") {
		return true
	}
	return strings.Contains(es, "not-found") || strings.Contains(es, "not loaded")
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	if val, ok := props[key].(string); ok {
		return val, true
	}
	return "", false
}
