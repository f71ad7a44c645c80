package systemd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clockwork/internal/job"
	"clockwork/internal/osched"
)

type fakeConn struct {
	calls     []string
	unitProps map[string]map[string]interface{}
	svcProps  map[string]map[string]interface{}
	startErr  error
	closed    bool
}

func (f *fakeConn) ReloadContext(context.Context) error {
	f.calls = append(f.calls, "reload")
	return nil
}

func (f *fakeConn) StartUnitContext(_ context.Context, name, _ string, _ chan<- string) (int, error) {
	f.calls = append(f.calls, "start "+name)
	return 1, f.startErr
}

func (f *fakeConn) StopUnitContext(_ context.Context, name, _ string, _ chan<- string) (int, error) {
	f.calls = append(f.calls, "stop "+name)
	return 1, nil
}

func (f *fakeConn) EnableUnitFilesContext(_ context.Context, files []string, _, _ bool) (bool, []dbus.EnableUnitFileChange, error) {
	f.calls = append(f.calls, "enable "+files[0])
	return false, nil, nil
}

func (f *fakeConn) DisableUnitFilesContext(_ context.Context, files []string, _ bool) ([]dbus.DisableUnitFileChange, error) {
	f.calls = append(f.calls, "disable "+files[0])
	return nil, errors.New("Unit file " + files[0] + " does not exist: NoSuchUnit")
}

func (f *fakeConn) GetUnitPropertiesContext(_ context.Context, name string) (map[string]interface{}, error) {
	if p, ok := f.unitProps[name]; ok {
		return p, nil
	}
	return map[string]interface{}{"LoadState": "not-found", "ActiveState": "inactive"}, nil
}

func (f *fakeConn) GetUnitTypePropertiesContext(_ context.Context, name, _ string) (map[string]interface{}, error) {
	if p, ok := f.svcProps[name]; ok {
		return p, nil
	}
	return nil, errors.New("NoSuchUnit")
}

func (f *fakeConn) Close() { f.closed = true }

func newBackend(t *testing.T, c *fakeConn) *Backend {
	t.Helper()
	return New(t.TempDir(), WithDialer(func(context.Context) (Conn, error) { return c, nil }))
}

func options(t *testing.T, b []byte) []*unit.UnitOption {
	t.Helper()
	opts, err := unit.Deserialize(bytes.NewReader(b))
	require.NoError(t, err)
	return opts
}

func values(opts []*unit.UnitOption, section, name string) []string {
	var out []string
	for _, o := range opts {
		if o.Section == section && o.Name == name {
			out = append(out, o.Value)
		}
	}
	return out
}

func TestRenderFiles(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeConn{})
	a, err := b.Render(osched.Spec{
		Label:      "com.clockwork.report",
		Script:     "echo hi",
		WorkingDir: "/work",
		Env:        map[string]string{"PATH": "/usr/bin:/bin"},
		Schedule:   job.Interval{Count: 15, Unit: job.Minutes, Align: job.FromLoad},
	})
	require.NoError(t, err)
	require.Len(t, a.Files, 3)
	assert.Equal(t, b.ArtifactFiles("com.clockwork.report"), []string{a.Files[0].Path, a.Files[1].Path, a.Files[2].Path})

	svc := options(t, a.Files[0].Content)
	assert.Equal(t, []string{"oneshot"}, values(svc, "Service", "Type"))
	assert.Equal(t, []string{"/work"}, values(svc, "Service", "WorkingDirectory"))
	assert.Contains(t, string(a.Files[0].Content), `Environment="PATH=/usr/bin:/bin"`)
	assert.Equal(t, []string{"/bin/sh " + filepath.Join(b.Dir, "com.clockwork.report.sh")}, values(svc, "Service", "ExecStart"))

	tmr := options(t, a.Files[1].Content)
	assert.Equal(t, []string{"900s"}, values(tmr, "Timer", "OnActiveSec"))
	assert.Equal(t, []string{"900s"}, values(tmr, "Timer", "OnUnitActiveSec"))
	assert.Equal(t, []string{"com.clockwork.report.service"}, values(tmr, "Timer", "Unit"))
	assert.Equal(t, []string{"timers.target"}, values(tmr, "Install", "WantedBy"))

	assert.Equal(t, "#!/bin/sh\necho hi\n", string(a.Files[2].Content))
	assert.Equal(t, os.FileMode(0o755), a.Files[2].Mode)
}

func TestRenderTimers(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeConn{})
	tests := []struct {
		name     string
		sched    job.Schedule
		key      string
		expected []string
	}{
		{name: "on the hour", sched: job.Interval{Count: 8, Unit: job.Hours, Align: job.OnTheHour}, key: "OnCalendar",
			expected: []string{"*-*-* 00:00:00", "*-*-* 08:00:00", "*-*-* 16:00:00"}},
		{name: "daily", sched: job.Daily(9, 5), key: "OnCalendar", expected: []string{"*-*-* 09:05:00"}},
		{name: "weekly", sched: job.Weekly(time.Tuesday, 18, 0), key: "OnCalendar", expected: []string{"Tue *-*-* 18:00:00"}},
		{name: "once", sched: job.Once{}, key: "OnActiveSec", expected: []string{"1"}},
	}
	for _, tt := range tests {
		a, err := b.Render(osched.Spec{Label: "l", Script: "true", Schedule: tt.sched})
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.expected, values(options(t, a.Files[1].Content), "Timer", tt.key), tt.name)
	}
}

func TestLoadUnloadStart(t *testing.T) {
	t.Parallel()
	c := &fakeConn{}
	b := newBackend(t, c)
	ctx := context.Background()
	require.NoError(t, b.Load(ctx, "com.clockwork.a"))
	require.NoError(t, b.Unload(ctx, "com.clockwork.a"))
	require.NoError(t, b.Start(ctx, "com.clockwork.a"))
	assert.Equal(t, []string{
		"reload", "enable com.clockwork.a.timer", "start com.clockwork.a.timer",
		"stop com.clockwork.a.timer", "disable com.clockwork.a.timer", "reload",
		"start com.clockwork.a.service",
	}, c.calls)

	require.NoError(t, b.Close())
	assert.True(t, c.closed)
}

func TestStartMissingUnit(t *testing.T) {
	t.Parallel()
	c := &fakeConn{startErr: errors.New("org.freedesktop.systemd1.NoSuchUnit: Unit x.service not found.")}
	b := newBackend(t, c)
	err := b.Start(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, osched.ErrNotFound))
}

func TestList(t *testing.T) {
	t.Parallel()
	c := &fakeConn{
		unitProps: map[string]map[string]interface{}{
			"run.timer":  {"LoadState": "loaded", "ActiveState": "active"},
			"idle.timer": {"LoadState": "loaded", "ActiveState": "active"},
			"off.timer":  {"LoadState": "loaded", "ActiveState": "inactive"},
		},
		svcProps: map[string]map[string]interface{}{
			"run.service":  {"MainPID": uint32(77), "ExecMainStatus": int32(0), "ExecMainStartTimestamp": uint64(0)},
			"idle.service": {"MainPID": uint32(0), "ExecMainStatus": int32(2), "ExecMainStartTimestamp": uint64(1700000000000000)},
		},
	}
	b := newBackend(t, c)
	ctx := context.Background()

	st, err := b.List(ctx, "run")
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	require.NotNil(t, st.PID)
	assert.Equal(t, 77, *st.PID)
	assert.Nil(t, st.LastExitCode)

	st, err = b.List(ctx, "idle")
	require.NoError(t, err)
	assert.True(t, st.Loaded)
	assert.Nil(t, st.PID)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 2, *st.LastExitCode)

	st, err = b.List(ctx, "off")
	require.NoError(t, err)
	assert.False(t, st.Loaded)

	st, err = b.List(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, st.Loaded)
}

func TestInstalledLabelsFromTimers(t *testing.T) {
	t.Parallel()
	b := newBackend(t, &fakeConn{})
	for _, n := range []string{"com.clockwork.a.timer", "com.clockwork.a.service", "com.clockwork.b.timer", "other.timer"} {
		require.NoError(t, os.WriteFile(filepath.Join(b.Dir, n), nil, 0o644))
	}
	labels, err := b.InstalledLabels("com.clockwork.")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.clockwork.a", "com.clockwork.b"}, labels)
}
