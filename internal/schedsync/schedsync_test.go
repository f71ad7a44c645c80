package schedsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clockwork/internal/command"
	"clockwork/internal/eventbus"
	"clockwork/internal/job"
	"clockwork/internal/metrics"
	"clockwork/internal/osched"
	"clockwork/internal/osched/oschedtest"
)

type fixture struct {
	svc    *Service
	fake   *oschedtest.Fake
	layout job.Layout
	bus    eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, opts ...Option) fixture {
	t.Helper()
	root := t.TempDir()
	layout := job.Layout{HistoryRoot: filepath.Join(root, "history"), ScratchDir: filepath.Join(root, "scratch")}
	require.NoError(t, os.MkdirAll(layout.ScratchDir, 0o755))
	fake := oschedtest.New(filepath.Join(root, "agents"))
	bus := eventbus.New()
	b := command.Builder{Layout: layout, Agent: command.Agent{Binary: "claude"}, Backend: fake}
	opts = append([]Option{WithBus(bus), WithMetrics(metrics.New()), WithPIDCheck(func(int) bool { return true })}, opts...)
	return fixture{svc: New(b, cfg, opts...), fake: fake, layout: layout, bus: bus}
}

func testJob(name string) job.Job {
	j := job.New(name)
	j.Prompt = "hello"
	j.Directory = "/tmp"
	return j
}

func TestInstallWritesAndLoads(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	j := testJob("report")
	require.NoError(t, f.svc.Install(context.Background(), j))
	label := f.layout.Label("report")
	assert.True(t, f.fake.IsLoaded(label))
	assert.True(t, osched.ArtifactInstalled(f.fake, label))

	e := <-events
	assert.Equal(t, eventbus.JobInstalled, e.Type)
	assert.Equal(t, "report", e.Job)
	assert.True(t, e.OK())
}

func TestInstallLoadFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	label := f.layout.Label("report")
	f.fake.FailOn("load", label, errors.New("denied"))
	err := f.svc.Install(context.Background(), testJob("report"))
	require.Error(t, err)
	assert.False(t, f.fake.IsLoaded(label))
}

func TestUninstallRemovesEvenIfUnloadFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	j := testJob("report")
	ctx := context.Background()
	require.NoError(t, f.svc.Install(ctx, j))
	label := f.layout.Label("report")
	f.fake.FailOn("unload", label, errors.New("busy"))

	require.NoError(t, f.svc.Uninstall(ctx, j))
	assert.False(t, osched.ArtifactInstalled(f.fake, label))
}

func TestToggle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	j := testJob("report")
	label := f.layout.Label("report")

	require.NoError(t, f.svc.Toggle(ctx, j))
	assert.True(t, f.fake.IsLoaded(label))

	j.Enabled = false
	require.NoError(t, f.svc.Toggle(ctx, j))
	assert.False(t, f.fake.IsLoaded(label))
	assert.True(t, osched.ArtifactInstalled(f.fake, label), "disable keeps the artifact")
}

func TestRunNowInstallsClearsAndStarts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	j := testJob("report")
	out := f.layout.StdoutPath("report")
	require.NoError(t, os.WriteFile(out, []byte("previous run"), 0o644))

	require.NoError(t, f.svc.RunNow(context.Background(), j))
	label := f.layout.Label("report")
	assert.Equal(t, []string{"list " + label, "load " + label, "start " + label}, f.fake.Calls())

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Empty(t, b)
	_, err = os.Stat(f.layout.StderrPath("report"))
	assert.NoError(t, err)
}

func TestRunNowSkipsInstallWhenLoaded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	label := f.layout.Label("report")
	f.fake.MarkLoaded(label, true)
	require.NoError(t, f.svc.RunNow(context.Background(), testJob("report")))
	assert.Equal(t, []string{"list " + label, "start " + label}, f.fake.Calls())
}

func TestStatus(t *testing.T) {
	t.Parallel()
	dead := 999
	f := newFixture(t, Config{CallTimeout: 20 * time.Millisecond},
		WithPIDCheck(func(pid int) bool { return pid != dead }))
	ctx := context.Background()

	assert.Equal(t, osched.Status{}, f.svc.Status(ctx, "com.clockwork.none"))

	live, code := 42, 0
	f.fake.SetStatus("com.clockwork.live", osched.Status{Loaded: true, PID: &live, LastExitCode: &code})
	st := f.svc.Status(ctx, "com.clockwork.live")
	require.NotNil(t, st.PID)
	assert.Equal(t, 42, *st.PID)

	f.fake.SetStatus("com.clockwork.stale", osched.Status{Loaded: true, PID: &dead})
	st = f.svc.Status(ctx, "com.clockwork.stale")
	assert.True(t, st.Loaded)
	assert.Nil(t, st.PID, "PIDs of exited processes are dropped")

	f.fake.FailOn("list", "com.clockwork.err", errors.New("boom"))
	assert.True(t, f.svc.Status(ctx, "com.clockwork.err").Unknown)

	f.fake.MarkLoaded("com.clockwork.slow", true)
	f.fake.BlockList("com.clockwork.slow")
	start := time.Now()
	assert.True(t, f.svc.Status(ctx, "com.clockwork.slow").Unknown)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRefreshFillsCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Concurrency: 2, RatePerSec: 1000})
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	jobs := []job.Job{testJob("a"), testJob("b"), testJob("c")}
	pid := 7
	f.fake.SetStatus(f.layout.Label("a"), osched.Status{Loaded: true, PID: &pid})
	f.fake.MarkLoaded(f.layout.Label("b"), true)

	got := f.svc.Refresh(context.Background(), jobs)
	require.Len(t, got, 3)
	assert.True(t, f.svc.Cached(f.layout.Label("a")).Running())
	assert.True(t, f.svc.Cached(f.layout.Label("b")).Loaded)
	assert.False(t, f.svc.Cached(f.layout.Label("c")).Loaded)
	assert.Equal(t, osched.Status{}, f.svc.Cached("com.clockwork.unknown"))

	changed := 0
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.StatusChanged {
			changed++
		}
	}
	assert.Equal(t, 3, changed)

	f.svc.Refresh(context.Background(), jobs)
	assert.Empty(t, events, "unchanged statuses are not republished")
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()

	missing := testJob("missing")
	disabled := testJob("disabled")
	disabled.Enabled = false
	healthy := testJob("healthy")
	require.NoError(t, f.svc.Install(ctx, healthy))
	require.NoError(t, f.svc.Install(ctx, disabled))
	require.NoError(t, f.svc.Install(ctx, testJob("orphan")))

	rep := f.svc.Reconcile(ctx, []job.Job{missing, disabled, healthy})
	require.NoError(t, rep.Err())

	kinds := map[string]ActionKind{}
	for _, a := range rep.Actions {
		kinds[a.Job] = a.Kind
	}
	assert.Equal(t, map[string]ActionKind{
		"missing":  ActionReinstalled,
		"disabled": ActionUninstalled,
		"orphan":   ActionOrphanRemoved,
	}, kinds)

	assert.True(t, f.fake.IsLoaded(f.layout.Label("missing")))
	assert.False(t, osched.ArtifactInstalled(f.fake, f.layout.Label("disabled")))
	assert.False(t, osched.ArtifactInstalled(f.fake, f.layout.Label("orphan")))
	assert.True(t, osched.ArtifactInstalled(f.fake, f.layout.Label("healthy")))

	again := f.svc.Reconcile(ctx, []job.Job{missing, disabled, healthy})
	assert.Empty(t, again.Actions)
}

func TestReconcileContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	a, b := testJob("a"), testJob("b")
	f.fake.FailOn("render", f.layout.Label("a"), errors.New("bad"))

	rep := f.svc.Reconcile(ctx, []job.Job{a, b})
	require.Len(t, rep.Actions, 2)
	assert.Equal(t, 1, rep.Failed())
	require.Error(t, rep.Err())
	assert.True(t, f.fake.IsLoaded(f.layout.Label("b")))
}
