package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clockwork/internal/app"
	"clockwork/internal/job"
	"clockwork/internal/osched/oschedtest"
	"clockwork/internal/storage"
	logx "clockwork/pkg/logx"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

type env struct {
	t       *testing.T
	root    string
	cfgPath string
	fake    *oschedtest.Fake
}

func newEnv(t *testing.T, cfg string) env {
	t.Helper()
	root := t.TempDir()
	if cfg == "" {
		cfg = "{}"
	}
	cfgPath := filepath.Join(root, "config.yaml")
	paths := "paths:\n  home: " + filepath.Join(root, "home") + "\n  scratch: " + filepath.Join(root, "scratch") + "\n"
	if cfg != "{}" {
		paths += cfg
	}
	require.NoError(t, os.WriteFile(cfgPath, []byte(paths), 0o644))
	return env{t: t, root: root, cfgPath: cfgPath, fake: oschedtest.New(filepath.Join(root, "agents"))}
}

func (e env) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := NewRootCmd(
		app.WithBackend(e.fake),
		app.WithHome(e.root),
		app.WithLogger(logx.Nop()),
		app.WithPIDCheck(func(int) bool { return true }),
	)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, out)
	return out
}

func (e env) label(name string) string { return "com.clockwork." + name }

func (e env) writeRun(name string, ts time.Time, output string, exit int) string {
	e.t.Helper()
	dir := filepath.Join(e.root, "home", "history", name)
	require.NoError(e.t, os.MkdirAll(dir, 0o755))
	stem := ts.Format("2006-01-02_15-04-05")
	require.NoError(e.t, os.WriteFile(filepath.Join(dir, stem+".log"), []byte(output), 0o644))
	require.NoError(e.t, os.WriteFile(filepath.Join(dir, stem+".exitcode"), []byte{byte('0' + exit), '\n'}, 0o644))
	return name + "_" + stem
}

func TestAddListShowRemove(t *testing.T) {
	e := newEnv(t, "")
	work := t.TempDir()

	out := e.mustRun("add", "Nightly Build", "--prompt", "run the release checklist", "--at", "02:30", "-C", work, "--model", "sonnet")
	assert.Contains(t, out, "added nightly-build (Daily 02:30)")
	assert.True(t, e.fake.IsLoaded(e.label("nightly-build")))

	out = e.mustRun("list")
	assert.Contains(t, out, "nightly-build")
	assert.Contains(t, out, "Daily 02:30")

	out = e.mustRun("show", "nightly-build")
	assert.Contains(t, out, "run the release checklist")
	assert.Contains(t, out, work)
	assert.Contains(t, out, e.label("nightly-build"))

	out = e.mustRun("rm", "nightly-build")
	assert.Contains(t, out, "removed nightly-build")
	assert.False(t, e.fake.IsLoaded(e.label("nightly-build")))

	out = e.mustRun("list")
	assert.Contains(t, out, "no jobs yet")
}

func TestAddRejectsBadFlags(t *testing.T) {
	e := newEnv(t, "")

	_, err := e.run("add", "x", "--prompt", "p", "--every", "90s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whole minutes")

	_, err = e.run("add", "x", "--prompt", "p", "--weekday", "mon")
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))

	_, err = e.run("add", "x", "--prompt", "p", "--every", "1h", "--at", "09:00")
	require.Error(t, err)

	out, _ := e.run("list")
	assert.Contains(t, out, "no jobs yet")
}

func TestEditRenameAndEnable(t *testing.T) {
	e := newEnv(t, "")
	e.mustRun("add", "triage", "--prompt", "triage issues", "--every", "6h", "--on-the-hour", "-C", t.TempDir())

	out := e.mustRun("edit", "triage", "--rename", "issue-triage", "--every", "30m")
	assert.Contains(t, out, "updated issue-triage (Every 30 minutes)")
	assert.False(t, e.fake.IsLoaded(e.label("triage")))
	assert.True(t, e.fake.IsLoaded(e.label("issue-triage")))

	e.mustRun("disable", "issue-triage")
	assert.False(t, e.fake.IsLoaded(e.label("issue-triage")))
	out = e.mustRun("list")
	assert.Contains(t, out, "no")

	e.mustRun("enable", "issue-triage")
	assert.True(t, e.fake.IsLoaded(e.label("issue-triage")))

	_, err := e.run("edit", "missing", "--prompt", "x")
	require.Error(t, err)
}

func TestRunAndStatus(t *testing.T) {
	e := newEnv(t, "")
	e.mustRun("add", "once", "--prompt", "hello", "--once", "--disabled", "-C", t.TempDir())
	assert.False(t, e.fake.IsLoaded(e.label("once")))

	out := e.mustRun("run", "once")
	assert.Contains(t, out, "started once")
	assert.True(t, e.fake.IsLoaded(e.label("once")))
	assert.Contains(t, e.fake.Calls(), "start "+e.label("once"))

	out = e.mustRun("status")
	assert.Contains(t, out, e.label("once"))
}

func TestReconcileReinstallsMissingArtifact(t *testing.T) {
	e := newEnv(t, "")
	e.mustRun("add", "keeper", "--prompt", "keep", "--every", "2h", "-C", t.TempDir())
	require.NoError(t, os.Remove(e.fake.ArtifactFiles(e.label("keeper"))[0]))

	out := e.mustRun("reconcile")
	assert.Contains(t, out, "keeper")

	out = e.mustRun("reconcile")
	assert.Contains(t, out, "in sync")
}

func TestNext(t *testing.T) {
	e := newEnv(t, "")
	e.mustRun("add", "standup", "--prompt", "notes", "--at", "09:00", "--weekday", "mon", "-C", t.TempDir())
	e.mustRun("add", "later", "--prompt", "notes", "--at", "10:00", "--disabled", "-C", t.TempDir())

	out := e.mustRun("next")
	assert.Contains(t, out, "Mon 09:00")
	assert.Contains(t, out, "disabled")

	_, err := e.run("next", "nope")
	require.Error(t, err)
}

func TestHistoryCommands(t *testing.T) {
	e := newEnv(t, "")
	e.mustRun("add", "report", "--prompt", "report", "--every", "1h", "-C", t.TempDir())
	now := time.Now().Truncate(time.Second)
	oldID := e.writeRun("report", now.Add(-48*time.Hour), "old output\n", 0)
	newID := e.writeRun("report", now.Add(-time.Hour), "fresh output\nsecond line\n", 1)

	out := e.mustRun("history", "list")
	assert.Contains(t, out, oldID)
	assert.Contains(t, out, newID)
	assert.Contains(t, out, "fresh output")

	out = e.mustRun("history", "list", "--failed")
	assert.Contains(t, out, newID)
	assert.NotContains(t, out, oldID)

	out = e.mustRun("history", "show", newID)
	assert.Contains(t, out, "second line")

	e.mustRun("history", "archive", "--older-than", "24h")
	out = e.mustRun("history", "list")
	assert.NotContains(t, out, oldID)
	out = e.mustRun("history", "list", "--archived")
	assert.Contains(t, out, oldID)

	e.mustRun("history", "unarchive", oldID)
	out = e.mustRun("history", "list")
	assert.Contains(t, out, oldID)

	_, err := e.run("history", "archive")
	require.Error(t, err)
	_, err = e.run("history", "show", "report_1999-01-01_00-00-00")
	require.Error(t, err)

	_, err = e.run("history", "clear", "report")
	require.Error(t, err)
	e.mustRun("history", "clear", "report", "--yes")
	out = e.mustRun("history", "list", "--all")
	assert.Contains(t, out, "no runs")
}

func TestAudit(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.run("audit")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrDisabled))

	e = newEnv(t, "storage:\n  driver: file\n")
	e.mustRun("add", "audited", "--prompt", "x", "--every", "15m", "-C", t.TempDir())
	out := e.mustRun("audit", "--job", "audited")
	assert.Contains(t, out, "job.installed")
	assert.Contains(t, out, "cli")
}

func TestParseEvery(t *testing.T) {
	iv, err := parseEvery("6h")
	require.NoError(t, err)
	assert.Equal(t, job.Interval{Count: 6, Unit: job.Hours, Align: job.FromLoad}, iv)

	iv, err = parseEvery("90m")
	require.NoError(t, err)
	assert.Equal(t, job.Interval{Count: 90, Unit: job.Minutes, Align: job.FromLoad}, iv)

	for _, bad := range []string{"", "0m", "-1h", "45s", "soon"} {
		_, err := parseEvery(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseAt(t *testing.T) {
	c, err := parseAt("09:05", "")
	require.NoError(t, err)
	assert.Equal(t, job.Daily(9, 5), c)

	c, err = parseAt("18:30", "Mon")
	require.NoError(t, err)
	assert.Equal(t, job.Weekly(time.Monday, 18, 30), c)

	for _, bad := range [][2]string{{"24:00", ""}, {"9", ""}, {"09:60", ""}, {"09:00", "someday"}, {"09:00", "7"}} {
		_, err := parseAt(bad[0], bad[1])
		assert.Error(t, err, bad)
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{
		"sun": time.Sunday, "Monday": time.Monday, "WED": time.Wednesday, "6": time.Saturday, " thurs ": time.Thursday,
	} {
		got, err := parseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseWeekday("mo")
	assert.Error(t, err)
}
