package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseFormats(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cases := map[string]string{
		"c.json": `{"scheduler":{"backend":"launchd","poll_interval":"10s"},"agent":{"extra_path":["/a"]}}`,
		"c.yaml": "scheduler:\n  backend: launchd\n  poll_interval: 10s\nagent:\n  extra_path: [/a]\n",
		"c.toml": "[scheduler]\nbackend = \"launchd\"\npoll_interval = \"10s\"\n[agent]\nextra_path = [\"/a\"]\n",
	}
	for name, body := range cases {
		m := NewConfigManager(writeFile(t, dir, name, body))
		cfg, err := m.Parse()
		require.NoError(t, err, name)
		assert.Equal(t, "launchd", cfg.Scheduler.Backend, name)
		assert.Equal(t, "10s", cfg.Scheduler.PollInterval, name)
		assert.Equal(t, []string{"/a"}, cfg.Agent.ExtraPath, name)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := NewConfigManager(writeFile(t, dir, "a.json", `{"schedular":{}}`)).Parse()
	assert.ErrorContains(t, err, "unknown field")

	_, err = NewConfigManager(writeFile(t, dir, "b.yaml", "history:\n  debounce: 1s\n  bogus: 1\n")).Parse()
	assert.ErrorContains(t, err, "unknown field")

	_, err = NewConfigManager(writeFile(t, dir, "c.json", `{}{}`)).Parse()
	assert.ErrorContains(t, err, "trailing data")
}

func TestLoadMissingAndEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m := NewConfigManager(filepath.Join(dir, "absent.json"))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
	assert.Same(t, cfg, m.Get())

	cfg, err = NewConfigManager(writeFile(t, dir, "empty.yaml", "\n")).Load()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	r, err := Resolve(&Config{}, "/home/u", "darwin")
	require.NoError(t, err)
	assert.Equal(t, "/home/u/.clockwork", r.Home)
	assert.Equal(t, "/home/u/.clockwork/jobs.json", r.JobsPath)
	assert.Equal(t, "/home/u/.clockwork/history", r.HistoryRoot)
	assert.Equal(t, os.TempDir(), r.ScratchDir)
	assert.Equal(t, "launchd", r.Backend)
	assert.Equal(t, DefaultPrefix, r.Prefix)
	assert.Equal(t, DefaultCallTimeout, r.CallTimeout)
	assert.Equal(t, DefaultPollInterval, r.PollInterval)
	assert.Equal(t, DefaultConcurrency, r.RefreshConcurrency)
	assert.Equal(t, DefaultHistoryDebounce, r.HistoryDebounce)
	assert.Equal(t, DefaultLivePoll, r.LivePollInterval)
	assert.Equal(t, time.Local, r.Location)
	assert.Equal(t, "info", r.Logging.Level)
	assert.Empty(t, r.StorageDriver)

	r, err = Resolve(nil, "/home/u", "linux")
	require.NoError(t, err)
	assert.Equal(t, "systemd", r.Backend)
}

func TestResolveOverrides(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Paths:     PathsConfig{Home: "~/cw", Scratch: "/tmp/cw"},
		Scheduler: SchedulerConfig{CallTimeout: "2s", Timezone: "UTC", RefreshConcurrency: 8},
		Agent:     AgentConfig{Binary: "~/bin/agent", ExtraPath: []string{"~/x", ""}},
		Logging:   LoggingConfig{Level: "debug", File: LoggingFile{Enabled: true}},
		Storage:   &StorageConfig{Driver: "file"},
	}
	r, err := Resolve(cfg, "/home/u", "linux")
	require.NoError(t, err)
	assert.Equal(t, "/home/u/cw", r.Home)
	assert.Equal(t, "/home/u/cw/jobs.json", r.JobsPath)
	assert.Equal(t, "/tmp/cw", r.ScratchDir)
	assert.Equal(t, 2*time.Second, r.CallTimeout)
	assert.Equal(t, "UTC", r.Location.String())
	assert.Equal(t, 8, r.RefreshConcurrency)
	assert.Equal(t, "/home/u/bin/agent", r.AgentBinary)
	assert.Equal(t, []string{"/home/u/x"}, r.ExtraPath)
	assert.Equal(t, "/home/u/cw/clockwork.log", r.Logging.File.Path)
	assert.Equal(t, "file", r.StorageDriver)
	assert.Equal(t, "/home/u/cw/audit", r.StoragePath)
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()
	bad := []*Config{
		{Scheduler: SchedulerConfig{Backend: "cron"}},
		{Scheduler: SchedulerConfig{Prefix: "a/b"}},
		{Scheduler: SchedulerConfig{CallTimeout: "soon"}},
		{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}},
		{Scheduler: SchedulerConfig{RefreshConcurrency: 1000}},
		{History: HistoryConfig{Debounce: "-1s"}},
		{Logging: LoggingConfig{Level: "loud"}},
		{Storage: &StorageConfig{Driver: "postgres"}},
	}
	for i, cfg := range bad {
		_, err := Resolve(cfg, "/home/u", "linux")
		assert.Error(t, err, "case %d", i)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Debug: DebugConfig{Token: "a"}}
	same := &Config{Debug: DebugConfig{Token: "b"}}
	changed, _ := SummarizeConfigChange(old, same)
	assert.Empty(t, changed)

	next := &Config{
		Scheduler: SchedulerConfig{PollInterval: "1s"},
		Storage:   &StorageConfig{Driver: "file"},
	}
	changed, attrs := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"debug", "scheduler", "storage"}, changed)
	assert.NotEmpty(t, attrs)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"history":{"debounce":"1s"}}`)

	m := NewConfigManager(path)
	m.SetValidator(Validator("/home/u", "linux"))
	_, err := m.Load()
	require.NoError(t, err)
	ch, unsub := m.Subscribe(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond)

	// rejected by the validator: nothing published
	writeFile(t, dir, "config.json", `{"history":{"debounce":"nope"}}`)
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "config.json", `{"history":{"debounce":"2s"}}`)
	select {
	case cfg := <-ch:
		assert.Equal(t, "2s", cfg.History.Debounce)
		assert.Equal(t, "2s", m.Get().History.Debounce)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
}
