package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(l), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func TestFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "sync"))
	log.Info("installed", String("job", "report"), Int("n", 2), Err(nil))
	log.Warn("failed", Err(errors.New("boom")), Duration("took", time.Second))

	got := lines(&buf)
	require.Len(t, got, 2)
	assert.Equal(t, "sync", got[0]["comp"])
	assert.Equal(t, "report", got[0]["job"])
	assert.NotContains(t, got[0], "err")
	assert.Equal(t, "boom", got[1]["err"])
	assert.Contains(t, got[1]["caller"], "logx_test.go")
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden")
	log.Error("shown")
	assert.Len(t, lines(&buf), 1)
}

func TestThrottled(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Throttled(time.Hour, 2)
	for i := 0; i < 10; i++ {
		log.Warn("watch error")
	}
	assert.Len(t, lines(&buf), 2)
}

func TestZeroAndNopAreSafe(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("nothing")
	Nop().Error("nothing")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("WARNING", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel(" trace ", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("loud", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("panic", LevelInfo))
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "clockwork.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	log = log.With(String("comp", "test"))
	log.Debug("dropped")
	log.Info("to first")

	second := filepath.Join(dir, "b.log")
	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}}))
	log.Debug("to second")
	require.NoError(t, svc.Close())
	assert.Equal(t, "debug", svc.Config().Level)

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	got := lines(bytes.NewBuffer(a))
	require.Len(t, got, 1)
	assert.Equal(t, "to first", got[0]["message"])
	assert.Equal(t, "test", got[0]["comp"])

	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Len(t, lines(bytes.NewBuffer(b)), 1)
}

func TestServiceApplyReportsUnopenableFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	svc, _ := New(Config{Level: "error"})
	err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	assert.Error(t, err)
	assert.NoError(t, svc.Close())
}
