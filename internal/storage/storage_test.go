package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "clockwork/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestFileStoreRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "clockwork.db")}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, job := range []string{"a", "b", "a", "a"} {
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{
			At: base.Add(time.Duration(i) * time.Minute), Action: "install", Job: job, OK: i != 1,
		}))
	}

	all, err := st.RecentAudit(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, base.Add(3*time.Minute), all[0].At)
	assert.False(t, all[2].OK)

	onlyA, err := st.RecentAudit(ctx, Query{Job: "a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, base.Add(3*time.Minute), onlyA[0].At)
	assert.Equal(t, base.Add(2*time.Minute), onlyA[1].At)

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.Error(t, st.AppendAudit(ctx, AuditEntry{Action: "x"}))

	_, err = os.Stat(filepath.Join(dir, "clockwork.audit.jsonl"))
	assert.NoError(t, err)
}

func TestFileStoreSkipsBadLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audit.audit.jsonl"),
		[]byte("not json\n{\"action\":\"start\",\"job\":\"a\",\"ok\":true}\n"), 0o600))

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.RecentAudit(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "start", got[0].Action)
}
