//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "clockwork/pkg/logx"
)

func TestSQLiteStore(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "audit.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "install", Job: "a", OK: true, TookMS: 12}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "start", Job: "b", Error: "boom"}))
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "uninstall", Job: "a", OK: true}))

	got, err := st.RecentAudit(ctx, Query{Job: "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "uninstall", got[0].Action)
	assert.Equal(t, int64(12), got[1].TookMS)
	assert.False(t, got[0].At.IsZero())

	last, err := st.RecentAudit(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "uninstall", last[0].Action)
}
