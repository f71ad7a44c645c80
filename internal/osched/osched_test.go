package osched

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemoveArtifact(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "agents")
	a := Artifact{Label: "l", Files: []File{
		{Path: filepath.Join(dir, "l.plist"), Content: []byte("<plist/>")},
		{Path: filepath.Join(dir, "l.sh"), Content: []byte("#!/bin/sh\n"), Mode: 0o755},
	}}
	require.NoError(t, WriteArtifact(a))

	b, err := os.ReadFile(a.Files[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "<plist/>", string(b))
	fi, err := os.Stat(a.Files[1].Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not be left behind")

	paths := []string{a.Files[0].Path, a.Files[1].Path, filepath.Join(dir, "never-written")}
	require.NoError(t, RemoveArtifact(paths))
	_, err = os.Stat(a.Files[0].Path)
	assert.True(t, os.IsNotExist(err))
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	pid := 10
	assert.Equal(t, "unknown", Status{Unknown: true}.String())
	assert.Equal(t, "not loaded", Status{}.String())
	assert.Equal(t, "loaded", Status{Loaded: true}.String())
	assert.Equal(t, "running", Status{Loaded: true, PID: &pid}.String())
}
