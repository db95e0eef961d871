package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkInstance(t *testing.T, formDir, name string) string {
	t.Helper()
	dir := filepath.Join(formDir, "instances", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SubmissionFile), []byte("<data/>"), 0o644))
	return dir
}

func TestListInstances(t *testing.T) {
	formDir := t.TempDir()
	b := mkInstance(t, formDir, "uuid-b")
	a := mkInstance(t, formDir, "uuid-a")

	// A directory without submission.xml is not an instance.
	empty := filepath.Join(formDir, "instances", "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))

	// A stray file under instances/ is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(formDir, "instances", "stray.txt"), nil, 0o644))

	got := ListInstances(formDir)
	assert.Equal(t, []string{a, b}, got)
}

func TestListInstancesMissingDir(t *testing.T) {
	assert.Empty(t, ListInstances(t.TempDir()))
	assert.Empty(t, ListInstances(filepath.Join(t.TempDir(), "nope")))
}

func TestIsInstanceDir(t *testing.T) {
	formDir := t.TempDir()
	dir := mkInstance(t, formDir, "uuid-1")

	assert.True(t, IsInstanceDir(dir))
	assert.False(t, IsInstanceDir(filepath.Join(formDir, "instances")))
	assert.False(t, IsInstanceDir(filepath.Join(dir, SubmissionFile)))
}
