package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaim(t *testing.T) {
	dir := t.TempDir()
	r := NewReclaimer(dir, 3)

	path := r.Path("42")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "Default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "Default", "Cookies"), []byte("x"), 0o600))

	require.NoError(t, r.Reclaim(context.Background(), "42"))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "artifact moved away immediately")

	r.Wait()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "trash deleted in background")
}

func TestReclaimMissingIsNoop(t *testing.T) {
	r := NewReclaimer(t.TempDir(), 3)
	assert.NoError(t, r.Reclaim(context.Background(), "nobody"))
	assert.NoError(t, r.Reclaim(context.Background(), "nobody"))
}

func TestReclaimOnlyTouchesTenant(t *testing.T) {
	dir := t.TempDir()
	r := NewReclaimer(dir, 1)
	require.NoError(t, os.MkdirAll(r.Path("a"), 0o755))
	require.NoError(t, os.MkdirAll(r.Path("b"), 0o755))

	require.NoError(t, r.Reclaim(context.Background(), "a"))
	r.Wait()

	_, err := os.Stat(r.Path("b"))
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	r := NewReclaimer(dir, 1)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "session-1"+trashMarker+"old"), 0o755))
	require.NoError(t, os.MkdirAll(r.Path("2"), 0o755))

	r.Sweep()
	r.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "session-2", entries[0].Name())
}
