package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "pulse-", "")
	require.NoError(t, err)
	return m
}

func TestCreateWritesSource(t *testing.T) {
	m := newManager(t)

	ws, err := m.Create("print \"hi\"\n")
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(ws) })

	assert.True(t, filepath.IsAbs(ws.Path))
	assert.Equal(t, m.Dir(), filepath.Dir(ws.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(ws.Path), "pulse-"+ws.ID))

	data, err := os.ReadFile(ws.Path)
	require.NoError(t, err)
	assert.Equal(t, "print \"hi\"\n", string(data))
	assert.Equal(t, 1, m.Live())
}

func TestArtifactPathInPlace(t *testing.T) {
	m := newManager(t)

	ws, err := m.Create("x")
	require.NoError(t, err)
	defer m.Release(ws)

	// Extensionless names in the scratch dir compile over themselves.
	assert.Equal(t, ws.Path, ws.ArtifactPath)
}

func TestArtifactPathSeparateDir(t *testing.T) {
	scratch := t.TempDir()
	m, err := NewManager(t.TempDir(), "pulse-", scratch)
	require.NoError(t, err)

	ws, err := m.Create("x")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(scratch, filepath.Base(ws.Path)), ws.ArtifactPath)

	require.NoError(t, os.WriteFile(ws.ArtifactPath, []byte("binary"), 0o755))
	require.NoError(t, m.Release(ws))

	assert.NoFileExists(t, ws.Path)
	assert.NoFileExists(t, ws.ArtifactPath)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newManager(t)

	a, err := m.Create("a")
	require.NoError(t, err)
	b, err := m.Create("b")
	require.NoError(t, err)
	defer m.Release(b)

	require.NoError(t, m.Release(a))
	require.NoError(t, m.Release(a))
	assert.NoFileExists(t, a.Path)

	// Releasing a twice must not touch b.
	assert.FileExists(t, b.Path)
	assert.Equal(t, 1, m.Live())
}

func TestReleaseAfterExternalDelete(t *testing.T) {
	m := newManager(t)

	ws, err := m.Create("a")
	require.NoError(t, err)
	require.NoError(t, os.Remove(ws.Path))

	assert.NoError(t, m.Release(ws))
	assert.Equal(t, 0, m.Live())
}

func TestReleaseNil(t *testing.T) {
	m := newManager(t)
	assert.NoError(t, m.Release(nil))
}

func TestCreateUnwritableDir(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "does", "not", "exist"), "pulse-", "")
	require.NoError(t, err)

	ws, err := m.Create("x")
	require.Error(t, err)
	assert.Nil(t, ws)
	assert.True(t, errors.Is(err, ErrWorkspace))

	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "create", werr.Op)
	assert.Equal(t, 0, m.Live())
}

func TestCreateDirIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	m, err := NewManager(file, "pulse-", "")
	require.NoError(t, err)

	_, err = m.Create("x")
	assert.ErrorIs(t, err, ErrWorkspace)
}

func TestConcurrentCreateRelease(t *testing.T) {
	m := newManager(t)

	const n = 32
	var wg sync.WaitGroup
	paths := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := m.Create("src")
			if !assert.NoError(t, err) {
				return
			}
			paths <- ws.Path
			assert.NoError(t, m.Release(ws))
		}()
	}
	wg.Wait()
	close(paths)

	seen := make(map[string]bool)
	for p := range paths {
		assert.False(t, seen[p], "duplicate workspace path %s", p)
		seen[p] = true
		assert.NoFileExists(t, p)
	}
	assert.Len(t, seen, n)
	assert.Equal(t, 0, m.Live())

	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepRemovesOnlyStaleOrphans(t *testing.T) {
	m := newManager(t)

	live, err := m.Create("live")
	require.NoError(t, err)
	defer m.Release(live)

	old := time.Now().Add(-2 * time.Hour)
	orphan := filepath.Join(m.Dir(), "pulse-orphan")
	fresh := filepath.Join(m.Dir(), "pulse-fresh")
	other := filepath.Join(m.Dir(), "unrelated")
	for _, p := range []string{orphan, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.Chtimes(orphan, old, old))
	require.NoError(t, os.Chtimes(other, old, old))
	require.NoError(t, os.Chtimes(live.Path, old, old))

	n, err := m.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, orphan)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
	assert.FileExists(t, live.Path)
}

func TestNewSweeperBadSchedule(t *testing.T) {
	m := newManager(t)
	_, err := NewSweeper(m, "not a schedule", time.Hour)
	assert.Error(t, err)

	s, err := NewSweeper(m, "@every 1h", time.Hour)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
