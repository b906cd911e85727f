// Package workspace manages the ephemeral source files backing submissions.
//
// A Workspace is one uniquely named file holding submitted source text. The
// compiler writes its artifact next to it (or over it, when the artifact name
// collides with the source name). Release removes both, exactly once.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/pulse/internal/metrics"
)

// ErrWorkspace matches every *Error via errors.Is.
var ErrWorkspace = errors.New("workspace error")

// Error reports a failure to materialize or delete a workspace file.
type Error struct {
	Op   string // "create", "write", "release"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrWorkspace }

// Workspace is the file backing a single submission.
type Workspace struct {
	ID           string
	Path         string // absolute path of the source file
	ArtifactPath string // absolute path the compiler writes its output to
	CreatedAt    time.Time

	once       sync.Once
	releaseErr error
}

// Manager creates and releases workspaces under one directory.
type Manager struct {
	dir         string
	prefix      string
	artifactDir string

	mu   sync.Mutex
	live map[string]*Workspace // source path -> workspace
}

// NewManager creates a Manager that places files in dir, named prefix+uuid.
// artifactDir is where the compiler drops its output (its working directory);
// empty means dir. Both are made absolute.
func NewManager(dir, prefix, artifactDir string) (*Manager, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace dir: %w", err)
	}
	if artifactDir == "" {
		artifactDir = absDir
	}
	absArtifact, err := filepath.Abs(artifactDir)
	if err != nil {
		return nil, fmt.Errorf("resolving artifact dir: %w", err)
	}
	return &Manager{
		dir:         absDir,
		prefix:      prefix,
		artifactDir: absArtifact,
		live:        make(map[string]*Workspace),
	}, nil
}

// Dir returns the absolute directory workspaces are created in.
func (m *Manager) Dir() string { return m.dir }

// Create writes source into a new uniquely named file and returns its handle.
// The caller must Release the workspace on every exit path.
func (m *Manager) Create(source string) (*Workspace, error) {
	id := uuid.New().String()
	path := filepath.Join(m.dir, m.prefix+id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &Error{Op: "create", Path: path, Err: err}
	}
	if _, err := f.WriteString(source); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &Error{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &Error{Op: "write", Path: path, Err: err}
	}

	base := filepath.Base(path)
	ws := &Workspace{
		ID:           id,
		Path:         path,
		ArtifactPath: filepath.Join(m.artifactDir, strings.TrimSuffix(base, filepath.Ext(base))),
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.live[path] = ws
	m.mu.Unlock()
	metrics.LiveWorkspaces.Inc()

	return ws, nil
}

// Release deletes the workspace's source file and compiled artifact. Only the
// first call does any work; later calls return the first call's result.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	ws.once.Do(func() {
		var errs []error
		for _, p := range ws.paths() {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			ws.releaseErr = &Error{Op: "release", Path: ws.Path, Err: errors.Join(errs...)}
		}

		m.mu.Lock()
		delete(m.live, ws.Path)
		m.mu.Unlock()
		metrics.LiveWorkspaces.Dec()
	})
	return ws.releaseErr
}

// Live returns the number of workspaces created and not yet released.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (ws *Workspace) paths() []string {
	if ws.ArtifactPath == "" || ws.ArtifactPath == ws.Path {
		return []string{ws.Path}
	}
	return []string{ws.Path, ws.ArtifactPath}
}

// owned reports whether path belongs to a live workspace.
func (m *Manager) owned(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ws := range m.live {
		if ws.Path == path || ws.ArtifactPath == path {
			return true
		}
	}
	return false
}
