package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8005, cfg.Server.Port)
	assert.Equal(t, "/bin/pulsec", cfg.Compiler.Binary)
	assert.False(t, cfg.Compiler.Strict)
	assert.Equal(t, "/usr/bin/unbuffer", cfg.Sandbox.Wrapper)
	assert.Equal(t, "/usr/bin/firejail", cfg.Sandbox.Binary)
	assert.Equal(t, 4*time.Second, cfg.Sandbox.Timeout)
	assert.True(t, cfg.Sandbox.Quiet)
	assert.Equal(t, []int{124}, cfg.Sandbox.TimeoutExitCodes)
	assert.Equal(t, "pulse-", cfg.Workspace.Prefix)
	assert.True(t, filepath.IsAbs(cfg.Workspace.Dir))
	assert.Equal(t, "info", cfg.Log.Level)

	// The sweeper deletes by prefix and age, so the defaults must not be the
	// shared temp directory itself.
	assert.Equal(t, DefaultDir(), cfg.Workspace.Dir)
	assert.Equal(t, DefaultDir(), cfg.Compiler.ScratchDir)
	assert.NotEqual(t, filepath.Clean(os.TempDir()), cfg.Workspace.Dir)
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		Workspace: WorkspaceConfig{Dir: filepath.Join(root, "ws", "nested")},
		Compiler:  CompilerConfig{ScratchDir: filepath.Join(root, "scratch")},
	}
	require.NoError(t, cfg.EnsureDirs())
	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.Workspace.Dir, cfg.Compiler.ScratchDir} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}

	blocker := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Workspace.Dir = filepath.Join(blocker, "ws")
	assert.Error(t, cfg.EnsureDirs())
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
compiler:
  binary: /opt/pulse/bin/pulsec
  strict: true
sandbox:
  wrapper: ""
  timeout: 2s
  timeout_exit_codes: [124, 137]
workspace:
  max_age: 30m
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/opt/pulse/bin/pulsec", cfg.Compiler.Binary)
	assert.True(t, cfg.Compiler.Strict)
	assert.Equal(t, "", cfg.Sandbox.Wrapper)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, []int{124, 137}, cfg.Sandbox.TimeoutExitCodes)
	assert.Equal(t, 30*time.Minute, cfg.Workspace.MaxAge)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("PULSE_SERVER_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsRelativePaths(t *testing.T) {
	path := writeConfig(t, `
compiler:
  binary: pulsec
  scratch_dir: tmp
sandbox:
  wrapper: unbuffer
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiler.binary")
	assert.Contains(t, err.Error(), "compiler.scratch_dir")
	assert.Contains(t, err.Error(), "sandbox.wrapper")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:    ServerConfig{Port: 1, MaxSourceBytes: 10},
			Compiler:  CompilerConfig{Binary: "/bin/true", ScratchDir: "/tmp"},
			Sandbox:   SandboxConfig{Binary: "/bin/true", Timeout: time.Second},
			Workspace: WorkspaceConfig{Dir: "/tmp", Prefix: "p-"},
		}
	}

	cfg := base()
	assert.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Sandbox.Timeout = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Workspace.Prefix = "a/b"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Server.MaxSourceBytes = 0
	assert.Error(t, cfg.Validate())
}
