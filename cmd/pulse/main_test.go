package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/pulse/internal/config"
	"github.com/michaelbrown/pulse/internal/orchestrator"
)

func TestWsURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8005":      "ws://localhost:8005/ws",
		"https://example.com/pulse/": "wss://example.com/pulse/ws",
		"ws://10.0.0.1:9000":         "ws://10.0.0.1:9000/ws",
	}
	for in, want := range cases {
		got, err := wsURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := wsURL("ftp://example.com")
	assert.Error(t, err)
}

func TestAPIURL(t *testing.T) {
	got, err := apiURL("http://localhost:8005", "sessions", "abc")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8005/api/sessions/abc", got)
}

func TestDisplayRoutesEvents(t *testing.T) {
	var out, errOut bytes.Buffer
	d := &display{out: &out, errOut: &errOut}

	d.Emit(orchestrator.Event{Tag: orchestrator.TagStderr, Payload: "warn\n"})
	d.Emit(orchestrator.Event{Tag: orchestrator.TagSeparator, Payload: orchestrator.Separator})
	d.Emit(orchestrator.Event{Tag: orchestrator.TagStdout, Payload: "hi\n"})

	assert.Equal(t, "hi\n", out.String())
	assert.Equal(t, "warn\n"+rule+"\n", errOut.String())
	assert.NotContains(t, errOut.String(), "<hr")
}

func TestReadSource(t *testing.T) {
	src, err := readSource(strings.NewReader("from stdin"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", src)

	src, err = readSource(strings.NewReader("dash"), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "dash", src)

	path := filepath.Join(t.TempDir(), "prog.pulse")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o644))
	src, err = readSource(nil, []string{path})
	require.NoError(t, err)
	assert.Equal(t, "from file", src)

	_, err = readSource(nil, []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestNewPipelineCreatesDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{Dir: filepath.Join(root, "pulse"), Prefix: "pulse-"},
		Compiler:  config.CompilerConfig{Binary: "/bin/true", ScratchDir: filepath.Join(root, "pulse", "out")},
	}

	_, m, err := newPipeline(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Workspace.Dir, m.Dir())
	assert.DirExists(t, cfg.Workspace.Dir)
	assert.DirExists(t, cfg.Compiler.ScratchDir)

	ws, err := m.Create("echo hi\n")
	require.NoError(t, err)
	assert.Equal(t, cfg.Workspace.Dir, filepath.Dir(ws.Path))
	require.NoError(t, m.Release(ws))
}

func TestColorOutputOnlyForTerminals(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	assert.False(t, colorOutput(w))

	f, err := os.Create(filepath.Join(t.TempDir(), "log"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, colorOutput(f))

	// /dev/null is a character device but not a terminal.
	null, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer null.Close()
	assert.False(t, colorOutput(null))
}

func TestClientCommands(t *testing.T) {
	var out, errOut bytes.Buffer
	s := &session{d: &display{out: &out, errOut: &errOut}}

	s.appendLine(`print "a"`)
	s.appendLine(`print "b"`)

	quit, err := s.command("/show")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, errOut.String(), "print \"a\"\nprint \"b\"")

	path := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(path, []byte("loaded"), 0o644))
	_, err = s.command("/load " + path)
	require.NoError(t, err)
	assert.Equal(t, "loaded", s.buffer.String())

	_, err = s.command("/clear")
	require.NoError(t, err)
	assert.Empty(t, s.buffer.String())

	// Nothing to send, so no connection is needed.
	_, err = s.command("/run")
	require.NoError(t, err)
	_, err = s.command("/cancel")
	require.NoError(t, err)

	s.handleFrame(clientFrame{Type: "accepted", ID: "1234567890"})
	assert.Equal(t, "1234567890", s.last)
	assert.Contains(t, errOut.String(), "[12345678] accepted")

	quit, err = s.command("/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}
