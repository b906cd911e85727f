// Package sandboxtest provides shell-script stand-ins for the compiler and
// sandbox binaries so pipelines can be exercised end to end in tests.
package sandboxtest

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/michaelbrown/pulse/internal/sandbox"
)

// DefaultSandbox runs the submitted source as a shell script. It accepts the
// same flags as the real sandbox and treats the last argument as the path.
const DefaultSandbox = `for a; do src=$a; done
exec /bin/sh "$src"`

// Fixture is a scratch directory with fake collaborators installed.
type Fixture struct {
	Root      string // holds the scripts
	Scratch   string // compiler working directory and workspace directory
	Toolchain *sandbox.Toolchain
}

type options struct {
	compiler string
	sandbox  string
	wrapper  bool
	strict   bool
	timeout  time.Duration
}

// Option customizes a Fixture.
type Option func(*options)

// WithCompiler sets the compiler script body; $1 is the workspace path.
func WithCompiler(body string) Option { return func(o *options) { o.compiler = body } }

// WithSandbox sets the sandbox script body; "$@" are the sandbox arguments.
func WithSandbox(body string) Option { return func(o *options) { o.sandbox = body } }

// WithWrapper installs a pass-through isolation wrapper.
func WithWrapper() Option { return func(o *options) { o.wrapper = true } }

// WithStrictCompile makes a non-zero compiler exit terminal.
func WithStrictCompile() Option { return func(o *options) { o.strict = true } }

// New writes the scripts into t.TempDir and returns a Fixture. Tests using it
// are skipped on Windows.
func New(t testing.TB, opts ...Option) *Fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake collaborators are shell scripts")
	}

	o := options{
		compiler: "exit 0",
		sandbox:  DefaultSandbox,
		timeout:  4 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	root := t.TempDir()
	scratch := filepath.Join(root, "scratch")
	if err := os.Mkdir(scratch, 0o755); err != nil {
		t.Fatalf("creating scratch dir: %v", err)
	}

	policy := sandbox.DefaultPolicy()
	policy.Wrapper = ""
	policy.Binary = writeScript(t, root, "sandbox", o.sandbox)
	policy.Timeout = o.timeout
	policy.KillGrace = 500 * time.Millisecond
	if o.wrapper {
		policy.Wrapper = writeScript(t, root, "wrapper", `exec "$@"`)
	}

	return &Fixture{
		Root:    root,
		Scratch: scratch,
		Toolchain: &sandbox.Toolchain{
			Compiler: sandbox.Compiler{
				Binary:     writeScript(t, root, "pulsec", o.compiler),
				ScratchDir: scratch,
				Strict:     o.strict,
			},
			Policy: policy,
		},
	}
}

// ScratchFiles lists what is left in the scratch directory.
func (f *Fixture) ScratchFiles(t testing.TB) []string {
	t.Helper()
	entries, err := os.ReadDir(f.Scratch)
	if err != nil {
		t.Fatalf("reading scratch dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func writeScript(t testing.TB, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}
