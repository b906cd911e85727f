// Package sandbox builds the commands for the two external collaborators of a
// submission: the compiler and the isolation-wrapped sandbox runner.
package sandbox

import (
	"context"
	"os/exec"

	"github.com/michaelbrown/pulse/internal/config"
)

// Stage names used in logs and metrics.
const (
	StageCompile = "compile"
	StageRun     = "run"
)

// Compiler describes the compiler collaborator.
type Compiler struct {
	Binary     string // absolute path
	ScratchDir string // working directory for both stages
	Strict     bool   // treat a non-zero compiler exit as terminal
}

// Toolchain turns a workspace path into ready-to-start commands. Every command
// runs in Compiler.ScratchDir, in its own process group, and is killed as a
// group when its context is cancelled.
type Toolchain struct {
	Compiler Compiler
	Policy   Policy
}

// NewToolchain builds a Toolchain from configuration.
func NewToolchain(c config.CompilerConfig, s config.SandboxConfig) *Toolchain {
	return &Toolchain{
		Compiler: Compiler{
			Binary:     c.Binary,
			ScratchDir: c.ScratchDir,
			Strict:     c.Strict,
		},
		Policy: Policy{
			Wrapper:          s.Wrapper,
			Binary:           s.Binary,
			Timeout:          s.Timeout,
			Quiet:            s.Quiet,
			TimeoutExitCodes: s.TimeoutExitCodes,
			KillGrace:        s.KillGrace,
		},
	}
}

// CompileCommand returns `<compiler> <path>`.
func (t *Toolchain) CompileCommand(ctx context.Context, path string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, t.Compiler.Binary, path)
	t.prepare(cmd)
	return cmd
}

// RunCommand returns `[wrapper] <sandbox> [--quiet] --timeout=HH:MM:SS <path>`.
func (t *Toolchain) RunCommand(ctx context.Context, path string) *exec.Cmd {
	argv := t.Policy.Argv(path)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	t.prepare(cmd)
	return cmd
}

func (t *Toolchain) prepare(cmd *exec.Cmd) {
	cmd.Dir = t.Compiler.ScratchDir
	cmd.WaitDelay = t.Policy.KillGrace
	setProcessGroup(cmd)
}
