// Package orchestrator drives a submission through its workspace, the
// compile stage and the sandboxed run stage, emitting events as it goes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/pulse/internal/logger"
	"github.com/michaelbrown/pulse/internal/metrics"
	"github.com/michaelbrown/pulse/internal/relay"
	"github.com/michaelbrown/pulse/internal/sandbox"
	"github.com/michaelbrown/pulse/internal/workspace"
)

// Result summarizes a finished submission.
type Result struct {
	ID          string
	WorkspaceID string
	State       State
	Path        []State // every state visited, Idle first
	Compile     *relay.Outcome
	Run         *relay.Outcome
	Err         error // workspace or spawn failure, if any
	Duration    time.Duration
}

// Orchestrator runs submissions. It holds no per-submission state and is safe
// for concurrent use.
type Orchestrator struct {
	workspaces *workspace.Manager
	toolchain  *sandbox.Toolchain
	log        zerolog.Logger
}

// New creates an Orchestrator.
func New(workspaces *workspace.Manager, toolchain *sandbox.Toolchain) *Orchestrator {
	return &Orchestrator{
		workspaces: workspaces,
		toolchain:  toolchain,
		log:        logger.With("orchestrator"),
	}
}

// Submit materializes sub.Source as a workspace and executes it. If the
// workspace cannot be created a single stderr event is emitted and the
// result is Rejected.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission, sink Sink) Result {
	ws, err := o.workspaces.Create(sub.Source)
	if err != nil {
		o.log.Error().Err(err).Str("submission", sub.ID).Msg("creating workspace")
		sink.Emit(Event{Tag: TagStderr, Payload: WorkspaceFailureMessage})
		metrics.SubmissionsTotal.WithLabelValues(string(Rejected)).Inc()
		return Result{
			ID:    sub.ID,
			State: Rejected,
			Path:  []State{Idle, Rejected},
			Err:   err,
		}
	}
	return o.Execute(ctx, sub, ws, sink)
}

// Execute compiles and runs ws, streaming output to sink. ws is released
// before Execute returns, whatever the outcome. Cancelling ctx kills the
// stage in progress and skips any later one.
func (o *Orchestrator) Execute(ctx context.Context, sub Submission, ws *workspace.Workspace, sink Sink) (res Result) {
	log := o.log.With().Str("submission", sub.ID).Str("workspace", ws.ID).Logger()
	m := newMachine()
	start := time.Now()

	metrics.ActiveSubmissions.Inc()
	defer func() {
		// A workspace that cannot be removed is reported to the client and
		// on the result; the state still describes what the code did.
		if err := o.workspaces.Release(ws); err != nil {
			log.Error().Err(err).Msg("releasing workspace")
			sink.Emit(Event{Tag: TagStderr, Payload: WorkspaceFailureMessage})
			if res.Err == nil {
				res.Err = err
			}
		}
		metrics.ActiveSubmissions.Dec()

		res.State = m.state
		res.Path = m.path
		res.Duration = time.Since(start)
		metrics.SubmissionsTotal.WithLabelValues(string(res.State)).Inc()
		log.Info().Str("state", string(res.State)).Dur("duration", res.Duration).Msg("submission finished")
	}()

	res = Result{ID: sub.ID, WorkspaceID: ws.ID}
	advance := func(next State) {
		if err := m.advance(next); err != nil {
			log.Error().Err(err).Msg("state machine")
		}
	}

	// Compile. Diagnostics reach the client on the same channels as program
	// output; only a spawn failure (or strict mode) stops the pipeline.
	advance(Compiling)
	out, err := o.stage(ctx, sandbox.StageCompile, o.toolchain.CompileCommand(ctx, ws.Path), sink, log)
	if err == nil {
		res.Compile = &out
	}
	next := afterCompile(out, err, ctx.Err() != nil, o.toolchain.Compiler.Strict)
	advance(next)
	switch next {
	case Cancelled:
		return res
	case CompileFailed:
		if err != nil {
			res.Err = err
			sink.Emit(Event{Tag: TagStderr, Payload: CompilerSpawnMessage})
		} else {
			sink.Emit(Event{Tag: TagStderr, Payload: fmt.Sprintf("compilation failed with %s", out)})
		}
		return res
	}

	if ctx.Err() != nil {
		advance(Cancelled)
		return res
	}
	sink.Emit(Event{Tag: TagSeparator, Payload: Separator})

	// Run.
	advance(Running)
	out, err = o.stage(ctx, sandbox.StageRun, o.toolchain.RunCommand(ctx, ws.Path), sink, log)
	if err == nil {
		res.Run = &out
	}
	next = afterRun(out, err, ctx.Err() != nil, o.toolchain.Policy)
	advance(next)
	switch next {
	case RunFailed, TimedOut:
		if err != nil {
			res.Err = err
			sink.Emit(Event{Tag: TagStderr, Payload: SandboxSpawnMessage})
		} else {
			sink.Emit(Event{Tag: TagStderr, Payload: o.toolchain.Policy.Diagnostic()})
		}
	}
	return res
}

func (o *Orchestrator) stage(ctx context.Context, name string, cmd *exec.Cmd, sink Sink, log zerolog.Logger) (relay.Outcome, error) {
	log.Debug().Str("stage", name).Strs("argv", cmd.Args).Msg("starting stage")

	out, err := relay.Run(cmd,
		func(p []byte) {
			metrics.OutputBytes.WithLabelValues("stdout").Add(float64(len(p)))
			sink.Emit(Event{Tag: TagStdout, Payload: string(p)})
		},
		func(p []byte) {
			metrics.OutputBytes.WithLabelValues("stderr").Add(float64(len(p)))
			sink.Emit(Event{Tag: TagStderr, Payload: string(p)})
		},
	)
	if err != nil {
		var spawnErr *relay.SpawnError
		if errors.As(err, &spawnErr) && ctx.Err() == nil {
			metrics.SpawnErrors.WithLabelValues(name).Inc()
		}
		if ctx.Err() == nil {
			log.Error().Err(err).Str("stage", name).Msg("stage failed to run")
		}
		return out, err
	}

	metrics.StageDuration.WithLabelValues(name).Observe(out.Duration.Seconds())
	log.Debug().
		Str("stage", name).
		Str("exit", out.String()).
		Dur("duration", out.Duration).
		Msg("stage exited")
	return out, nil
}
