package orchestrator

import (
	"fmt"
	"slices"

	"github.com/michaelbrown/pulse/internal/relay"
	"github.com/michaelbrown/pulse/internal/sandbox"
)

// State is a submission's position in the pipeline.
type State string

const (
	Idle             State = "Idle"
	Compiling        State = "Compiling"
	CompileFailed    State = "CompileFailed"
	CompileSucceeded State = "CompileSucceeded"
	Running          State = "Running"
	RunSucceeded     State = "RunSucceeded"
	RunFailed        State = "RunFailed"
	TimedOut         State = "TimedOut"
	Cancelled        State = "Cancelled"
	Rejected         State = "Rejected" // no workspace could be created
)

var transitions = map[State][]State{
	Idle:             {Compiling, Rejected},
	Compiling:        {CompileSucceeded, CompileFailed, Cancelled},
	CompileSucceeded: {Running, Cancelled},
	Running:          {RunSucceeded, RunFailed, TimedOut, Cancelled},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Succeeded reports whether the submitted program ran and exited zero.
func (s State) Succeeded() bool { return s == RunSucceeded }

// machine records the path a submission takes and rejects illegal moves.
type machine struct {
	state State
	path  []State
}

func newMachine() *machine {
	return &machine{state: Idle, path: []State{Idle}}
}

func (m *machine) advance(next State) error {
	if !slices.Contains(transitions[m.state], next) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, next)
	}
	m.state = next
	m.path = append(m.path, next)
	return nil
}

// afterCompile decides the state that follows the compiler's exit. The exit
// code is deliberately ignored unless strict is set: the compiler's
// diagnostics have already been relayed and the sandbox stage runs anyway.
func afterCompile(out relay.Outcome, err error, cancelled, strict bool) State {
	switch {
	case cancelled && (err != nil || !out.Success()):
		return Cancelled
	case err != nil:
		return CompileFailed
	case strict && !out.Success():
		return CompileFailed
	default:
		return CompileSucceeded
	}
}

// afterRun classifies the sandbox's exit.
func afterRun(out relay.Outcome, err error, cancelled bool, policy sandbox.Policy) State {
	switch {
	case cancelled && (err != nil || !out.Success()):
		return Cancelled
	case err != nil:
		return RunFailed
	case out.Success():
		return RunSucceeded
	case policy.IsTimeoutExit(out.ExitCode, out.Signaled):
		return TimedOut
	default:
		return RunFailed
	}
}
