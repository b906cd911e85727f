// Package relay runs a child process and forwards its stdout and stderr to
// callbacks chunk by chunk as the bytes arrive.
package relay

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"
)

// SpawnError means the child process could not be started at all.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Outcome is the exit status of a child whose output has been fully drained.
type Outcome struct {
	ExitCode int // -1 when signaled
	Signaled bool
	Signal   string // e.g. "killed"; empty unless Signaled
	Duration time.Duration
}

// Success reports a zero exit that was not caused by a signal.
func (o Outcome) Success() bool {
	return o.ExitCode == 0 && !o.Signaled
}

func (o Outcome) String() string {
	if o.Signaled {
		return "signal: " + o.Signal
	}
	return fmt.Sprintf("exit status %d", o.ExitCode)
}

// ChunkFunc receives one non-empty chunk of output. The slice is only valid for
// the duration of the call. Stdout and stderr callbacks run on different
// goroutines and may be called concurrently with each other, never with
// themselves.
type ChunkFunc func(chunk []byte)

// Run starts cmd, streams its output to onStdout and onStderr, and returns once
// the process has exited and both streams have reached end-of-stream. cmd must
// not have Stdout or Stderr set. A start failure is returned as *SpawnError and
// no callback fires.
//
// Cancellation is whatever cmd carries: build it with exec.CommandContext and
// set Cancel/WaitDelay as needed.
func Run(cmd *exec.Cmd, onStdout, onStderr ChunkFunc) (Outcome, error) {
	if cmd.Stdout != nil || cmd.Stderr != nil {
		return Outcome{}, errors.New("relay: command output already attached")
	}

	stdout := newChunkWriter(onStdout)
	stderr := newChunkWriter(onStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, &SpawnError{Binary: cmd.Path, Err: err}
	}

	// Wait returns only after the copying goroutines for both pipes are done
	// (or WaitDelay expires), so every chunk has been delivered by now.
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	if cmd.ProcessState == nil {
		return Outcome{}, fmt.Errorf("waiting for %s: %w", cmd.Path, waitErr)
	}
	out := outcomeOf(cmd.ProcessState.Sys(), cmd.ProcessState.ExitCode())
	out.Duration = time.Since(start)
	return out, nil
}

func outcomeOf(sys any, exitCode int) Outcome {
	out := Outcome{ExitCode: exitCode}
	if ws, ok := sys.(syscall.WaitStatus); ok && ws.Signaled() {
		out.Signaled = true
		out.Signal = ws.Signal().String()
		out.ExitCode = -1
	}
	return out
}

// chunkWriter forwards each Write as one chunk. A multi-byte UTF-8 sequence
// cut by a pipe read boundary is held back and prepended to the next chunk.
type chunkWriter struct {
	mu      sync.Mutex
	fn      ChunkFunc
	pending []byte
}

func newChunkWriter(fn ChunkFunc) *chunkWriter {
	if fn == nil {
		fn = func([]byte) {}
	}
	return &chunkWriter{fn: fn}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := p
	if len(w.pending) > 0 {
		buf = append(w.pending, p...)
		w.pending = nil
	}
	head, tail := splitIncompleteRune(buf)
	if len(tail) > 0 {
		w.pending = append([]byte(nil), tail...)
	}
	if len(head) > 0 {
		w.fn(head)
	}
	return len(p), nil
}

func (w *chunkWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.fn(w.pending)
		w.pending = nil
	}
}

// splitIncompleteRune splits off a trailing, possibly incomplete UTF-8
// sequence. Invalid bytes are never held back.
func splitIncompleteRune(b []byte) (head, tail []byte) {
	// A rune is at most utf8.UTFMax bytes, so only the last few can be partial.
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b, nil // ASCII: everything before is complete
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return b[:len(b)-i], b[len(b)-i:]
			}
			return b, nil
		}
	}
	return b, nil
}
