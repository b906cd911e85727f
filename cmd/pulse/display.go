package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/michaelbrown/pulse/internal/orchestrator"
)

const rule = "────────────────────────────────────────"

// display renders submission events on a terminal. Program stdout goes to out
// unchanged; everything else goes to errOut.
type display struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	color  bool
}

// Emit makes display an orchestrator.Sink.
func (d *display) Emit(e orchestrator.Event) {
	d.event(string(e.Tag), e.Payload)
}

func (d *display) event(tag, payload string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch orchestrator.Tag(tag) {
	case orchestrator.TagStdout:
		io.WriteString(d.out, payload)
	case orchestrator.TagStderr:
		if d.color {
			fmt.Fprintf(d.errOut, "\033[31m%s\033[0m", payload)
		} else {
			io.WriteString(d.errOut, payload)
		}
	case orchestrator.TagSeparator:
		// The payload is markup meant for the browser client.
		d.dim(rule + "\n")
	default:
		d.dim(fmt.Sprintf("[%s] %s\n", tag, payload))
	}
}

// status prints a one-line note about the session itself.
func (d *display) status(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dim(fmt.Sprintf(format, args...) + "\n")
}

func (d *display) dim(s string) {
	if d.color {
		fmt.Fprintf(d.errOut, "\033[90m%s\033[0m", s)
		return
	}
	io.WriteString(d.errOut, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
