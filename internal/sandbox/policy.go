package sandbox

import (
	"fmt"
	"slices"
	"time"
)

// DiagnosticMessage is the diagnostic for DefaultPolicy. See Policy.Diagnostic.
const DiagnosticMessage = "The program ran unsuccessfully. Please ensure that your code has no errors and can run in the allotted timeout of 4 seconds."

const diagnosticFormat = "The program ran unsuccessfully. Please ensure that your code has no errors and can run in the allotted timeout of %d %s."

// Policy defines how the sandbox collaborator is invoked.
type Policy struct {
	Wrapper          string        // optional isolation wrapper, e.g. /usr/bin/unbuffer
	Binary           string        // sandbox binary, e.g. /usr/bin/firejail
	Timeout          time.Duration // wall-clock limit enforced by the sandbox
	Quiet            bool
	TimeoutExitCodes []int         // sandbox exit codes that mean "timed out"
	KillGrace        time.Duration // how long to wait for output pipes after a kill
}

// DefaultPolicy mirrors the production deployment.
func DefaultPolicy() Policy {
	return Policy{
		Wrapper:          "/usr/bin/unbuffer",
		Binary:           "/usr/bin/firejail",
		Timeout:          4 * time.Second,
		Quiet:            true,
		TimeoutExitCodes: []int{124},
		KillGrace:        2 * time.Second,
	}
}

// Argv returns the full argument vector, program first.
func (p Policy) Argv(path string) []string {
	var argv []string
	if p.Wrapper != "" {
		argv = append(argv, p.Wrapper)
	}
	argv = append(argv, p.Binary)
	if p.Quiet {
		argv = append(argv, "--quiet")
	}
	argv = append(argv, "--timeout="+FormatTimeout(p.Timeout), path)
	return argv
}

// IsTimeoutExit reports whether a sandbox exit means the program was stopped
// for running too long.
func (p Policy) IsTimeoutExit(exitCode int, signaled bool) bool {
	return signaled || slices.Contains(p.TimeoutExitCodes, exitCode)
}

// Diagnostic is sent to the client, once, when the sandbox exits non-zero.
// It names the timeout this policy enforces, in whole seconds rounded up.
func (p Policy) Diagnostic() string {
	secs := timeoutSeconds(p.Timeout)
	unit := "seconds"
	if secs == 1 {
		unit = "second"
	}
	return fmt.Sprintf(diagnosticFormat, secs, unit)
}

func timeoutSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return secs
}

// FormatTimeout renders d as hh:mm:ss, rounding partial seconds up.
func FormatTimeout(d time.Duration) string {
	secs := timeoutSeconds(d)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}
