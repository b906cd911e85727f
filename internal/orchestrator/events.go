package orchestrator

import "github.com/google/uuid"

// Tag identifies the channel an Event is delivered on.
type Tag string

const (
	TagStdout    Tag = "out"
	TagStderr    Tag = "err"
	TagSeparator Tag = "html"
)

// Separator is the markup emitted between the compile and run stages.
const Separator = "\n<hr />\n"

// Messages sent on TagStderr when the pipeline itself fails.
const (
	WorkspaceFailureMessage = "The server could not prepare your program for execution. Please try again."
	CompilerSpawnMessage    = "The server could not start the compiler. Please try again later."
	SandboxSpawnMessage     = "The server could not start the program sandbox. Please try again later."
)

// Event is one unit of output for the client.
type Event struct {
	Tag     Tag    `json:"type"`
	Payload string `json:"content"`
}

// Sink receives a submission's events in order. Stdout and stderr events may
// arrive from different goroutines, so implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Submission is one request to compile and run source text.
type Submission struct {
	ID     string
	Source string
}

// NewSubmission allocates an ID for source.
func NewSubmission(source string) Submission {
	return Submission{ID: uuid.New().String(), Source: source}
}
