// Command pulse-runner serves the compile-and-run pipeline as an MCP tool over
// stdio. Configuration comes from PULSE_CONFIG (a file path) and the usual
// PULSE_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/pulse/internal/config"
	"github.com/michaelbrown/pulse/internal/logger"
	"github.com/michaelbrown/pulse/internal/orchestrator"
	"github.com/michaelbrown/pulse/internal/sandbox"
	"github.com/michaelbrown/pulse/internal/workspace"
)

const maxOutput = 4000

func main() {
	cfg, err := config.Load(os.Getenv("PULSE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the protocol; logs go to stderr or the configured file.
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "preparing workspaces: %v\n", err)
		os.Exit(1)
	}
	m, err := workspace.NewManager(cfg.Workspace.Dir, cfg.Workspace.Prefix, cfg.Compiler.ScratchDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preparing workspaces: %v\n", err)
		os.Exit(1)
	}
	tc := sandbox.NewToolchain(cfg.Compiler, cfg.Sandbox)
	r := &runner{
		orch:      orchestrator.New(m, tc),
		maxSource: cfg.Server.MaxSourceBytes,
		timeout:   tc.Policy.Timeout,
	}

	if err := server.ServeStdio(newServer(r)); err != nil {
		log := logger.Get()
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

func newServer(r *runner) *server.MCPServer {
	s := server.NewMCPServer("pulse-runner", "0.1.0")
	s.AddTool(runTool(r.timeout), r.handleRun)
	return s
}

func runTool(timeout time.Duration) mcp.Tool {
	return mcp.Tool{
		Name: "pulse_run",
		Description: fmt.Sprintf("Compile a program and run it in a sandbox with a %s time limit. ", timeout) +
			"Returns everything the compiler and the program printed, and the final state.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to compile and run",
				},
			},
			Required: []string{"code"},
		},
	}
}

type runner struct {
	orch      *orchestrator.Orchestrator
	maxSource int
	timeout   time.Duration
}

// transcript accumulates a submission's output per stream.
type transcript struct {
	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

func (t *transcript) Emit(e orchestrator.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.Tag {
	case orchestrator.TagStdout:
		t.stdout.WriteString(e.Payload)
	case orchestrator.TagStderr:
		t.stderr.WriteString(e.Payload)
	}
}

func (r *runner) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	code, _ := args["code"].(string)
	if code == "" {
		return errResult("error: 'code' is required"), nil
	}
	if len(code) > r.maxSource {
		return errResult(fmt.Sprintf("error: source is %d bytes; the limit is %d", len(code), r.maxSource)), nil
	}

	var t transcript
	res := r.orch.Submit(ctx, orchestrator.NewSubmission(code), &t)

	var output strings.Builder
	output.WriteString(t.stdout.String())
	if t.stderr.Len() > 0 {
		if output.Len() > 0 && !strings.HasSuffix(output.String(), "\n") {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + t.stderr.String())
	}
	if output.Len() > 0 && !strings.HasSuffix(output.String(), "\n") {
		output.WriteString("\n")
	}
	output.WriteString("state: " + string(res.State))

	text := output.String()
	if len(text) > maxOutput {
		cut := maxOutput
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n... (output truncated)\nstate: " + string(res.State)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: !res.State.Succeeded(),
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
