package main

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/pulse/internal/orchestrator"
	"github.com/michaelbrown/pulse/internal/sandbox"
	"github.com/michaelbrown/pulse/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/pulse/internal/workspace"
)

func newRunner(t *testing.T) *runner {
	t.Helper()
	f := sandboxtest.New(t)
	m, err := workspace.NewManager(f.Scratch, "pulse-", "")
	require.NoError(t, err)
	return &runner{orch: orchestrator.New(m, f.Toolchain), maxSource: 1024, timeout: f.Toolchain.Policy.Timeout}
}

func call(t *testing.T, r *runner, args any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = "pulse_run"
	req.Params.Arguments = args

	res, err := r.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestRunToolSuccess(t *testing.T) {
	text, isErr := call(t, newRunner(t), map[string]any{"code": "echo hi\n"})
	assert.False(t, isErr)
	assert.Equal(t, "hi\nstate: RunSucceeded", text)
}

func TestRunToolFailure(t *testing.T) {
	text, isErr := call(t, newRunner(t), map[string]any{"code": "echo out\necho bad >&2\nexit 2\n"})
	assert.True(t, isErr)
	assert.Equal(t, "out\nSTDERR:\nbad\n"+sandbox.DiagnosticMessage+"\nstate: RunFailed", text)
}

func TestRunToolBadArguments(t *testing.T) {
	r := newRunner(t)

	text, isErr := call(t, r, "not an object")
	assert.True(t, isErr)
	assert.Contains(t, text, "invalid arguments")

	text, isErr = call(t, r, map[string]any{})
	assert.True(t, isErr)
	assert.Contains(t, text, "'code' is required")

	text, isErr = call(t, r, map[string]any{"code": strings.Repeat("#", 2000)})
	assert.True(t, isErr)
	assert.Contains(t, text, "limit")
}

func TestRunToolTruncates(t *testing.T) {
	text, isErr := call(t, newRunner(t), map[string]any{
		"code": `i=0; while [ $i -lt 1000 ]; do echo "0123456789"; i=$((i+1)); done`,
	})
	assert.False(t, isErr)
	assert.Contains(t, text, "(output truncated)")
	assert.True(t, strings.HasSuffix(text, "state: RunSucceeded"))
}

func TestRunToolTruncatesOnRuneBoundary(t *testing.T) {
	// One ASCII byte shifts the two-byte runes so the cut lands mid-rune.
	text, isErr := call(t, newRunner(t), map[string]any{
		"code": `printf 'a'; i=0; while [ $i -lt 2500 ]; do printf '\303\251'; i=$((i+1)); done`,
	})
	assert.False(t, isErr)
	assert.Contains(t, text, "(output truncated)")
	assert.True(t, utf8.ValidString(text))
	assert.True(t, strings.HasPrefix(text, "aé"))
}

func TestRunToolSchema(t *testing.T) {
	tool := runTool(4 * time.Second)
	assert.Equal(t, "pulse_run", tool.Name)
	assert.Equal(t, []string{"code"}, tool.InputSchema.Required)
	assert.Contains(t, tool.Description, "4s time limit")

	assert.Contains(t, runTool(10*time.Second).Description, "10s time limit")
}

func TestRunToolOverProtocol(t *testing.T) {
	ctx := context.Background()
	c, err := client.NewInProcessClient(newServer(newRunner(t)))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "pulse-test", Version: "0.1.0"},
		},
	})
	require.NoError(t, err)

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "pulse_run", tools.Tools[0].Name)

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "pulse_run",
			Arguments: map[string]any{"code": "echo over the wire\n"},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "over the wire\nstate: RunSucceeded", text.Text)
}
