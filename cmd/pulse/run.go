package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/michaelbrown/pulse/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Compile and run one program locally",
	Long: `Run a single submission through the same pipeline the server uses.

Program output is streamed to stdout and stderr as it is produced. The command
exits non-zero unless the program compiled and ran successfully. Ctrl+C
cancels the run and kills the sandboxed process.

Examples:
  pulse run hello.pulse
  echo 'print "hi"' | pulse run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	if len(source) > cfg.Server.MaxSourceBytes {
		return fmt.Errorf("source is %d bytes; the limit is %d", len(source), cfg.Server.MaxSourceBytes)
	}

	runner, _, err := newPipeline(cfg)
	if err != nil {
		return fmt.Errorf("preparing workspaces: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &display{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), color: colorOutput(os.Stderr)}
	res := runner.Submit(ctx, orchestrator.NewSubmission(source), d)
	if !res.State.Succeeded() {
		return fmt.Errorf("submission %s ended in %s", shortID(res.ID), res.State)
	}
	return nil
}

// readSource reads the program from the named file, or from stdin when the
// argument is missing or "-".
func readSource(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

// colorOutput reports whether diagnostics written to f should be colored.
func colorOutput(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
