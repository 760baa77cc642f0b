// Command citedrop is the operator CLI: it inspects deposits, triggers batch
// and archival runs, checks submissions offline and manages the dev stack.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/CiteDrop/internal/app"
	"github.com/dharsanguruparan/CiteDrop/internal/config"
	"github.com/dharsanguruparan/CiteDrop/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand(&cliContext{})
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "citedrop: %v\n", err)
		os.Exit(1)
	}
}

// cliContext lazily builds the application so commands that never touch the
// store (validate, stack) start without one.
type cliContext struct {
	jsonOutput bool
	logLevel   string
	app        *app.App
}

func (c *cliContext) open(ctx context.Context) (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	logger, err := logging.New(logging.Options{Level: level, Format: cfg.LogFormat, Output: os.Stderr})
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cliContext) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

func newRootCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "citedrop",
		Short: "CiteDrop operator CLI",
		Long: `citedrop inspects crowdsourced citation deposits, triggers batch ingestion and
archival runs, checks submissions offline and drives the local docker compose stack.`,
		SilenceUsage: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			cli.close()
		},
	}
	cmd.PersistentFlags().BoolVar(&cli.jsonOutput, "json", false, "Print machine-readable JSON")
	cmd.PersistentFlags().StringVar(&cli.logLevel, "log-level", "", "Override CITEDROP_LOG_LEVEL")
	cmd.AddCommand(
		newDepositsCmd(cli),
		newBatchCmd(cli),
		newArchiveCmd(cli),
		newNoticesCmd(cli),
		newValidateCmd(cli),
		newRosterCmd(cli),
		newStackCmd(),
	)
	return cmd
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
