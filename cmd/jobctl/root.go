package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/iago/download-jobs/internal/app"
	"github.com/iago/download-jobs/internal/config"
)

// environment builds the runtime on first use so that commands which never
// touch the store (bench, help) do not need a valid configuration.
type environment struct {
	cfg     config.Config
	logger  *log.Logger
	runtime *app.Runtime
}

func (e *environment) Runtime(ctx context.Context) (*app.Runtime, error) {
	if e.runtime != nil {
		return e.runtime, nil
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	runtime, err := app.Build(ctx, e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	e.runtime = runtime
	return runtime, nil
}

func (e *environment) Close() {
	if e.runtime != nil {
		e.runtime.Close()
		e.runtime = nil
	}
}

func newRootCmd(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the download job service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			env.Close()
		},
	}

	root.AddCommand(CreateCmd(env))
	root.AddCommand(StatusCmd(env))
	root.AddCommand(CancelCmd(env))
	root.AddCommand(ListCmd(env))
	root.AddCommand(SweepCmd(env))
	root.AddCommand(QueueStatsCmd(env))
	root.AddCommand(WorkerCmd(env))
	root.AddCommand(BenchCmd(env))
	return root
}

func printJSON(w io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}
