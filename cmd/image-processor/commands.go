package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "image-processor",
		Short: "Image job API and worker",
		Long: "image-processor accepts image jobs over HTTP and runs their transformation chains.\n" +
			"Without a subcommand it runs the API and the worker in one process.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithSignals(cmd.Context(), opts, roleAPI|roleWorker)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config/config.yml", "path to the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run only the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runWithSignals(cmd.Context(), opts, roleAPI)
			},
		},
		&cobra.Command{
			Use:   "work",
			Short: "Run only the job worker",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runWithSignals(cmd.Context(), opts, roleWorker)
			},
		},
	)

	return root
}

func runWithSignals(parent context.Context, opts *options, roles role) error {
	if parent == nil {
		parent = context.Background()
	}

	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, opts.configPath, roles)
}
