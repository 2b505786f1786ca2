package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chirpline/newsfeed/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "newsfeed",
		Short:         "Newsfeed fan-out workers and operational tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return config.LoadEnvFile(envFile)
		},
	}
	root.PersistentFlags().String("config", "", "path of the YAML config file (env NEWSFEED_CONFIG)")
	root.PersistentFlags().String("env-file", ".env", "env file loaded before the config")
	root.PersistentFlags().String("log-level", "", "trace, debug, info, warn or error")
	root.PersistentFlags().String("log-format", "", "console or json")
	root.AddCommand(
		newMigrateCmd(),
		newWorkerCmd(),
		newFanoutCmd(),
		newTimelineCmd(),
		newRefillCountsCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
