// Package main is the entry point for the jobrunner daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobrunner/internal/app"
	"jobrunner/internal/config"
)

// Set by release ldflags.
var version = "dev"

const stopTimeout = 15 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobrunner",
		Short:         "In-process background job scheduler with retries and run history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "./jobrunner.yaml", "path to config file (yaml or json)")
	root.AddCommand(runCmd(), checkConfigCmd(), versionCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler and its maintenance jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			return errors.Join(a.Err(), stopErr)
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if _, err := config.NewManager(cfgPath).Load(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "jobrunner %s\n", version)
		},
	}
}
