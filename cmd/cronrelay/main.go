package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"cronrelay/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		for _, h := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", h)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "cronrelay",
		Short: "Cron scheduler that fires HTTP calls on named jobs",
		Long: `cronrelay keeps a set of named cron jobs in memory and fires an outbound
HTTP request each time a job ticks. Jobs are managed over an authenticated
HTTP API (/jobs/schedule, /jobs/update, /jobs/trigger, /jobs/delete, /jobs/list).

Running without a subcommand is the same as "cronrelay serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfgPath)
		},
	})

	cfgCmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", cfgPath)
			if strings.TrimSpace(cfg.Auth.AccessKey) == "" {
				fmt.Fprintln(out, "warning: auth.access_key is empty; every /jobs request will be rejected")
			}
			return nil
		},
	})
	root.AddCommand(cfgCmd)
	return root
}

func serve(cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return errors.Wrap(err, "start")
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		reason = app.StopReasonFor(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	_ = a.Stop(ctx, reason)

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
