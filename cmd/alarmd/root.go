package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"alarmd/internal/app"
	"alarmd/pkg/systemd"
)

const stopTimeout = 10 * time.Second

type options struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "alarmd",
		Short: "Event-driven alarm clock daemon.",
		Long: `alarmd wakes you up by starting music on a playback device at the
configured time of day. Without a subcommand it runs the daemon.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFile(opts.envFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to settings file (yaml or json)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with secrets; missing file is ignored")

	root.AddCommand(
		newRunCmd(opts),
		newNextCmd(opts),
		newSetCmd(opts),
		newValidateCmd(opts),
		newAuthCmd(opts),
		newServiceStatusCmd(),
	)
	return root
}

// loadEnvFile exports the dotenv entries that are not already set in the
// environment.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
}

func runDaemon(parent context.Context, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := app.NewApp(opts.configPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	_, _ = systemd.Ready()
	go func() {
		healthy := func() bool { return a.Scheduler().Snapshot().Running }
		_ = systemd.Watchdog(ctx, healthy)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
wait:
	for {
		select {
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				_, _ = systemd.Reloading()
				if _, err := a.Reload(ctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
				_, _ = systemd.Ready()
				continue
			case syscall.SIGINT:
				reason = app.StopSIGINT
			default:
				reason = app.StopSIGTERM
			}
			break wait
		case <-a.Done():
			reason = app.StopFatalError
			break wait
		case <-parent.Done():
			break wait
		}
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	cancel()

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
