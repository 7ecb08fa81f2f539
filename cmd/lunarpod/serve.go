package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/lunarpod"
)

const shutdownTimeout = 30 * time.Second

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Start the lunarpod daemon",
		Long: `Start the daemon serving the pod bay over HTTP.
Without a config file the defaults and LUNARPOD_* environment variables apply.

Examples:
  lunarpod serve                        # Defaults plus environment
  lunarpod serve lunarpod.toml          # Start with specific config file
  lunarpod serve --daemonize --pidfile /run/lunarpod.pid --logfile /var/log/lunarpod.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout(), path, serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")

	return cmd
}

// runServe blocks until ctx is done, then shuts the daemon down.
func runServe(ctx context.Context, w io.Writer, configPath string, flags *ServeFlags) error {
	cfg, err := lunarpod.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(w, flags.PidFile, flags.LogFile)
	}
	if err := checkPidFile(flags.PidFile); err != nil {
		return err
	}

	d, err := lunarpod.NewDaemon(cfg)
	if err != nil {
		return err
	}
	if _, err := d.Start(ctx); err != nil {
		_ = d.Shutdown(context.Background())
		return err
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			d.Logger().Warn("write pid file", "path", flags.PidFile, "error", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	<-ctx.Done()
	d.Logger().Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Shutdown(sctx)
}
