package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/devlink/pkg/devlink/config"
	"go.uber.org/zap"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server [config-files-or-directories...]",
	Short: "Start the devlink server",
	Long: `Start the devlink server with the specified configuration files or directories.

HCL files are loaded from the given paths; directories are searched for *.hcl
files. With no arguments the server starts with default settings, listening on
:8081 with the message bus at /message and the debugger tunnel at
/debugger-proxy.

Examples:
  devlink server
  devlink server devlink.hcl
  devlink server ./configs/
  devlink server base.hcl ./local-overrides/`,
	Args: cobra.ArbitraryArgs,
	RunE: runServer,
}

var (
	listenOverride  string
	shutdownTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&listenOverride, "listen", "", "override the configured listen address")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to wait for connections to close on shutdown")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting devlink server",
		zap.String("version", Version),
		zap.Strings("config_paths", args),
		zap.String("log_level", resolveLevel().String()),
	)

	cfg, diags := config.NewConfig().
		WithLogger(logger).
		WithSources(stringSliceToAnySlice(args)...).
		Build()

	if diags.HasErrors() {
		logger.Error("Failed to build config", zap.Error(diags))
		return diags
	}

	if listenOverride != "" {
		cfg.Server.Listen = listenOverride
	}

	host, err := config.NewHost(cfg).WithVersion(Version).Build()
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go host.WatchSignals(ctx)

	served := make(chan error, 1)
	go func() { served <- host.Start() }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
		logger.Info("Signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := host.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}

	return <-served
}
