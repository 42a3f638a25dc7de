package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dirmirror/pathwatch/internal/config"
	"github.com/dirmirror/pathwatch/internal/coordinator"
	"github.com/dirmirror/pathwatch/internal/hasher"
	"github.com/dirmirror/pathwatch/internal/scanner"
	"github.com/dirmirror/pathwatch/internal/store"
	"github.com/dirmirror/pathwatch/internal/watch"
	"github.com/dirmirror/pathwatch/internal/watch/rawevent"
)

// version is set at build time via ldflags.
var version = "dev"

// flagConfigPath is the --config persistent flag, bound in newRootCmd.
var flagConfigPath string

// newRootCmd builds the single long-running daemon command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pathwatchd",
		Short:   "Filesystem-mirroring index daemon",
		Long:    "pathwatchd mirrors a set of directory trees into a content-fingerprinted index, kept live via kernel filesystem events and repaired by reconciliation scans at startup and when new directories appear.",
		Version: version,

		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: runDaemon,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")

	return cmd
}

// resolveConfigPath applies the same override order as the rest of the
// ambient config stack: --config, then PATHWATCHD_CONFIG, then the
// platform default.
func resolveConfigPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if env := os.Getenv(config.EnvConfig); env != "" {
		return env
	}

	return config.DefaultConfigPath()
}

// bootstrapLogger is used before the config file's log level is known.
func bootstrapLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// buildLogger creates the final logger once the config's log level is
// resolved.
func buildLogger(level string) *slog.Logger {
	var slogLevel slog.Level

	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}

// runDaemon loads configuration, opens the index, wires the six
// coordinating components together, and runs until a shutdown signal.
func runDaemon(cmd *cobra.Command, _ []string) error {
	bootLogger := bootstrapLogger()

	path := resolveConfigPath()
	if path == "" {
		return fmt.Errorf("no config path available; set --config or %s", config.EnvConfig)
	}

	if err := config.WriteDefault(path); err != nil {
		bootLogger.Warn("failed to write default config file", "path", path, "error", err)
	}

	cfg, err := config.Load(path, bootLogger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg.Logging.Level)
	logger.Info("configuration loaded", "path", path, "roots", cfg.Roots, "db_path", cfg.DBPath)

	moveDelay, err := time.ParseDuration(cfg.Watch.MoveResolutionDelay)
	if err != nil {
		return fmt.Errorf("parsing watch.move_resolution_delay: %w", err)
	}

	idx, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}

	if err := seedRoots(cmd.Context(), idx, cfg.Roots, logger); err != nil {
		return err
	}

	source, err := rawevent.Open()
	if err != nil {
		return fmt.Errorf("opening kernel watch source: %w", err)
	}

	scan := scanner.New(idx, logger)
	h := hasher.New(idx, logger, hasher.WithBatchSize(cfg.Hasher.BatchSize))
	demux := watch.New(source, logger, watch.WithMoveResolutionDelay(moveDelay))
	coord := coordinator.New(idx, demux, scan, h, logger)

	ctx := shutdownContext(context.Background(), logger)

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	<-ctx.Done()

	logger.Info("shutting down")
	coord.Stop()

	return nil
}

// seedRoots registers every configured root in the index that isn't
// already present, so a freshly edited config takes effect without
// requiring a separate "add root" step.
func seedRoots(ctx context.Context, idx *store.Store, roots []string, logger *slog.Logger) error {
	for _, root := range roots {
		isRoot, err := idx.IsRoot(ctx, root)
		if err != nil {
			return fmt.Errorf("checking root %s: %w", root, err)
		}

		if isRoot {
			continue
		}

		if err := idx.AddRoot(ctx, root); err != nil {
			return fmt.Errorf("registering root %s: %w", root, err)
		}

		logger.Info("registered new root", "path", root)
	}

	return nil
}
