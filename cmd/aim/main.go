package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/simplelife2010/AIM/internal/config"
	"github.com/simplelife2010/AIM/internal/recorder"
	"github.com/simplelife2010/AIM/internal/retention"
)

const serviceName = "aim"

var (
	version   = "0.1.0"
	cfgFile   string
	keepCount int
)

var rootCmd = &cobra.Command{
	Use:           serviceName,
	Short:         "Continuous audio recorder",
	Long:          `aim captures audio continuously, stores it as fixed-length encoded frames, publishes a rate-limited subset and keeps only the newest frames on disk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecorder()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.OutOrStdout(), cmd.Flags().Changed("keep"))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		redacted := cfg.Redacted()
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(&redacted)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", serviceName, version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (built-in defaults when empty)")
	sweepCmd.Flags().IntVar(&keepCount, "keep", 0, "number of newest artifacts to keep (default from config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func runRecorder() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("config_path", cfgFile),
	)

	svc, err := recorder.New(recorder.Options{
		Config:     cfg,
		ConfigPath: cfgFile,
		Version:    version,
	}, logger)
	if err != nil {
		logger.Error("Failed to create recorder", slog.String("error", err.Error()))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("Received shutdown signal, starting graceful shutdown...")
	}()

	return svc.Run(ctx)
}

func runSweep(out io.Writer, keepSet bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	keep := cfg.Retention.KeepCount
	if keepSet {
		keep = keepCount
	}

	sweeper, err := retention.NewSweeper(cfg.Storage.Root, keep, logger, nil)
	if err != nil {
		return err
	}

	result, err := sweeper.Sweep(keep)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "kept %d of %d artifacts, deleted %d files and %d directories in %s\n",
		result.Kept, result.Found, result.DeletedFiles, result.DeletedDirs, result.Duration)
	if result.Errors > 0 {
		return errors.New("sweep finished with storage errors")
	}
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	closeFn := func() {}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
			closeFn = func() { file.Close() }
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler).With(slog.String("service", serviceName)), closeFn
}
