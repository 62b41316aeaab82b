package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Parley gateway",
	Long: `Run the Parley websocket gateway in the foreground.
Serves /ws, /healthz and /metrics until interrupted, then drains in-flight
requests before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := getPIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("gateway is already running (PID file: %s)", pidFile)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Close()
	zl := log.Zerolog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, zl)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		_ = a.stop(context.Background())
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		zl.Warn().Err(err).Msg("Failed to write PID file")
	}
	defer os.Remove(pidFile)

	if path := loader.GetConfigPath(); fileExists(path) {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:     path,
			OnReload: a.applyReload,
			Logger:   zl,
		})
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			zl.Warn().Err(err).Msg("Config hot reload disabled")
		} else {
			defer w.Stop()
		}
	}

	zl.Info().
		Str("addr", a.server.Addr()).
		Str("version", version).
		Msg("Parley gateway running")

	<-ctx.Done()
	zl.Info().Msg("Shutdown signal received")

	timeout := time.Duration(cfg.Gateway.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.stop(shutdownCtx)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func getPIDFilePath(dataDir string) string {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "parley.pid")
		}
		dataDir = filepath.Join(home, ".parley")
	}
	return filepath.Join(dataDir, "parley.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file: %s", pidFile)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so check liveness with signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}
