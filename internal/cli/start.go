package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/drover/internal/config"
	"github.com/harun/drover/internal/daemon"
	"github.com/harun/drover/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the drover daemon",
	Long: `Start the drover daemon in the foreground. The daemon reconciles any
sessions that survived a previous run, then serves the HTTP API until
it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, cfgFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	return d.Stop()
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func getPIDFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/drover.pid"
	}
	return filepath.Join(home, ".drover", "drover.pid")
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

	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	return process.Signal(syscall.Signal(0)) == nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}
