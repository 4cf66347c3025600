package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the drover daemon",
	Long: `Stop the drover daemon gracefully. Sends SIGTERM and waits for the
daemon to drain in-flight commands and tear down browser processes.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "seconds to wait for the daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()

	if !isRunning(pidFile) {
		fmt.Println("Daemon is not running")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal daemon: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !isRunning(pidFile) {
			fmt.Println("Daemon stopped successfully")
			os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Println("Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill daemon: %w", err)
	}
	os.Remove(pidFile)
	return nil
}
