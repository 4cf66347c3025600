package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/drover/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the drover daemon.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidFile := getPIDFilePath()

	if !isRunning(pidFile) {
		fmt.Println("Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Printf("Status: running\n")
	fmt.Printf("PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	// Ask the daemon itself for live numbers
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil
	}
	health, err := fetchHealth(fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		fmt.Printf("API: unreachable (%v)\n", err)
		return nil
	}
	fmt.Printf("Active sessions: %v\n", health["active_sessions"])

	return nil
}

func fetchHealth(url string) (map[string]interface{}, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
