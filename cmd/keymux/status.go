package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/keymux/keymux/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check if the keymux server is running",
	Long: `Check the health of a running keymux server by querying its /health
endpoint and summarizing per-service key availability.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFileForStatus()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	healthURL := fmt.Sprintf("http://%s/health", cfg.Server.Listen)
	client := &http.Client{Timeout: 5 * time.Second}

	//nolint:noctx // Simple health check doesn't need context propagation
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Printf("✗ keymux is not running (%s)\n", cfg.Server.Listen)
		return fmt.Errorf("server not reachable: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ keymux reported %s (%s)\n",
			gjson.GetBytes(body, "status").String(), cfg.Server.Listen)
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	fmt.Printf("✓ keymux is running (%s)\n", cfg.Server.Listen)
	gjson.GetBytes(body, "services").ForEach(func(service, st gjson.Result) bool {
		fmt.Printf("  %-12s %d/%d keys available, queue depth %d\n",
			service.String(),
			st.Get("available").Int(),
			st.Get("total").Int(),
			st.Get("queue_depth").Int())
		return true
	})

	return nil
}

// findConfigFileForStatus mirrors findConfigFile from serve.go.
// Duplicated to avoid shared state between subcommands.
func findConfigFileForStatus() string {
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		p := filepath.Join(home, ".config", "keymux", defaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return defaultConfigFile
}
