package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/mxgate/internal/config"
	"github.com/memohai/mxgate/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mxgate",
	Short: "Media credential gateway for Matrix homeservers",
	Long: `mxgate fronts a Matrix homeserver. Media downloads are intercepted and
replayed with an access token fetched on demand from a connected foreground
client; everything else under /_matrix/ is passed through untouched.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"),
		"Path to the TOML config file (default $CONFIG_PATH or config.toml)")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// loadConfigAndLogger is the common preamble of the client-side commands.
func loadConfigAndLogger() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
