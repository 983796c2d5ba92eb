package main

import (
	"fmt"
	"os"

	"roadside-backend/internal/config"
	"roadside-backend/pkg/logger"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "roadside",
	Short:         "Roadside breakdown dispatch service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serve,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgPath != "" {
			return os.Setenv("CONFIG_FILE", cfgPath)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "optional YAML configuration file")
}

// Execute runs the CLI.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log := logger.New("main")
		log.Error().Err(err).Msg("command failed")
	}
	return err
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Configure(cfg.Env, cfg.LogLevel)
	return cfg, nil
}
