package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/lkarlslund/xiaobairouter/pkg/config"
	"github.com/lkarlslund/xiaobairouter/pkg/wizard"
	"github.com/spf13/cobra"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
			}
			return wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), configPath, cfg)
		},
	}
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file, falling back to defaults when it is
// missing, and applies the environment.
func loadConfig() (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load server config: %w", err)
		}
		cfg = config.NewDefaultServerConfig()
	}
	config.ApplyEnv(cfg, os.Getenv)
	cfg.Normalize()
	return cfg, nil
}
