package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/xiaobairouter/pkg/config"
	"github.com/lkarlslund/xiaobairouter/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "xiaobairouter",
	Short: "OpenAI-compatible proxy for Wenxiaobai",
	Long:  "xiaobairouter exposes the Wenxiaobai chat service as an OpenAI-compatible API with persistent conversations.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(logLevel); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
}
