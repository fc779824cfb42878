package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/presenter"
)

func init() {
	// Environment variables
	viper.SetEnvPrefix("OMNI")
	viper.AutomaticEnv()

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.omni")
	viper.AddConfigPath(".")

	viper.SetDefault("history.enabled", true)

	// Load config file if it exists (ignore errors if it doesn't)
	_ = viper.ReadInConfig()

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, text, json)")
	rootCmd.PersistentFlags().String("skills-dir", "", "Skills root directory (overrides config)")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(skillCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// shutdownTracing flushes spans once the command returns
var shutdownTracing = func(context.Context) error { return nil }

var rootCmd = &cobra.Command{
	Use:   "omni",
	Short: "Omni skill runtime",
	Long: `Omni loads skill bundles on demand, runs their commands and keeps them
fresh as their sources change.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := logger.Configure(viper.GetString("log_level"), viper.GetString("log_format"), nil); err != nil {
			return err
		}
		shutdown, err := initTracing(cmd)
		if err != nil {
			logger.G(cmd.Context()).WithError(err).Warn("failed to initialize tracing")
			return nil
		}
		shutdownTracing = shutdown
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
		os.Exit(1)
	},
}

func main() {
	ctx := context.Background()
	err := rootCmd.ExecuteContext(ctx)
	if serr := shutdownTracing(ctx); serr != nil {
		logger.G(ctx).WithError(serr).Debug("failed to flush traces")
	}
	if err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}
}
