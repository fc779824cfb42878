package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/mcpserver"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve skills over MCP on stdio",
	Long: `Start an MCP (Model Context Protocol) server on stdin/stdout.

Every loaded skill command is exposed as a tool named <skill>.<command>, plus
skill_run for any discoverable skill and skill_status for the runtime state.
The tool list follows skills as they are loaded, reloaded and unloaded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// stdout carries the protocol
		if err := logger.Configure(viper.GetString("log_level"), viper.GetString("log_format"), os.Stderr); err != nil {
			return err
		}

		cfg := runtimeConfig(cmd)
		if watch, err := cmd.Flags().GetBool("watch"); err == nil && cmd.Flags().Changed("watch") {
			cfg.Watch = watch
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		cmd.SetContext(ctx)

		rt, cleanup, err := newRuntime(cmd, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := rt.Boot(ctx); err != nil {
			logger.G(ctx).WithError(err).Warn("some skills failed to load")
		}
		if err := rt.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start skill runtime")
		}

		srv := mcpserver.New(ctx, rt, version.Get().Version)
		defer srv.Close()

		logger.G(ctx).WithField("tools", len(srv.ToolNames())).Info("serving skills over stdio")
		if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("watch", false, "Reload skills when their sources change")
}
