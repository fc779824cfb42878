package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/db"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/invocations"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/skills"
)

// runtimeConfig reads the skills section and applies the --skills-dir override
func runtimeConfig(cmd *cobra.Command) skills.Config {
	cfg := skills.LoadConfigFromViper()
	if dir, err := cmd.Flags().GetString("skills-dir"); err == nil && dir != "" {
		cfg.Dir = dir
		cfg.IndexFile = ""
	}
	return cfg
}

func historyDBPath() (string, error) {
	if path := viper.GetString("history.db_path"); path != "" {
		return path, nil
	}
	return db.DefaultDBPath()
}

// openHistory opens the invocation store. It returns nil when history is disabled.
func openHistory(ctx context.Context) (*invocations.Store, error) {
	if !viper.GetBool("history.enabled") {
		return nil, nil
	}
	path, err := historyDBPath()
	if err != nil {
		return nil, err
	}
	return invocations.NewStore(ctx, path)
}

// newRuntime builds a runtime from config. The returned cleanup closes the
// runtime and the history store.
func newRuntime(cmd *cobra.Command, cfg skills.Config) (*skills.Runtime, func(), error) {
	ctx := cmd.Context()

	var opts []skills.RuntimeOption
	store, err := openHistory(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("invocation history unavailable")
	}
	if store != nil {
		opts = append(opts, skills.WithInvocationRecorder(store))
	}

	rt, err := skills.NewRuntime(cfg, opts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, errors.Wrap(err, "failed to create skill runtime")
	}

	cleanup := func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to close skill runtime")
		}
		if store != nil {
			if err := store.Close(); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to close invocation history")
			}
		}
	}
	return rt, cleanup, nil
}
