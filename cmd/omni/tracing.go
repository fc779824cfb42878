package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/telemetry"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// initTracing exports spans tagged with the runtime the command will build
func initTracing(cmd *cobra.Command) (func(context.Context) error, error) {
	cfg := runtimeConfig(cmd)
	return telemetry.InitTracer(cmd.Context(), telemetry.Config{
		Enabled:        viper.GetBool("tracing.enabled"),
		ServiceName:    "omni",
		ServiceVersion: version.Get().Version,
		Sampler:        viper.GetString("tracing.sampler"),
		Ratio:          viper.GetFloat64("tracing.ratio"),
		Runtime: telemetry.RuntimeInfo{
			SkillsRoot: cfg.Dir,
			MaxLoaded:  cfg.MaxLoaded,
			TTL:        cfg.TTL,
			Pinned:     cfg.Pinned,
		},
	})
}

var tracer = telemetry.Tracer("omni.cli")

// withTracing wraps a command's RunE in a "cli.command" span
func withTracing(cmd *cobra.Command) *cobra.Command {
	originalRunE := cmd.RunE

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		attrs := []attribute.KeyValue{
			attribute.String("command.name", cmd.Name()),
			attribute.String("command.path", cmd.CommandPath()),
			attribute.Int("args.count", len(args)),
		}
		cmd.Flags().Visit(func(flag *pflag.Flag) {
			if flag.Name != "args" {
				attrs = append(attrs, attribute.String("flag."+flag.Name, flag.Value.String()))
			}
		})

		ctx, span := tracer.Start(cmd.Context(), "cli.command", trace.WithAttributes(attrs...))
		cmd.SetContext(ctx)

		err := originalRunE(cmd, args)
		telemetry.EndSpan(span, err)
		return err
	}

	return cmd
}

func init() {
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	rootCmd.PersistentFlags().String("tracing-sampler", "always", "Tracing sampler type (always, never, ratio)")
	rootCmd.PersistentFlags().Float64("tracing-ratio", 1, "Sampling ratio when using ratio sampler")

	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.sampler", rootCmd.PersistentFlags().Lookup("tracing-sampler"))
	viper.BindPFlag("tracing.ratio", rootCmd.PersistentFlags().Lookup("tracing-ratio"))
}
