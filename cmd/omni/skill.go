package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/presenter"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/skills"
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage and run skills",
	Long:  `Commands for listing, running, indexing and validating skill bundles.`,
}

var skillListCmd = withTracing(&cobra.Command{
	Use:   "list",
	Short: "List available skill bundles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, cleanup, err := newRuntime(cmd, runtimeConfig(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := availableSkills(cmd.Context(), rt)
		if err != nil && len(entries) == 0 {
			return err
		}
		if err != nil {
			presenter.Warning(err.Error())
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			presenter.Info("No skills found in " + rt.Discovery().Root())
			return nil
		}
		presenter.Table([]string{"NAME", "VERSION", "MODE", "DESCRIPTION"}, listRows(entries))
		return nil
	},
})

var skillRunCmd = withTracing(&cobra.Command{
	Use:   "run <skill> <command>",
	Short: "Run a skill command",
	Long: `Run a skill command, loading the skill first if needed.

Arguments are passed as a JSON object with --args. The "help" command prints
the skill's documentation.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("args")
		cmdArgs, err := parseArgs(raw)
		if err != nil {
			return err
		}

		rt, cleanup, err := newRuntime(cmd, runtimeConfig(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := rt.Run(cmd.Context(), args[0], args[1], cmdArgs)
		if err != nil {
			var serr *skills.Error
			if errors.As(err, &serr) && len(serr.Available) > 0 {
				presenter.Info("Available: " + strings.Join(serr.Available, ", "))
			}
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result)
		return nil
	},
})

var skillIndexCmd = withTracing(&cobra.Command{
	Use:   "index",
	Short: "Rebuild the skill index file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, cleanup, err := newRuntime(cmd, runtimeConfig(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		idx, err := rt.WriteIndex(cmd.Context())
		if idx == nil {
			return err
		}
		if err != nil {
			presenter.Warning(err.Error())
		}
		presenter.Success(fmt.Sprintf("Indexed %d skills into %s", len(idx.Skills), rt.Discovery().IndexFile()))
		return nil
	},
})

var skillSearchCmd = withTracing(&cobra.Command{
	Use:   "search <query>",
	Short: "Search skills by keyword",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		rt, cleanup, err := newRuntime(cmd, runtimeConfig(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := rt.Search(cmd.Context(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			presenter.Info("No matching skills")
			return nil
		}
		presenter.Table([]string{"NAME", "SCORE", "COMMANDS", "DESCRIPTION"}, searchRows(results))
		return nil
	},
})

var skillCheckCmd = withTracing(&cobra.Command{
	Use:   "check <path>",
	Short: "Validate a skill bundle without loading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, cleanup, err := newRuntime(cmd, runtimeConfig(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		if err := rt.Validate(cmd.Context(), args[0]); err != nil {
			return err
		}
		presenter.Success(args[0] + " is a valid skill bundle")
		return nil
	},
})

var skillStatusCmd = withTracing(&cobra.Command{
	Use:   "status",
	Short: "Boot the runtime and print its status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, cleanup, err := newRuntime(cmd, runtimeConfig(cmd))
		if err != nil {
			return err
		}
		defer cleanup()

		if err := rt.Boot(cmd.Context()); err != nil {
			presenter.Warning(err.Error())
		}
		return printJSON(rt.Status())
	},
})

var skillStatsCmd = withTracing(&cobra.Command{
	Use:   "stats [skill]",
	Short: "Show per-command invocation statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openHistory(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("invocation history is disabled (history.enabled=false)")
		}
		defer store.Close()

		skill := ""
		if len(args) == 1 {
			skill = args[0]
		}
		stats, err := store.Stats(ctx, skill)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			presenter.Info("No invocations recorded")
			return nil
		}

		rows := make([][]string, 0, len(stats))
		for _, s := range stats {
			rows = append(rows, []string{
				s.Skill + "." + s.Command,
				strconv.Itoa(s.Calls),
				strconv.Itoa(s.Failures),
				strconv.Itoa(s.CacheHits),
				s.AvgDuration.String(),
			})
		}
		presenter.Table([]string{"COMMAND", "CALLS", "FAILURES", "CACHE HITS", "AVG"}, rows)
		return nil
	},
})

func init() {
	skillListCmd.Flags().Bool("json", false, "Print the listing as JSON")
	skillRunCmd.Flags().String("args", "", "Command arguments as a JSON object")
	skillSearchCmd.Flags().Int("limit", 10, "Maximum number of results")

	skillCmd.AddCommand(skillListCmd)
	skillCmd.AddCommand(skillRunCmd)
	skillCmd.AddCommand(skillIndexCmd)
	skillCmd.AddCommand(skillSearchCmd)
	skillCmd.AddCommand(skillCheckCmd)
	skillCmd.AddCommand(skillStatusCmd)
	skillCmd.AddCommand(skillStatsCmd)
}

// parseArgs decodes the --args flag. An empty value means no arguments.
func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, errors.Wrap(err, "--args must be a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// availableSkills prefers a fresh index and falls back to reading manifests
func availableSkills(ctx context.Context, rt *skills.Runtime) ([]skills.IndexEntry, error) {
	d := rt.Discovery()
	if d.IsIndexFresh() {
		idx, err := d.ReadIndex()
		if err == nil {
			return idx.Skills, nil
		}
		logger.G(ctx).WithError(err).Debug("failed to read skill index")
	}
	idx, err := d.BuildIndex(ctx, nil)
	if idx == nil {
		return nil, err
	}
	return idx.Skills, err
}

func listRows(entries []skills.IndexEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		version := e.Version
		if version == "" {
			version = "-"
		}
		rows = append(rows, []string{e.Name, version, e.Metadata["execution_mode"], truncate(e.Description, 60)})
	}
	return rows
}

func searchRows(results []skills.SearchResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.Name,
			strconv.FormatFloat(r.Score, 'f', 2, 64),
			strings.Join(r.Commands, ","),
			truncate(r.Description, 60),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	fmt.Println(string(out))
	return nil
}
