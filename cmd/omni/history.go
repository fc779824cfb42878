package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/invocations"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/presenter"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded skill invocations",
}

var historyListCmd = withTracing(&cobra.Command{
	Use:   "list",
	Short: "List recent invocations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := historyQueryOptions(cmd)
		if err != nil {
			return err
		}

		store, err := requireHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.Query(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(records)
		}
		if len(records) == 0 {
			presenter.Info("No invocations recorded")
			return nil
		}
		presenter.Table([]string{"STARTED", "COMMAND", "STATUS", "ATTEMPTS", "DURATION"}, historyRows(records))
		return nil
	},
})

var historyPruneCmd = withTracing(&cobra.Command{
	Use:   "prune",
	Short: "Delete invocations older than a duration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return errors.New("--older-than must be positive")
		}

		store, err := requireHistory(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		presenter.Success(fmt.Sprintf("Deleted %d invocations", n))
		return nil
	},
})

func init() {
	historyListCmd.Flags().String("skill", "", "Only show invocations of this skill")
	historyListCmd.Flags().String("command", "", "Only show invocations of this command")
	historyListCmd.Flags().Duration("since", 0, "Only show invocations newer than this duration")
	historyListCmd.Flags().Bool("failed", false, "Only show failed invocations")
	historyListCmd.Flags().Int("limit", 50, "Maximum number of invocations")
	historyListCmd.Flags().Bool("json", false, "Print invocations as JSON")

	historyPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "Delete invocations older than this")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyPruneCmd)
}

func requireHistory(cmd *cobra.Command) (*invocations.Store, error) {
	store, err := openHistory(cmd.Context())
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("invocation history is disabled (history.enabled=false)")
	}
	return store, nil
}

func historyQueryOptions(cmd *cobra.Command) (invocations.QueryOptions, error) {
	var opts invocations.QueryOptions
	var err error
	if opts.Skill, err = cmd.Flags().GetString("skill"); err != nil {
		return opts, err
	}
	if opts.Command, err = cmd.Flags().GetString("command"); err != nil {
		return opts, err
	}
	if opts.FailedOnly, err = cmd.Flags().GetBool("failed"); err != nil {
		return opts, err
	}
	if opts.Limit, err = cmd.Flags().GetInt("limit"); err != nil {
		return opts, err
	}
	since, err := cmd.Flags().GetDuration("since")
	if err != nil {
		return opts, err
	}
	if since > 0 {
		opts.Since = time.Now().Add(-since)
	}
	return opts, nil
}

func historyRows(records []invocations.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		status := "ok"
		switch {
		case r.Error != "":
			status = "failed"
		case r.Cached:
			status = "cached"
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format(time.DateTime),
			r.Skill + "." + r.Command,
			status,
			strconv.Itoa(r.Attempts),
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	return rows
}
