package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"kevin/internal/app"
)

func newListCommand() *cobra.Command {
	listCommand := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs recorded for this repository",
		Args:    cobra.NoArgs,
		RunE:    listAction,
	}
	listCommand.Flags().Bool("json", false, "JSONify output")
	listCommand.Flags().BoolP("quiet", "q", false, "only show run ids")
	listCommand.Flags().IntP("limit", "n", 20, "show at most this many runs, 0 for all")
	return listCommand
}

func listAction(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	repoPath, _ := flags.GetString("repo")
	configPath, _ := flags.GetString("config")
	jsonFormat, _ := flags.GetBool("json")
	quiet, _ := flags.GetBool("quiet")
	limit, _ := flags.GetInt("limit")

	env, err := app.Setup(configPath, repoPath)
	if err != nil {
		return err
	}
	db, err := env.OpenStore(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonFormat {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	if quiet {
		for _, run := range runs {
			fmt.Fprintln(out, run.RunID)
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 4, 8, 4, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tSTEPS\tSTARTED\tTASK")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s ago\t%s\n",
			run.RunID,
			runStatus(run.Status, run.StopReason),
			run.Steps,
			units.HumanDuration(time.Since(run.StartedAt)),
			truncateText(run.Task, 48),
		)
	}
	return w.Flush()
}

func runStatus(status, stopReason string) string {
	if stopReason == "" || stopReason == status {
		return status
	}
	return fmt.Sprintf("%s (%s)", status, stopReason)
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
