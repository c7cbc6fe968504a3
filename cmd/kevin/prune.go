package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kevin/internal/app"
)

func newPruneCommand() *cobra.Command {
	pruneCommand := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs and their state",
		Args:  cobra.NoArgs,
		RunE:  pruneAction,
	}
	flags := pruneCommand.Flags()
	flags.Duration("older-than", 7*24*time.Hour, "only prune runs finished longer ago than this")
	flags.Bool("all", false, "prune every finished run regardless of age")
	flags.Bool("containers", false, "also remove leaked kevin-managed docker containers")
	return pruneCommand
}

func pruneAction(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	repoPath, _ := flags.GetString("repo")
	configPath, _ := flags.GetString("config")
	olderThan, _ := flags.GetDuration("older-than")
	all, _ := flags.GetBool("all")
	containers, _ := flags.GetBool("containers")

	res, err := app.Prune(cmd.Context(), app.PruneOptions{
		RepoPath:   repoPath,
		ConfigPath: configPath,
		OlderThan:  olderThan,
		All:        all,
		Containers: containers,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, id := range res.Removed {
		fmt.Fprintln(out, id)
	}
	fmt.Fprintf(out, "pruned %d run(s)\n", len(res.Removed))
	if containers {
		fmt.Fprintf(out, "removed %d container(s)\n", res.ContainersRemoved)
	}
	return nil
}
