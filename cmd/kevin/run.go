package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"kevin/internal/app"
	"kevin/internal/core"
)

func newRunCommand() *cobra.Command {
	runCommand := &cobra.Command{
		Use:   "run TASK...",
		Short: "Run a task against the repository",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAction,
	}
	flags := runCommand.Flags()
	flags.Bool("dry-run", false, "validate patches without writing them")
	flags.String("sandbox", "", "sandbox override (local|docker)")
	flags.String("planner", "", "planner override (claude|command|script)")
	flags.String("script", "", "scripted planner YAML (implies --planner script)")
	return runCommand
}

func runAction(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	repoSpec, _ := flags.GetString("repo")
	configPath, _ := flags.GetString("config")
	dryRun, _ := flags.GetBool("dry-run")
	sandboxName, _ := flags.GetString("sandbox")
	plannerName, _ := flags.GetString("planner")
	scriptPath, _ := flags.GetString("script")

	res, err := app.Run(cmd.Context(), app.RunOptions{
		RepoSpec:   repoSpec,
		Task:       strings.Join(args, " "),
		ConfigPath: configPath,
		Sandbox:    sandboxName,
		Planner:    plannerName,
		Script:     scriptPath,
		DryRun:     dryRun,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s (%s) after %d step(s)\n", res.RunID, res.Status, res.StopReason, res.Steps)
	if res.Reason != "" {
		fmt.Fprintf(out, "  %s\n", res.Reason)
	}
	fmt.Fprintf(out, "  log: %s\n", res.LogPath)

	if res.Status != core.RunStatusCompleted {
		return fmt.Errorf("run %s %s (%s)", res.RunID, res.Status, res.StopReason)
	}
	return nil
}
