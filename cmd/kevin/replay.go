package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kevin/internal/app"
)

func newReplayCommand() *cobra.Command {
	replayCommand := &cobra.Command{
		Use:   "replay RUN_ID",
		Short: "Re-execute a recorded run and verify it reproduces the same tree",
		Long: `Replay restores the workspace to the run's initial snapshot, re-executes
the recorded action sequence, and compares step outcomes and the final
tree digest against the record. The workspace is left at the replayed
final state.`,
		Args: cobra.ExactArgs(1),
		RunE: replayAction,
	}
	return replayCommand
}

func replayAction(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	repoPath, _ := flags.GetString("repo")
	configPath, _ := flags.GetString("config")

	rep, err := app.Replay(cmd.Context(), app.ReplayOptions{
		RepoPath:   repoPath,
		RunID:      args[0],
		ConfigPath: configPath,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "replayed %d step(s) of %s\n", rep.Steps, rep.RunID)
	fmt.Fprintf(out, "  recorded: %s\n", rep.RecordedDigest)
	fmt.Fprintf(out, "  replayed: %s\n", rep.ReplayedDigest)
	for _, d := range rep.Divergences {
		fmt.Fprintf(out, "  diverged: %s\n", d)
	}
	if !rep.Match {
		return fmt.Errorf("replay of %s diverged from the record", rep.RunID)
	}
	fmt.Fprintln(out, "replay matches the record")
	return nil
}
