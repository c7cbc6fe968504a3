package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/docker/go-units"
	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"kevin/internal/app"
	"kevin/internal/core"
	"kevin/internal/runlog"
)

func newShowCommand() *cobra.Command {
	showCommand := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run's record and its logged actions",
		Args:  cobra.ExactArgs(1),
		RunE:  showAction,
	}
	showCommand.Flags().BoolP("follow", "f", false, "stream new entries as they are appended")
	showCommand.Flags().Bool("json", false, "JSONify output")
	return showCommand
}

func showAction(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	repoPath, _ := flags.GetString("repo")
	configPath, _ := flags.GetString("config")
	follow, _ := flags.GetBool("follow")
	jsonFormat, _ := flags.GetBool("json")

	env, err := app.Setup(configPath, repoPath)
	if err != nil {
		return err
	}
	db, err := env.OpenStore(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	out := cmd.OutOrStdout()
	if jsonFormat {
		entries, err := runlog.ReadAll(rec.LogPath)
		if err != nil {
			return err
		}
		payload := struct {
			Run     core.RunRecord     `json:"run"`
			Entries []core.RunLogEntry `json:"entries"`
		}{Run: *rec, Entries: entries}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	printRunHeader(out, rec)
	if follow {
		return followEntries(cmd, rec.LogPath)
	}

	entries, err := runlog.ReadAll(rec.LogPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		printEntry(out, entry)
	}
	return nil
}

func printRunHeader(w io.Writer, rec *core.RunRecord) {
	fmt.Fprintf(w, "Run:      %s\n", rec.RunID)
	fmt.Fprintf(w, "Task:     %s\n", rec.Task)
	fmt.Fprintf(w, "Repo:     %s\n", rec.RepoPath)
	fmt.Fprintf(w, "Sandbox:  %s\n", rec.Sandbox)
	fmt.Fprintf(w, "Status:   %s\n", runStatus(rec.Status, rec.StopReason))
	fmt.Fprintf(w, "Started:  %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	if !rec.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Finished: %s (%d step(s))\n", rec.FinishedAt.Local().Format(time.RFC3339), rec.Steps)
	}
	if rec.FinalDigest != "" {
		fmt.Fprintf(w, "Digest:   %s\n", rec.FinalDigest)
	}
	fmt.Fprintln(w)
}

func printEntry(w io.Writer, entry core.RunLogEntry) {
	fmt.Fprintf(w, "%4d  %s  %s\n      %s\n",
		entry.Seq,
		entry.Timestamp.Local().Format("15:04:05"),
		actionText(entry.Action),
		outcomeText(entry.Outcome),
	)
}

func actionText(action core.Action) string {
	switch action.Kind {
	case core.ActionRunCommand:
		if action.Command != nil {
			return "$ " + shellescape.QuoteCommand(action.Command.Argv)
		}
	case core.ActionApplyPatch:
		if action.Patch != nil {
			return fmt.Sprintf("apply patch (%s)", units.HumanSize(float64(len(action.Patch.UnifiedDiff))))
		}
	case core.ActionReadFile:
		if action.Read != nil {
			return "read " + action.Read.Path
		}
	}
	return string(action.Kind)
}

func outcomeText(o core.Outcome) string {
	text := string(o.Status)
	if o.ExitCode != nil {
		text += fmt.Sprintf(", exit %d", *o.ExitCode)
	}
	if o.ErrorKind != "" {
		text += ", " + o.ErrorKind
	}
	if len(o.FilesChanged) > 0 {
		text += fmt.Sprintf(", %d file(s) changed", len(o.FilesChanged))
	}
	if o.Truncated {
		text += ", output truncated"
	}
	text += fmt.Sprintf(" (%s)", time.Duration(o.DurationMs)*time.Millisecond)
	return text
}

// followEntries streams entries appended to the log until interrupted.
func followEntries(cmd *cobra.Command, logPath string) error {
	t, err := tail.TailFile(logPath, tail.Config{
		Follow:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return err
	}
	defer t.Cleanup()

	out := cmd.OutOrStdout()
	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			var entry core.RunLogEntry
			if err := json.Unmarshal([]byte(line.Text), &entry); err != nil {
				return fmt.Errorf("parse log line: %w", err)
			}
			printEntry(out, entry)
		case <-cmd.Context().Done():
			return t.Stop()
		}
	}
}
