// Package engine drives one run: ask the planner for a decision,
// execute it, log the outcome durably, repeat until done or stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"kevin/internal/core"
	"kevin/internal/model"
	"kevin/internal/patch"
	"kevin/internal/repo"
	"kevin/internal/sandbox"
	"kevin/internal/workspace"
)

const (
	// historyTail bounds the per-step summaries shown to the planner.
	historyTail = 20
	// maxFilesListed bounds the workspace listing in a planner request.
	maxFilesListed = 250

	releaseTimeout = 30 * time.Second
)

// Loop owns one run. Fields are wired by the caller; Run drives the
// plan/execute cycle until the planner declares done or a stop
// condition fires.
type Loop struct {
	RunContext core.RunContext
	Planner    model.Client
	Sandbox    sandbox.Sandbox
	Patcher    *patch.Engine
	Workspace  *workspace.Workspace
	Project    repo.Project
	DryRun     bool
}

// Final is the terminal state of a run.
type Final struct {
	Status     string
	StopReason string
	Steps      int
	Reason     string
}

// Run executes the loop. The returned error is non-nil only for
// infrastructure faults (sandbox acquisition, log durability, planner
// transport); a run that merely failed its task returns a Final with
// the failure reason and a nil error.
func (l *Loop) Run(ctx context.Context) (Final, error) {
	cfg := l.RunContext.Config

	handle, err := l.Sandbox.Acquire(ctx)
	if err != nil {
		final := Final{Status: core.RunStatusFailed, StopReason: core.StopFatal, Reason: err.Error()}
		return final, err
	}
	defer func() {
		// Release must happen even when the run context is gone.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.Sandbox.Release(releaseCtx, handle); err != nil {
			logrus.Warnf("release %s sandbox: %v", l.Sandbox.Name(), err)
		}
	}()

	var (
		history     []string
		lastOutcome *core.Outcome
		retries     int
		steps       int
	)

	for {
		// Cancellation is observed between actions only; an in-flight
		// action always runs to its own completion or timeout.
		if ctx.Err() != nil {
			return Final{Status: core.RunStatusStopped, StopReason: core.StopSignal, Steps: steps, Reason: "run canceled"}, nil
		}
		if steps >= cfg.MaxSteps {
			return Final{Status: core.RunStatusStopped, StopReason: core.StopMaxSteps, Steps: steps,
				Reason: fmt.Sprintf("stopped after %d steps", steps)}, nil
		}

		decision, err := l.plan(ctx, steps+1, history, lastOutcome)
		if err != nil {
			final := Final{Status: core.RunStatusFailed, Steps: steps, Reason: err.Error()}
			if errors.Is(err, core.ErrModelError) {
				final.StopReason = core.StopModelError
			} else {
				final.StopReason = core.StopFatal
			}
			return final, err
		}
		if decision.Done {
			logrus.Infof("planner done after %d steps: %s", steps, decision.Reason)
			return Final{Status: core.RunStatusCompleted, StopReason: core.StopCompleted, Steps: steps, Reason: decision.Reason}, nil
		}

		action := *decision.Action
		logrus.Debugf("step %d: %s", steps+1, action.Summary())
		outcome := l.dispatch(ctx, handle, action)
		steps++

		if _, err := l.RunContext.Log.Append(action, outcome); err != nil {
			return Final{Status: core.RunStatusFailed, StopReason: core.StopFatal, Steps: steps, Reason: err.Error()},
				fmt.Errorf("append run log: %w", err)
		}

		history = append(history, stepLine(steps, action, outcome))
		if len(history) > historyTail {
			history = history[len(history)-historyTail:]
		}
		lastOutcome = &outcome

		switch outcome.ErrorKind {
		case core.KindSandboxUnavailable, core.KindHandleReleased, core.KindInternal:
			logrus.Errorf("step %d fatal: %s", steps, outcome.Error)
			return Final{Status: core.RunStatusFailed, StopReason: core.StopFatal, Steps: steps, Reason: outcome.Error}, nil
		case core.KindPatchConflict, core.KindTimeout:
			retries++
			if retries > cfg.RetryBudget {
				return Final{Status: core.RunStatusFailed, StopReason: core.StopRetryExhausted, Steps: steps,
					Reason: fmt.Sprintf("%d consecutive %s failures", retries, outcome.ErrorKind)}, nil
			}
			logrus.Debugf("step %d %s, retry %d/%d", steps, outcome.ErrorKind, retries, cfg.RetryBudget)
		default:
			// Recoverable kinds (path_escape, patch_malformed) and plain
			// command failures break the consecutive-retry chain: the
			// planner sees the outcome and decides what to do next.
			retries = 0
		}
	}
}

// plan snapshots the workspace and asks the planner for the next
// decision. The stale Action from a failed step is never reissued;
// every decision is made from current state.
func (l *Loop) plan(ctx context.Context, step int, history []string, last *core.Outcome) (model.Decision, error) {
	snap, err := l.Workspace.Snapshot(ctx)
	if err != nil {
		return model.Decision{}, fmt.Errorf("snapshot workspace: %w", err)
	}
	files := snap.Paths()
	if len(files) > maxFilesListed {
		files = files[:maxFilesListed]
	}

	return l.Planner.Next(ctx, model.Request{
		Task:        l.RunContext.Task,
		Step:        step,
		MaxSteps:    l.RunContext.Config.MaxSteps,
		ProjectKind: l.Project.Kind,
		Files:       files,
		TestCommand: l.Project.TestCommand,
		History:     history,
		LastOutcome: last,
		DryRun:      l.DryRun,
	})
}

func (l *Loop) dispatch(ctx context.Context, h *sandbox.Handle, action core.Action) core.Outcome {
	detached := context.WithoutCancel(ctx)
	started := time.Now()

	switch action.Kind {
	case core.ActionRunCommand:
		return l.runCommand(detached, h, *action.Command, started)
	case core.ActionApplyPatch:
		return l.applyPatch(detached, *action.Patch, started)
	case core.ActionReadFile:
		return l.readFile(h, *action.Read, started)
	default:
		return core.FailureOutcome(fmt.Errorf("unknown action kind %q", action.Kind), started)
	}
}

// runCommand brackets the execution with snapshots so the outcome
// reports which files the command touched.
func (l *Loop) runCommand(ctx context.Context, h *sandbox.Handle, cmd core.RunCommand, started time.Time) core.Outcome {
	pre, err := l.Sandbox.Snapshot(ctx, h)
	if err != nil {
		return core.FailureOutcome(fmt.Errorf("snapshot before command: %w", err), started)
	}

	outcome, err := l.Sandbox.Execute(ctx, h, cmd)
	if err != nil {
		return core.FailureOutcome(err, started)
	}

	post, err := l.Sandbox.Snapshot(ctx, h)
	if err != nil {
		return core.FailureOutcome(fmt.Errorf("snapshot after command: %w", err), started)
	}
	outcome.FilesChanged = workspace.ChangedPaths(workspace.Diff(pre, post))
	return outcome
}

func (l *Loop) applyPatch(ctx context.Context, p core.ApplyPatch, started time.Time) core.Outcome {
	if l.DryRun {
		changed, err := l.Patcher.Check(ctx, p.UnifiedDiff)
		if err != nil {
			return core.FailureOutcome(err, started)
		}
		return core.Outcome{
			Status:       core.StatusSuccess,
			FilesChanged: changed,
			Stdout:       fmt.Sprintf("dry-run: patch applies cleanly to %d file(s)", len(changed)),
			DurationMs:   time.Since(started).Milliseconds(),
		}
	}

	changed, err := l.Patcher.Apply(ctx, p.UnifiedDiff)
	if err != nil {
		return core.FailureOutcome(err, started)
	}
	return core.Outcome{
		Status:       core.StatusSuccess,
		FilesChanged: changed,
		DurationMs:   time.Since(started).Milliseconds(),
	}
}

func (l *Loop) readFile(h *sandbox.Handle, r core.ReadFile, started time.Time) core.Outcome {
	data, err := l.Sandbox.ReadFile(h, r.Path)
	if err != nil {
		return core.FailureOutcome(err, started)
	}

	text := string(data)
	truncated := false
	if max, _ := l.RunContext.Config.MaxOutputBytes(); max > 0 && int64(len(text)) > max {
		text = text[:max]
		truncated = true
	}
	return core.Outcome{
		Status:     core.StatusSuccess,
		Stdout:     text,
		Truncated:  truncated,
		DurationMs: time.Since(started).Milliseconds(),
	}
}

func stepLine(step int, action core.Action, outcome core.Outcome) string {
	return fmt.Sprintf("step %d: %s -> %s", step, action.Summary(), outcomeSummary(outcome))
}

func outcomeSummary(o core.Outcome) string {
	switch o.Status {
	case core.StatusSuccess:
		if len(o.FilesChanged) > 0 {
			return fmt.Sprintf("ok, %d file(s) changed", len(o.FilesChanged))
		}
		return "ok"
	case core.StatusTimeout:
		return "timeout"
	default:
		if o.ErrorKind != "" {
			return "failed: " + o.ErrorKind
		}
		if o.ExitCode != nil {
			return fmt.Sprintf("exit %d", *o.ExitCode)
		}
		return "failed"
	}
}
