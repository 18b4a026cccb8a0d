package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/engine"
	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/event"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/faultguard"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/githost"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

func errUnknownStage(stage state.Stage) error {
	return tmerrors.NewWorkflowError("unknown workflow stage", tmerrors.ErrInvalidInput).WithStage(string(stage))
}

// handleWorking runs the next incomplete task. The last task of a group (or
// every task with pr_per_task) asks the engine to open a change request.
func (m *Machine) handleWorking(ctx context.Context, st *state.RunState) (Result, error) {
	p, err := m.scheduler.Plan()
	if err != nil {
		return Result{}, err
	}
	task, ok := p.NextIncompleteTask(st.CurrentTaskIndex)
	if !ok {
		if p.AllComplete() {
			return Result{Outcome: Done}, nil
		}
		// Something before the current index was unchecked by hand.
		task, ok = p.NextIncompleteTask(0)
		if !ok {
			return Result{Outcome: Done}, nil
		}
		m.logger.Warn("incomplete task behind current index", "task_index", task.Index, "current", st.CurrentTaskIndex)
		if m.monitor != nil {
			// Anchor the rollback so the monitor reports it as regressing.
			m.monitor.RecordProgress(st.CurrentTaskIndex)
		}
	}
	if task.Index != st.CurrentTaskIndex {
		st.CurrentTaskIndex = task.Index
		if err := m.store.Save(st); err != nil {
			return Result{}, err
		}
	}

	group, _ := p.GroupFor(task.Index)
	opensPR := st.Options.PRPerTask || p.IsLastInGroup(task.Index)

	gc := &engine.GroupContext{Name: group.Name, RemainingTasks: len(p.RemainingInGroup(task.Index))}
	for _, i := range group.TaskIndices {
		if t, ok := p.Task(i); ok && i != task.Index && t.Complete {
			gc.CompletedTasks = append(gc.CompletedTasks, t.Description)
		}
	}
	branch := m.currentBranch(ctx)
	gc.Branch = branch

	goal, _ := m.store.LoadGoal()
	req := engine.WorkRequest{
		Task:                fmt.Sprintf("Goal: %s\n\nCurrent Task (#%d): %s", goal, task.Index+1, task.Description),
		Context:             m.loadContext(),
		Tier:                engine.Tier(task.Complexity.ModelTier()),
		RequiredBranch:      branch,
		CreateChangeRequest: opensPR,
		Group:               gc,
	}
	log := m.logger.WithRun(st.RunID).WithTask(task.Index)
	log.Info("running task", "description", task.Description, "tier", string(req.Tier), "opens_pr", opensPR)
	m.events.Publish(event.NewTaskStartedEvent(st.RunID, task.Index, task.Description, opensPR))

	res, err := m.runEngine(ctx, st, "task", task.Description, req)
	if err != nil {
		return Result{SessionRan: true}, err
	}
	out := Result{SessionRan: true, Usage: res.Usage, Output: res.Output}

	if err := m.scheduler.MarkComplete(task.Index); err != nil {
		return out, err
	}
	if m.monitor != nil {
		m.monitor.RecordProgress(task.Index)
	}
	m.events.Publish(event.NewTaskCompletedEvent(st.RunID, task.Index, task.Description))

	if opensPR {
		if err := m.advance(st, state.StagePRCreated); err != nil {
			return out, err
		}
		return out, nil
	}
	st.CurrentTaskIndex = task.Index + 1
	if err := m.store.Save(st); err != nil {
		return out, err
	}
	return out, nil
}

// handlePRCreated finds the change request the engine opened. Detection is
// idempotent: a known change request is kept.
func (m *Machine) handlePRCreated(ctx context.Context, st *state.RunState) (Result, error) {
	if st.CurrentPR == nil {
		n, found, err := m.detect(ctx)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return m.halt(st, state.StatusBlocked, Blocked, "no change request found for the current branch")
		}
		st.SetPR(n)
		m.logger.WithRun(st.RunID).Info("change request detected", "pr", n)
		m.events.Publish(event.NewPRDetectedEvent(st.RunID, n))

		err = m.guard.Do(ctx, DependencyHost, func(ctx context.Context) error {
			return m.host.RequestReviewers(ctx, n)
		})
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			m.logger.Warn("failed to request reviewers", "pr", n, "error", err)
		}
	}

	if err := m.advance(st, state.StageWaitingCI); err != nil {
		return Result{}, err
	}
	if st.Options.PauseOnPR {
		return m.halt(st, state.StatusPaused, Paused, fmt.Sprintf("paused after opening PR #%d", st.PRNumber()))
	}
	return Result{Outcome: Continue}, nil
}

func (m *Machine) detect(ctx context.Context) (int, bool, error) {
	type detection struct {
		n  int
		ok bool
	}
	d, err := faultguard.Call(ctx, m.guard, DependencyHost, func(ctx context.Context) (detection, error) {
		n, ok, err := m.host.DetectChangeRequestForCurrentBranch(ctx)
		return detection{n, ok}, err
	})
	return d.n, d.ok, err
}

// handleWaitingCI polls checks. A failure is only acted on once every check
// has finished.
func (m *Machine) handleWaitingCI(ctx context.Context, st *state.RunState) (Result, error) {
	pr := st.PRNumber()
	if pr == 0 {
		return Result{Outcome: Continue}, m.advance(st, state.StagePRCreated)
	}
	status, err := m.status(ctx, pr)
	if err != nil {
		return Result{}, err
	}
	log := m.logger.WithRun(st.RunID).With("pr", pr)

	if r, done, err := m.closedOrMerged(st, status); done {
		return r, err
	}

	switch {
	case status.CheckState == githost.CheckSuccess:
		log.Info("checks passed", "passed", status.ChecksPassed)
		if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Continue}, m.advance(st, state.StageWaitingReviews)
	case (status.CheckState == githost.CheckFailure || status.CheckState == githost.CheckError) && status.ChecksPending == 0:
		log.Warn("checks failed", "failed", status.ChecksFailed, "passed", status.ChecksPassed)
		return Result{Outcome: Continue}, m.advance(st, state.StageCIFailed)
	}

	log.Info("waiting for checks", "pending", status.ChecksPending, "failed", status.ChecksFailed, "passed", status.ChecksPassed)
	if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
		return Result{}, err
	}
	return Result{Outcome: Continue}, nil
}

// closedOrMerged handles a change request that left the open state outside
// the workflow.
func (m *Machine) closedOrMerged(st *state.RunState, status githost.Status) (Result, bool, error) {
	switch status.State {
	case githost.StateMerged:
		return Result{Outcome: Continue}, true, m.advance(st, state.StageMerged)
	case githost.StateClosed:
		r, err := m.halt(st, state.StatusBlocked, Blocked, fmt.Sprintf("PR #%d was closed without merging", status.Number))
		return r, true, err
	}
	return Result{}, false, nil
}

// handleCIFailed saves the failing logs and asks the engine to fix them.
func (m *Machine) handleCIFailed(ctx context.Context, st *state.RunState) (Result, error) {
	pr := st.PRNumber()
	if pr == 0 {
		return Result{Outcome: Continue}, m.advance(st, state.StagePRCreated)
	}
	logs, err := faultguard.Call(ctx, m.guard, DependencyHost, func(ctx context.Context) (map[string]string, error) {
		return m.host.FailedCheckLogs(ctx, pr)
	})
	if err != nil {
		return Result{}, err
	}

	prctx := m.store.PRContext()
	if err := prctx.ClearCIFailures(pr); err != nil {
		return Result{}, err
	}
	names := make([]string, 0, len(logs))
	for name := range logs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := prctx.SaveCIFailure(pr, name, logs[name]); err != nil {
			return Result{}, err
		}
	}

	req := engine.WorkRequest{
		Task:           ciFixTask(pr, filepath.Join(prctx.Dir(pr), "ci")+string(filepath.Separator), names),
		Context:        m.loadContext(),
		Tier:           engine.TierOpus,
		RequiredBranch: m.currentBranch(ctx),
	}
	res, err := m.runEngine(ctx, st, "ci_fix", fmt.Sprintf("fix CI for PR #%d", pr), req)
	if err != nil {
		return Result{SessionRan: true}, err
	}
	out := Result{Outcome: Continue, SessionRan: true, Usage: res.Usage, Output: res.Output}

	if err := m.advance(st, state.StageWaitingCI); err != nil {
		return out, err
	}
	return out, m.sleep(ctx, m.cfg.CheckRestartDelay)
}

// handleWaitingReviews decides whether unresolved review threads need work.
func (m *Machine) handleWaitingReviews(ctx context.Context, st *state.RunState) (Result, error) {
	pr := st.PRNumber()
	if pr == 0 {
		return Result{Outcome: Continue}, m.advance(st, state.StagePRCreated)
	}
	status, err := m.status(ctx, pr)
	if err != nil {
		return Result{}, err
	}
	if r, done, err := m.closedOrMerged(st, status); done {
		return r, err
	}
	if status.ChecksPending > 0 {
		m.logger.Info("waiting for checks before reading reviews", "pr", pr, "pending", status.ChecksPending)
		return Result{Outcome: Continue}, m.sleep(ctx, m.cfg.PollInterval)
	}
	if status.ChecksFailed > 0 {
		return Result{Outcome: Continue}, m.advance(st, state.StageCIFailed)
	}

	actionable, err := m.actionableComments(ctx, pr)
	if err != nil {
		return Result{}, err
	}
	if len(actionable) > 0 {
		m.logger.Info("review comments to address", "pr", pr, "threads", len(threadIDs(actionable)))
		return Result{Outcome: Continue}, m.advance(st, state.StageAddressingReviews)
	}
	return Result{Outcome: Continue}, m.advance(st, state.StageReadyToMerge)
}

// actionableComments returns unresolved comments whose threads were not
// handled in an earlier review cycle.
func (m *Machine) actionableComments(ctx context.Context, pr int) ([]githost.Comment, error) {
	comments, err := faultguard.Call(ctx, m.guard, DependencyHost, func(ctx context.Context) ([]githost.Comment, error) {
		return m.host.ListComments(ctx, pr, true)
	})
	if err != nil {
		return nil, err
	}
	addressed, err := m.store.PRContext().AddressedThreads(pr)
	if err != nil {
		return nil, err
	}
	var out []githost.Comment
	for _, c := range comments {
		if !addressed[c.ThreadID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func threadIDs(comments []githost.Comment) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, c := range comments {
		if c.ThreadID != "" && !seen[c.ThreadID] {
			seen[c.ThreadID] = true
			ids = append(ids, c.ThreadID)
		}
	}
	return ids
}

// handleAddressingReviews saves the comments, runs the engine and then posts
// the replies it reported in the resolution file.
func (m *Machine) handleAddressingReviews(ctx context.Context, st *state.RunState) (Result, error) {
	pr := st.PRNumber()
	if pr == 0 {
		return Result{Outcome: Continue}, m.advance(st, state.StagePRCreated)
	}
	comments, err := m.actionableComments(ctx, pr)
	if err != nil {
		return Result{}, err
	}
	if len(comments) == 0 {
		return Result{Outcome: Continue}, m.advance(st, state.StageReadyToMerge)
	}

	prctx := m.store.PRContext()
	saved := make([]state.ReviewComment, 0, len(comments))
	for _, c := range comments {
		saved = append(saved, state.ReviewComment{
			ThreadID:  c.ThreadID,
			CommentID: fmt.Sprint(c.CommentID),
			Author:    c.Author,
			Body:      c.Body,
			Path:      c.Path,
			Line:      c.Line,
		})
	}
	if err := prctx.SaveComments(pr, saved); err != nil {
		return Result{}, err
	}
	if err := prctx.ClearResolutions(pr); err != nil {
		return Result{}, err
	}

	req := engine.WorkRequest{
		Task:           reviewTask(pr, filepath.Join(prctx.Dir(pr), "comments")+string(filepath.Separator), prctx.ResolvePath(pr)),
		Context:        m.loadContext(),
		Tier:           engine.TierOpus,
		RequiredBranch: m.currentBranch(ctx),
	}
	res, err := m.runEngine(ctx, st, "review", fmt.Sprintf("address review comments on PR #%d", pr), req)
	if err != nil {
		return Result{SessionRan: true}, err
	}
	out := Result{Outcome: Continue, SessionRan: true, Usage: res.Usage, Output: res.Output}

	ids := threadIDs(comments)
	replied, err := m.postReplies(ctx, pr, ids)
	if err != nil {
		return out, err
	}
	if len(replied) < len(ids) {
		m.logger.Warn("review threads left unanswered", "pr", pr, "answered", len(replied), "threads", len(ids))
	}
	if err := prctx.MarkAddressed(pr, replied...); err != nil {
		return out, err
	}
	if err := m.advance(st, state.StageWaitingCI); err != nil {
		return out, err
	}
	return out, m.sleep(ctx, m.cfg.SettleDelay)
}

// postReplies replies to each thread listed in the resolution file and
// resolves the ones reported fixed. It returns the threads that got a
// reply; threads the engine did not report on, or whose reply failed, stay
// open for the next review cycle.
func (m *Machine) postReplies(ctx context.Context, pr int, threads []string) ([]string, error) {
	prctx := m.store.PRContext()
	resolutions, err := prctx.Resolutions(pr)
	if err != nil {
		m.logger.Warn("unreadable resolution file", "pr", pr, "error", err)
		return nil, prctx.ClearResolutions(pr)
	}
	known := make(map[string]bool, len(threads))
	for _, id := range threads {
		known[id] = true
	}

	var replied []string
	for _, r := range resolutions {
		if r.ThreadID == "" || !known[r.ThreadID] {
			continue
		}
		err := m.guard.Do(ctx, DependencyHost, func(ctx context.Context) error {
			return m.host.ReplyToThread(ctx, pr, r.ThreadID, replyBody(r))
		})
		if err == nil {
			known[r.ThreadID] = false
			replied = append(replied, r.ThreadID)
			if r.Action == state.ActionFixed {
				err = m.guard.Do(ctx, DependencyHost, func(ctx context.Context) error {
					return m.host.ResolveThread(ctx, r.ThreadID)
				})
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return replied, ctx.Err()
			}
			m.logger.Warn("failed to update review thread", "pr", pr, "thread", r.ThreadID, "error", err)
		}
	}
	return replied, prctx.ClearResolutions(pr)
}

// handleReadyToMerge merges when the host reports the change request
// mergeable and auto merge is on.
func (m *Machine) handleReadyToMerge(ctx context.Context, st *state.RunState) (Result, error) {
	pr := st.PRNumber()
	if pr == 0 {
		return Result{Outcome: Continue}, m.advance(st, state.StagePRCreated)
	}

	for attempt := 1; ; attempt++ {
		status, err := m.status(ctx, pr)
		if err != nil {
			return Result{}, err
		}
		if r, done, err := m.closedOrMerged(st, status); done {
			return r, err
		}
		if status.Mergeable == githost.MergeableConflicting {
			return m.halt(st, state.StatusBlocked, Blocked, fmt.Sprintf("PR #%d has merge conflicts", pr))
		}
		if status.Mergeable == githost.MergeableYes {
			break
		}
		if attempt >= m.cfg.MergeablePollAttempts {
			return m.halt(st, state.StatusBlocked, Blocked,
				fmt.Sprintf("mergeability of PR #%d still unknown after %d checks", pr, attempt))
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return Result{}, err
		}
	}

	if !st.Options.AutoMerge {
		return m.halt(st, state.StatusPaused, Paused, fmt.Sprintf("PR #%d is ready to merge; merge it and resume", pr))
	}

	err := m.guard.Do(ctx, DependencyHost, func(ctx context.Context) error {
		return m.host.Merge(ctx, pr)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		reason := fmt.Sprintf("merging PR #%d failed: %v", pr, err)
		if errors.Is(err, tmerrors.ErrMergeConflict) {
			reason = fmt.Sprintf("PR #%d has merge conflicts", pr)
		}
		return m.halt(st, state.StatusBlocked, Blocked, reason)
	}
	m.logger.WithRun(st.RunID).Info("change request merged", "pr", pr)
	m.events.Publish(event.NewPRMergedEvent(st.RunID, pr))
	return Result{Outcome: Continue}, m.advance(st, state.StageMerged)
}

// handleMerged closes out the group and moves to the next one.
func (m *Machine) handleMerged(ctx context.Context, st *state.RunState) (Result, error) {
	p, err := m.scheduler.Plan()
	if err != nil {
		return Result{}, err
	}
	idx := st.CurrentTaskIndex
	next := idx + 1
	if st.Options.PRPerTask {
		err = m.scheduler.MarkComplete(idx)
	} else {
		next = p.FirstIndexAfterGroup(idx)
		err = m.scheduler.MarkGroupComplete(idx)
	}
	if err != nil && !errors.Is(err, tmerrors.ErrTaskNotFound) {
		return Result{}, err
	}

	if pr := st.PRNumber(); pr != 0 {
		if err := m.store.PRContext().Clear(pr); err != nil {
			m.logger.Warn("failed to clear change request context", "pr", pr, "error", err)
		}
	}

	if m.repo != nil {
		if err := m.repo.CheckoutBase(ctx, m.cfg.TargetBranch); err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return m.halt(st, state.StatusBlocked, Blocked,
				fmt.Sprintf("could not check out %s after merge: %v", m.cfg.TargetBranch, err))
		}
	}

	if next > st.CurrentTaskIndex {
		st.CurrentTaskIndex = next
	}
	st.SetPR(0)
	if err := m.advance(st, state.StageWorking); err != nil {
		return Result{}, err
	}
	if m.monitor != nil {
		m.monitor.RecordProgress(st.CurrentTaskIndex)
	}

	p, err = m.scheduler.Plan()
	if err != nil {
		return Result{}, err
	}
	if p.AllComplete() {
		return Result{Outcome: Done}, nil
	}
	return Result{Outcome: Continue}, nil
}
