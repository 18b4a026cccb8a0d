package workflow

import (
	"context"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/githost"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/state"
)

// Reconcile realigns the persisted stage with the host before a resumed run
// takes its first step. Work done by hand while the run was stopped (a fix
// pushed, a merge, a reply) is picked up instead of being redone. It reports
// whether the stage changed.
func (m *Machine) Reconcile(ctx context.Context, st *state.RunState) (bool, error) {
	want, err := m.reconciledStage(ctx, st)
	if err != nil {
		return false, err
	}
	if want == "" || want == st.WorkflowStage {
		return false, nil
	}
	m.logger.WithRun(st.RunID).Info("reconciled stage with host", "from", string(st.WorkflowStage), "to", string(want))
	if err := m.advance(st, want); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) reconciledStage(ctx context.Context, st *state.RunState) (state.Stage, error) {
	pr := st.PRNumber()
	if pr == 0 {
		if st.WorkflowStage == state.StagePRCreated {
			return "", nil
		}
		return state.StageWorking, nil
	}

	status, err := m.status(ctx, pr)
	if err != nil {
		return "", err
	}
	switch {
	case status.State == githost.StateMerged:
		return state.StageMerged, nil
	case status.State == githost.StateClosed:
		// The next step reports the closed change request.
		return "", nil
	case status.ChecksFailed > 0 && status.ChecksPending == 0:
		return state.StageCIFailed, nil
	case status.ChecksPending > 0:
		return state.StageWaitingCI, nil
	}

	if status.UnresolvedThreads > 0 {
		actionable, err := m.actionableComments(ctx, pr)
		if err != nil {
			return "", err
		}
		if len(actionable) > 0 {
			return state.StageAddressingReviews, nil
		}
	}
	return state.StageReadyToMerge, nil
}
