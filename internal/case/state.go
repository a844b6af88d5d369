package case_manager

import (
	"fmt"

	"go-net-flow/internal/models"
)

// buildState captures the runner's current state. Everything is copied, so the
// snapshot stays valid while the runner moves on.
func (r *Runner) buildState() *models.CaseState {
	state := &models.CaseState{
		CaseID:    r.caseID,
		SpecID:    r.spec.ID(),
		Status:    r.status,
		Marking:   r.root.marking.Snapshot(),
		Subnets:   r.subnetStates(r.root),
		WorkItems: r.items.Query(nil),
		CaseData:  models.CopyData(r.root.data),
		Sequence:  r.seq,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	if r.completedAt != nil {
		t := *r.completedAt
		state.CompletedAt = &t
	}
	return state
}

func (r *Runner) subnetStates(nr *netRunner) []*models.NetState {
	if len(nr.subnets) == 0 {
		return nil
	}
	out := make([]*models.NetState, 0, len(nr.subnets))
	for _, itemID := range sortedKeys(nr.subnets) {
		sub := nr.subnets[itemID]
		out = append(out, &models.NetState{
			NetInstanceID: sub.id,
			NetID:         sub.net.ID(),
			WorkItemID:    sub.workItemID,
			Marking:       sub.marking.Snapshot(),
			Data:          models.CopyData(sub.data),
			Subnets:       r.subnetStates(sub),
		})
	}
	return out
}

// restoreRunner rebuilds a runner from a persisted state. The runner is not started.
func restoreRunner(spec *models.Net, state *models.CaseState, opts RunnerOptions) (*Runner, error) {
	if state.SpecID != spec.ID() {
		return nil, fmt.Errorf("restore case %s: state belongs to spec %s, not %s", state.CaseID, state.SpecID, spec.ID())
	}
	if state.Status.IsTerminal() {
		return nil, &models.StateTransitionError{Entity: "case", ID: state.CaseID, From: string(state.Status), To: string(models.CaseStatusRunning), Reason: "terminal cases are not restored"}
	}
	r := newRunner(state.CaseID, spec, opts)
	r.status = state.Status
	r.seq = state.Sequence
	r.createdAt = state.CreatedAt
	r.updatedAt = state.UpdatedAt

	for _, item := range state.WorkItems {
		r.items.Add(item.Clone())
	}
	r.root = r.addNet(state.CaseID, spec, "", models.RestoreMarking(state.Marking), models.CopyData(state.CaseData))
	if err := r.restoreSubnets(r.root, state.Subnets); err != nil {
		r.exprs.Close()
		return nil, fmt.Errorf("restore case %s: %w", state.CaseID, err)
	}

	for _, item := range r.items.Find(&models.WorkItemFilter{ParentOnly: true, Status: []models.WorkItemStatus{models.WorkItemStatusEnabled}}) {
		nr, ok := r.nets[item.NetID]
		if !ok {
			r.exprs.Close()
			return nil, fmt.Errorf("restore case %s: work item %s belongs to unknown net instance %s", state.CaseID, item.ID, item.NetID)
		}
		nr.enabled[item.TaskID] = item.ID
	}
	for _, item := range r.items.Find(&models.WorkItemFilter{ChildOnly: true}) {
		if item.IsActive() {
			r.scheduleTimer(item)
		}
	}
	return r, nil
}

func (r *Runner) restoreSubnets(parent *netRunner, states []*models.NetState) error {
	for _, ns := range states {
		item, err := r.items.Get(ns.WorkItemID)
		if err != nil {
			return err
		}
		task := parent.net.Task(item.TaskID)
		if task == nil || !task.IsComposite() || task.Decomposition.Net.ID() != ns.NetID {
			return fmt.Errorf("sub-net %s does not match task %s of net %s", ns.NetInstanceID, item.TaskID, parent.net.ID())
		}
		sub := r.addNet(ns.NetInstanceID, task.Decomposition.Net, ns.WorkItemID, models.RestoreMarking(ns.Marking), models.CopyData(ns.Data))
		parent.subnets[ns.WorkItemID] = sub
		if err := r.restoreSubnets(sub, ns.Subnets); err != nil {
			return err
		}
	}
	return nil
}
