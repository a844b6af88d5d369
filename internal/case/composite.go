package case_manager

import (
	"context"

	"go-net-flow/internal/events"
	"go-net-flow/internal/models"
)

// spawnSubnet starts the decomposition of a composite instance. The sub-net gets
// its own marking and data, mapped from the instance data, and is owned by nr.
func (r *Runner) spawnSubnet(ctx context.Context, nr *netRunner, task *models.Task, inst *models.WorkItem) {
	d := task.Decomposition
	id := inst.ID + "/" + d.Net.ID()
	sub := r.addNet(id, d.Net, inst.ID, nil, d.ChildData(inst.Data))
	sub.marking.AddTokens(d.Net.InputCondition(), 1)
	nr.subnets[inst.ID] = sub
	r.emit(events.Event{Type: events.EventWorkItemStarted, NetID: nr.id, TaskID: task.ID, WorkItemID: inst.ID, Payload: map[string]interface{}{"subnet": id}})
	r.logger.DebugContext(ctx, "sub-net started", "net", nr.id, "task", task.ID, "work_item", inst.ID, "subnet", id)
}

// completeComposite hands a finished sub-net's output to its composite instance
// and completes that instance in the parent net.
func (r *Runner) completeComposite(ctx context.Context, nr *netRunner, itemID string, sub *netRunner) {
	item, err := r.items.Get(itemID)
	if err != nil {
		return
	}
	task := nr.net.Task(item.TaskID)
	output := task.Decomposition.ParentOutput(sub.data)
	r.dropNet(sub)
	delete(nr.subnets, itemID)

	outcome, err := nr.lc.Complete(itemID, output, nr.data)
	if err != nil {
		r.fault(ctx, nr, item.TaskID, err)
		if failed, ferr := nr.lc.Fail(itemID, err.Error(), nr.data); ferr == nil {
			r.recordOutcome(ctx, nr, failed)
		}
		return
	}
	r.recordOutcome(ctx, nr, outcome)
	r.logger.DebugContext(ctx, "sub-net completed", "net", nr.id, "work_item", itemID, "subnet", sub.id)
}

// failComposite tears down a sub-net that cannot finish and fails its composite instance
func (r *Runner) failComposite(ctx context.Context, nr *netRunner, itemID string, sub *netRunner, reason string) {
	r.tearDown(ctx, sub, reason)
	delete(nr.subnets, itemID)
	outcome, err := nr.lc.Fail(itemID, reason, nr.data)
	if err != nil {
		r.fault(ctx, nr, "", err)
		return
	}
	r.recordOutcome(ctx, nr, outcome)
	r.logger.WarnContext(ctx, "composite work item failed", "net", nr.id, "work_item", itemID, "reason", reason)
}

// tearDown discards a net instance and everything below it: live work items are
// cancelled without completion logic, tokens are removed, timers stopped.
// Nested sub-nets are collected first, so arbitrarily deep trees are handled iteratively.
func (r *Runner) tearDown(ctx context.Context, nr *netRunner, reason string) {
	order := []*netRunner{nr}
	for i := 0; i < len(order); i++ {
		for _, id := range sortedKeys(order[i].subnets) {
			order = append(order, order[i].subnets[id])
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		for _, taskID := range n.net.TaskIDs() {
			for _, item := range n.lc.CancelTask(taskID, reason) {
				r.cancelTimer(item.ID)
				r.emit(events.Event{Type: events.EventWorkItemCancelled, NetID: n.id, TaskID: taskID, WorkItemID: item.ID, Payload: map[string]interface{}{"reason": reason}})
			}
		}
		for _, c := range n.marking.MarkedConditions() {
			n.marking.ClearCondition(c)
		}
		n.enabled = make(map[string]string)
		n.subnets = make(map[string]*netRunner)
		if n != r.root {
			r.dropNet(n)
		}
	}
	r.logger.DebugContext(ctx, "net torn down", "net", nr.id, "nets", len(order), "reason", reason)
}

// dropNet removes a finished net instance from the runner's index
func (r *Runner) dropNet(nr *netRunner) {
	delete(r.nets, nr.id)
	for key := range r.blocked {
		if r.blocked[key].netID == nr.id {
			delete(r.blocked, key)
		}
	}
}
