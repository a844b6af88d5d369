package case_manager

import (
	"context"
	"fmt"
	"sort"

	"go-net-flow/internal/engine"
	"go-net-flow/internal/events"
	"go-net-flow/internal/models"
	"go-net-flow/internal/workitem"
)

// netRunner is one running net: the root net of a case or the sub-net of a
// composite work item. A parent owns its sub-nets; sub-nets hold no reference back
// and report their result through the status advance returns.
type netRunner struct {
	id         string // net instance id; the case id for the root net
	net        *models.Net
	workItemID string // composite instance this net runs for
	marking    *models.Marking
	data       map[string]interface{}
	eval       *engine.Evaluator
	lc         *workitem.Lifecycle
	enabled    map[string]string     // task id -> enabled work item id
	subnets    map[string]*netRunner // composite work item id -> sub-net
}

type netStatus int

const (
	netRunning netStatus = iota
	netCompleted
	netDeadlocked
)

// addNet creates a net instance and registers it in the runner's index
func (r *Runner) addNet(id string, net *models.Net, workItemID string, marking *models.Marking, data map[string]interface{}) *netRunner {
	if marking == nil {
		marking = models.NewMarking()
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	eval := engine.NewEvaluator(net)
	nr := &netRunner{
		id:         id,
		net:        net,
		workItemID: workItemID,
		marking:    marking,
		data:       data,
		eval:       eval,
		enabled:    make(map[string]string),
		subnets:    make(map[string]*netRunner),
	}
	nr.lc = workitem.NewLifecycle(r.caseID, id, eval, marking, r.items, r.exprs, workitem.Options{
		Policy: workitem.MissingDataPolicy(r.opts.Config.MissingInstanceData),
		NewID:  r.nextID,
		Now:    r.opts.Now,
	})
	r.nets[id] = nr
	return nr
}

// settle advances the whole case after an event and decides the case status.
func (r *Runner) settle(ctx context.Context) {
	if r.status != models.CaseStatusRunning {
		return
	}
	switch r.advance(ctx, r.root) {
	case netCompleted:
		r.finish(models.CaseStatusCompleted)
		r.emit(events.Event{Type: events.EventCaseCompleted, NetID: r.root.id, Payload: map[string]interface{}{"data": models.CopyData(r.root.data)}})
		r.logger.InfoContext(ctx, "case completed")
	case netDeadlocked:
		r.finish(models.CaseStatusDeadlocked)
		r.emit(events.Event{Type: events.EventCaseDeadlocked, NetID: r.root.id, Payload: map[string]interface{}{"marking": r.root.marking.Snapshot().Tokens}})
		r.logger.WarnContext(ctx, "case deadlocked", "marking", r.root.marking.String())
	default:
		r.trackOrJoins(ctx)
	}
}

// advance fires everything that can fire without a client in nr and its sub-nets,
// offers enabled atomic tasks to clients, and reports whether the net finished.
func (r *Runner) advance(ctx context.Context, nr *netRunner) netStatus {
	failed := make(map[string]bool)
	for {
		progressed := false

		for _, itemID := range sortedKeys(nr.subnets) {
			// a sibling reaching the threshold withdraws the remaining instances
			sub, ok := nr.subnets[itemID]
			if !ok {
				continue
			}
			switch r.advance(ctx, sub) {
			case netCompleted:
				r.completeComposite(ctx, nr, itemID, sub)
				progressed = true
			case netDeadlocked:
				r.failComposite(ctx, nr, itemID, sub, "sub-net "+sub.net.ID()+" deadlocked")
				progressed = true
			}
		}

		enabled := nr.eval.EnabledTasks(nr.marking, nr.marking.ActiveTasks())
		r.withdrawStale(ctx, nr, enabled)

		for _, taskID := range enabled {
			if nr.marking.IsBusy(taskID) || failed[taskID] {
				continue
			}
			// an earlier firing in this pass may have taken the token
			if !nr.eval.IsEnabled(taskID, nr.marking, nr.marking.ActiveTasks()) {
				continue
			}
			task := nr.net.Task(taskID)
			switch task.Kind {
			case models.TaskKindEmpty, models.TaskKindComposite:
				if r.steps >= r.opts.Config.MaxStepsPerEvent {
					r.fault(ctx, nr, taskID, fmt.Errorf("step limit of %d reached, firing postponed", r.opts.Config.MaxStepsPerEvent))
					return netRunning
				}
				r.steps++
				if err := r.fireInternal(ctx, nr, task); err != nil {
					failed[taskID] = true
					r.fault(ctx, nr, taskID, err)
					continue
				}
				progressed = true
			default:
				if _, offered := nr.enabled[taskID]; offered {
					continue
				}
				item, err := nr.lc.Enable(taskID, nr.data)
				if err != nil {
					r.fault(ctx, nr, taskID, err)
					continue
				}
				nr.enabled[taskID] = item.ID
				r.emit(events.Event{Type: events.EventTaskEnabled, NetID: nr.id, TaskID: taskID, WorkItemID: item.ID})
				r.logger.DebugContext(ctx, "task enabled", "net", nr.id, "task", taskID, "work_item", item.ID)
			}
		}

		if !progressed {
			break
		}
	}
	return r.netStatus(ctx, nr)
}

// fireInternal fires a task that needs no client: empty tasks route at once,
// composite tasks start their sub-nets.
func (r *Runner) fireInternal(ctx context.Context, nr *netRunner, task *models.Task) error {
	if task.IsEmpty() {
		produced, err := nr.lc.FireEmpty(task.ID, nr.data)
		if err != nil {
			return err
		}
		r.applyCancellationSet(ctx, nr, task.ID)
		r.logger.DebugContext(ctx, "empty task fired", "net", nr.id, "task", task.ID, "produced", produced)
		return nil
	}
	res, err := r.fireTask(ctx, nr, task.ID, "")
	if err != nil {
		return err
	}
	for _, inst := range res.Instances {
		if _, err := nr.lc.Start(inst.ID); err != nil {
			return err
		}
		r.spawnSubnet(ctx, nr, task, inst)
	}
	return nil
}

// fireTask fires a task with work items and applies its cancellation set in the same step
func (r *Runner) fireTask(ctx context.Context, nr *netRunner, taskID, enabledItemID string) (*workitem.FireResult, error) {
	res, err := nr.lc.Fire(taskID, enabledItemID, nr.data)
	if err != nil {
		return nil, err
	}
	delete(nr.enabled, taskID)
	for _, inst := range res.Instances {
		r.scheduleTimer(inst)
	}
	r.applyCancellationSet(ctx, nr, taskID)
	r.logger.DebugContext(ctx, "task fired", "net", nr.id, "task", taskID, "instances", len(res.Instances), "consumed", res.Consumed)
	return res, nil
}

// withdrawStale cancels offered items whose task lost its enabling tokens, which is
// how the losers of a deferred choice disappear.
func (r *Runner) withdrawStale(ctx context.Context, nr *netRunner, enabled []string) {
	still := make(map[string]bool, len(enabled))
	for _, id := range enabled {
		still[id] = true
	}
	for _, taskID := range sortedKeys(nr.enabled) {
		if still[taskID] {
			continue
		}
		itemID := nr.enabled[taskID]
		delete(nr.enabled, taskID)
		item, err := nr.lc.Withdraw(itemID, "task no longer enabled")
		if err != nil {
			continue
		}
		r.emit(events.Event{Type: events.EventWorkItemCancelled, NetID: nr.id, TaskID: taskID, WorkItemID: item.ID, Payload: map[string]interface{}{"reason": item.CancelledBy}})
		r.logger.DebugContext(ctx, "work item withdrawn", "net", nr.id, "task", taskID, "work_item", itemID)
	}
}

// applyCancellationSet voids the tokens, work items and sub-nets the task's
// cancellation set covers. It runs inside the firing request, so no other event
// can observe a partially cancelled marking.
func (r *Runner) applyCancellationSet(ctx context.Context, nr *netRunner, taskID string) {
	set := nr.net.CancellationSet(taskID)
	if len(set) == 0 {
		return
	}
	reason := "cancelled by " + taskID
	removed := 0
	for _, id := range set {
		switch {
		case nr.net.IsCondition(id):
			removed += nr.marking.ClearCondition(id)
		case nr.net.IsTask(id) && id != taskID:
			for _, itemID := range sortedKeys(nr.subnets) {
				if item, err := r.items.Get(itemID); err == nil && item.TaskID == id {
					r.tearDown(ctx, nr.subnets[itemID], reason)
					delete(nr.subnets, itemID)
				}
			}
			delete(nr.enabled, id)
			for _, item := range nr.lc.CancelTask(id, reason) {
				r.cancelTimer(item.ID)
				r.emit(events.Event{Type: events.EventWorkItemCancelled, NetID: nr.id, TaskID: id, WorkItemID: item.ID, Payload: map[string]interface{}{"reason": reason}})
			}
		}
	}
	r.logger.DebugContext(ctx, "cancellation set applied", "net", nr.id, "task", taskID, "tokens_removed", removed)
}

// netStatus classifies a net that cannot progress on its own any further.
func (r *Runner) netStatus(ctx context.Context, nr *netRunner) netStatus {
	output := nr.net.OutputCondition()
	active := len(nr.marking.ActiveTasks()) > 0 || len(nr.subnets) > 0
	offered := len(nr.enabled) > 0

	if nr.marking.IsMarked(output) {
		stray := nr.marking.TotalTokens() - nr.marking.Tokens(output)
		if stray == 0 && !active {
			return netCompleted
		}
		if !active && !offered && len(nr.eval.EnabledTasks(nr.marking, nil)) == 0 {
			for _, c := range nr.marking.MarkedConditions() {
				if c != output {
					nr.marking.ClearCondition(c)
				}
			}
			r.emit(events.Event{Type: events.EventCaseFault, NetID: nr.id, Err: fmt.Sprintf("improper completion: %d stray tokens removed", stray)})
			r.logger.WarnContext(ctx, "improper completion", "net", nr.id, "stray_tokens", stray)
			return netCompleted
		}
		return netRunning
	}
	if active || offered {
		return netRunning
	}
	if len(nr.eval.EnabledTasks(nr.marking, nil)) > 0 {
		// enabled internal tasks that faulted; the next event retries them
		return netRunning
	}
	if nr.marking.TotalTokens() == 0 {
		// cancellation removed every token; there is nothing left that could deadlock
		return netCompleted
	}
	return netDeadlocked
}

// recordOutcome turns a lifecycle outcome into events and drops the timers and
// sub-nets of every item it ended.
func (r *Runner) recordOutcome(ctx context.Context, nr *netRunner, outcome *workitem.Outcome) {
	item := outcome.Item
	r.cancelTimer(item.ID)
	switch item.Status {
	case models.WorkItemStatusComplete:
		r.emit(events.Event{Type: events.EventWorkItemCompleted, NetID: nr.id, TaskID: item.TaskID, WorkItemID: item.ID, Payload: map[string]interface{}{"output": models.CopyData(item.Output)}})
	case models.WorkItemStatusFailed:
		r.emit(events.Event{Type: events.EventWorkItemFailed, NetID: nr.id, TaskID: item.TaskID, WorkItemID: item.ID, Err: item.FailureReason})
	case models.WorkItemStatusCancelled:
		r.emit(events.Event{Type: events.EventWorkItemCancelled, NetID: nr.id, TaskID: item.TaskID, WorkItemID: item.ID, Payload: map[string]interface{}{"reason": item.CancelledBy}})
	}
	for _, w := range outcome.Withdrawn {
		r.cancelTimer(w.ID)
		if sub, ok := nr.subnets[w.ID]; ok {
			r.tearDown(ctx, sub, w.CancelledBy)
			delete(nr.subnets, w.ID)
		}
		r.emit(events.Event{Type: events.EventWorkItemCancelled, NetID: nr.id, TaskID: w.TaskID, WorkItemID: w.ID, Payload: map[string]interface{}{"reason": w.CancelledBy}})
	}
	if outcome.TaskExited {
		r.logger.DebugContext(ctx, "task completed", "net", nr.id, "task", item.TaskID, "produced", outcome.Produced)
	}
}

// cancelItem cancels an item on behalf of a client or a timer
func (r *Runner) cancelItem(ctx context.Context, nr *netRunner, item *models.WorkItem, reason string) error {
	if item.IsTerminated() || item.Status == models.WorkItemStatusEnabled {
		return &models.StateTransitionError{Entity: "work item", ID: item.ID, From: string(item.Status), To: string(models.WorkItemStatusCancelled)}
	}
	outcome, err := nr.lc.Cancel(item.ID, reason, nr.data)
	if err != nil {
		return err
	}
	targets := []string{item.ID}
	if item.IsParent() {
		targets = item.Children
	}
	for _, id := range targets {
		if sub, ok := nr.subnets[id]; ok {
			r.tearDown(ctx, sub, reason)
			delete(nr.subnets, id)
		}
	}
	r.recordOutcome(ctx, nr, outcome)
	return nil
}

func (r *Runner) fault(ctx context.Context, nr *netRunner, taskID string, err error) {
	r.emit(events.Event{Type: events.EventCaseFault, NetID: nr.id, TaskID: taskID, Err: err.Error()})
	r.logger.WarnContext(ctx, "case fault", "net", nr.id, "task", taskID, "error", err)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
