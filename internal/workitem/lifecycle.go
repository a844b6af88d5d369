package workitem

import (
	"fmt"
	"time"

	"go-net-flow/internal/engine"
	"go-net-flow/internal/models"
)

// MissingDataPolicy decides what a multi-instance task does when its count query
// yields nothing usable.
type MissingDataPolicy string

const (
	MissingDataUseMin MissingDataPolicy = "use_min" // create the minimum number of instances
	MissingDataFail   MissingDataPolicy = "fail"    // refuse to fire
)

// Expressions evaluates the Lua expressions a net carries
type Expressions interface {
	engine.PredicateEvaluator
	EvaluateValue(expression string, data map[string]interface{}) (interface{}, error)
}

// Options configures a Lifecycle
type Options struct {
	Policy MissingDataPolicy
	// NewID returns a fresh id for the parent item of a task firing.
	NewID func(taskID string) string
	Now   func() time.Time
}

// Lifecycle drives the work items of one net instance: firing, starting,
// completing and cancelling them, and keeping the marking in step.
// It is single-writer: the owning case runner serialises every call, which keeps
// the per-task instance accounting consistent.
type Lifecycle struct {
	caseID    string
	netID     string
	net       *models.Net
	evaluator *engine.Evaluator
	marking   *models.Marking
	items     *Repository
	exprs     Expressions
	opts      Options
}

// Outcome describes what a completion, cancellation or failure did to the task
type Outcome struct {
	Item       *models.WorkItem   `json:"item"`
	TaskExited bool               `json:"taskExited"` // threshold reached, successors produced
	TaskEnded  bool               `json:"taskEnded"`  // task left without producing
	Produced   []string           `json:"produced,omitempty"`
	Withdrawn  []*models.WorkItem `json:"withdrawn,omitempty"`
}

// FireResult describes a task firing
type FireResult struct {
	Parent    *models.WorkItem
	Instances []*models.WorkItem
	Consumed  []string
}

// NewLifecycle creates the lifecycle for one net instance
func NewLifecycle(caseID, netID string, evaluator *engine.Evaluator, marking *models.Marking, items *Repository, exprs Expressions, opts Options) *Lifecycle {
	if opts.Policy == "" {
		opts.Policy = MissingDataUseMin
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		seq := 0
		opts.NewID = func(taskID string) string {
			seq++
			return fmt.Sprintf("%s:%s:%d", caseID, taskID, seq)
		}
	}
	return &Lifecycle{
		caseID:    caseID,
		netID:     netID,
		net:       evaluator.Net(),
		evaluator: evaluator,
		marking:   marking,
		items:     items,
		exprs:     exprs,
		opts:      opts,
	}
}

// Marking returns the marking the lifecycle mutates
func (l *Lifecycle) Marking() *models.Marking { return l.marking }

// Enable creates the enabled parent item a client starts to fire the task
func (l *Lifecycle) Enable(taskID string, data map[string]interface{}) (*models.WorkItem, error) {
	task := l.net.Task(taskID)
	if task == nil {
		return nil, models.NotFoundf("task %s in net %s", taskID, l.net.ID())
	}
	item := l.newItem(l.opts.NewID(taskID), task, data)
	l.items.Add(item)
	return item, nil
}

// Withdraw cancels an enabled item whose task lost its enabling tokens
func (l *Lifecycle) Withdraw(itemID, reason string) (*models.WorkItem, error) {
	item, err := l.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != models.WorkItemStatusEnabled {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusCancelled), Reason: "only enabled items can be withdrawn"}
	}
	item.CancelledBy = reason
	if err := item.Transition(models.WorkItemStatusCancelled, l.opts.Now()); err != nil {
		return nil, err
	}
	return item, nil
}

// Fire consumes the task's input tokens and creates its instances.
// parentID names the enabled item being started; empty creates the parent on the fly.
// Nothing is mutated when an error is returned.
func (l *Lifecycle) Fire(taskID, parentID string, data map[string]interface{}) (*FireResult, error) {
	task := l.net.Task(taskID)
	if task == nil {
		return nil, models.NotFoundf("task %s in net %s", taskID, l.net.ID())
	}
	if task.IsEmpty() {
		return nil, fmt.Errorf("task %s is an empty task and has no work items", taskID)
	}

	var parent *models.WorkItem
	if parentID != "" {
		p, err := l.items.Get(parentID)
		if err != nil {
			return nil, err
		}
		if p.TaskID != taskID || p.Status != models.WorkItemStatusEnabled {
			return nil, &models.StateTransitionError{Entity: "work item", ID: parentID, From: string(p.Status), To: string(models.WorkItemStatusFired), Reason: "item is not the enabled item of task " + taskID}
		}
		parent = p
	}
	if !l.evaluator.IsEnabled(taskID, l.marking, l.marking.ActiveTasks()) {
		return nil, &models.StateTransitionError{Entity: "task", ID: taskID, From: "not enabled", To: "fired"}
	}
	if l.marking.IsBusy(taskID) {
		return nil, &models.StateTransitionError{Entity: "task", ID: taskID, From: "busy", To: "fired", Reason: "previous firing still active"}
	}

	instanceData, err := l.instanceData(task, data)
	if err != nil {
		return nil, err
	}
	consumed, err := l.evaluator.Consume(taskID, l.marking)
	if err != nil {
		return nil, err
	}

	now := l.opts.Now()
	if parent == nil {
		parent = l.newItem(l.opts.NewID(taskID), task, data)
		l.items.Add(parent)
	}
	if err := parent.Transition(models.WorkItemStatusFired, now); err != nil {
		return nil, err
	}

	result := &FireResult{Parent: parent, Consumed: consumed}
	for i, d := range instanceData {
		result.Instances = append(result.Instances, l.addInstance(task, parent, i, d, now))
	}
	return result, nil
}

// FireEmpty fires a routing-only task: consume, route, produce, in one step.
// It returns the conditions that received tokens.
func (l *Lifecycle) FireEmpty(taskID string, data map[string]interface{}) ([]string, error) {
	task := l.net.Task(taskID)
	if task == nil || !task.IsEmpty() {
		return nil, fmt.Errorf("task %s is not an empty task", taskID)
	}
	if !l.evaluator.IsEnabled(taskID, l.marking, l.marking.ActiveTasks()) {
		return nil, &models.StateTransitionError{Entity: "task", ID: taskID, From: "not enabled", To: "fired"}
	}
	targets, err := l.evaluator.SplitTargets(taskID, data, l.exprs)
	if err != nil {
		return nil, err
	}
	if _, err := l.evaluator.Consume(taskID, l.marking); err != nil {
		return nil, err
	}
	l.evaluator.Produce(targets, l.marking)
	return targets, nil
}

// Start moves a fired instance to executing
func (l *Lifecycle) Start(itemID string) (*models.WorkItem, error) {
	item, err := l.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	if item.IsParent() {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusExecuting), Reason: "task items are fired, instances are started"}
	}
	if err := item.Transition(models.WorkItemStatusExecuting, l.opts.Now()); err != nil {
		return nil, err
	}
	return item, nil
}

// Rollback returns an executing instance to fired
func (l *Lifecycle) Rollback(itemID string) (*models.WorkItem, error) {
	item, err := l.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	if item.IsParent() || item.Status != models.WorkItemStatusExecuting {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusFired), Reason: "only executing instances roll back"}
	}
	if err := item.Transition(models.WorkItemStatusFired, l.opts.Now()); err != nil {
		return nil, err
	}
	return item, nil
}

// AddInstance grows a dynamic multi-instance task that is still running
func (l *Lifecycle) AddInstance(parentID string, data map[string]interface{}) (*models.WorkItem, error) {
	parent, err := l.items.Get(parentID)
	if err != nil {
		return nil, err
	}
	task := l.net.Task(parent.TaskID)
	if !parent.IsParent() || parent.Status != models.WorkItemStatusFired {
		return nil, &models.StateTransitionError{Entity: "work item", ID: parentID, From: string(parent.Status), To: "new instance", Reason: "instances are added to a fired task item"}
	}
	mi := task.MultiInstance
	if mi == nil || mi.Mode != models.CreationDynamic {
		return nil, &models.StateTransitionError{Entity: "task", ID: task.ID, From: "static", To: "new instance", Reason: "task does not allow dynamic instance creation"}
	}
	if len(parent.Children) >= mi.Max {
		return nil, &models.StateTransitionError{Entity: "task", ID: task.ID, From: fmt.Sprintf("%d instances", len(parent.Children)), To: "new instance", Reason: fmt.Sprintf("maximum of %d reached", mi.Max)}
	}
	instance := models.CopyData(parent.Data)
	models.MergeData(instance, data)
	return l.addInstance(task, parent, len(parent.Children), instance, l.opts.Now()), nil
}

// Complete finishes an executing instance. The output is validated first; when the
// task's threshold is reached the outputs are merged into data, remaining instances
// are withdrawn and the split produces successor tokens. On error nothing changes.
func (l *Lifecycle) Complete(itemID string, output, data map[string]interface{}) (*Outcome, error) {
	item, err := l.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	if item.IsParent() {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusComplete), Reason: "complete the task's instances, not the task item"}
	}
	if item.Status == models.WorkItemStatusCancelled {
		return nil, &models.CancellationRaceError{WorkItemID: itemID, CancelledBy: item.CancelledBy}
	}
	if item.Status != models.WorkItemStatusExecuting {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusComplete)}
	}
	task := l.net.Task(item.TaskID)
	if output == nil {
		output = map[string]interface{}{}
	}
	if task.OutputSchema != nil {
		if err := task.OutputSchema.Validate(output); err != nil {
			return nil, &models.DataValidationError{WorkItemID: itemID, TaskID: task.ID, Cause: err}
		}
	}
	parent, err := l.items.Get(item.ParentID)
	if err != nil {
		return nil, err
	}

	plan, err := l.planExit(task, parent, item, output, data)
	if err != nil {
		return nil, err
	}

	now := l.opts.Now()
	item.Output = models.CopyData(output)
	if err := item.Transition(models.WorkItemStatusComplete, now); err != nil {
		return nil, err
	}
	l.marking.RemoveInstance(task.ID, item.ID)

	outcome := &Outcome{Item: item}
	if err := l.applyExit(task, parent, plan, data, models.WorkItemStatusComplete, outcome, now); err != nil {
		return nil, err
	}
	return outcome, nil
}

// Cancel cancels an active item. Cancelling a task item cancels all its instances;
// cancelling the last active instance of a task either lets the task exit (if its
// threshold is met by the completed instances) or ends it without output.
func (l *Lifecycle) Cancel(itemID, reason string, data map[string]interface{}) (*Outcome, error) {
	return l.terminate(itemID, reason, models.WorkItemStatusCancelled, data)
}

// Fail marks an executing instance failed, with the same task accounting as Cancel
func (l *Lifecycle) Fail(itemID, reason string, data map[string]interface{}) (*Outcome, error) {
	item, err := l.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	if item.IsParent() || item.Status != models.WorkItemStatusExecuting {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusFailed), Reason: "only executing instances can fail"}
	}
	return l.terminate(itemID, reason, models.WorkItemStatusFailed, data)
}

func (l *Lifecycle) terminate(itemID, reason string, to models.WorkItemStatus, data map[string]interface{}) (*Outcome, error) {
	item, err := l.items.Get(itemID)
	if err != nil {
		return nil, err
	}
	if item.IsTerminated() {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(to)}
	}
	if item.Status == models.WorkItemStatusEnabled {
		return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(to), Reason: "enabled items are withdrawn by the engine"}
	}
	task := l.net.Task(item.TaskID)
	now := l.opts.Now()

	if item.IsParent() {
		outcome := &Outcome{Item: item, TaskEnded: true}
		for _, child := range l.items.Children(item.ID) {
			if l.endInstance(task, child, reason, models.WorkItemStatusCancelled, now) {
				outcome.Withdrawn = append(outcome.Withdrawn, child)
			}
		}
		item.CancelledBy = reason
		if err := item.Transition(to, now); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	parent, err := l.items.Get(item.ParentID)
	if err != nil {
		return nil, err
	}
	plan, err := l.planExit(task, parent, item, nil, data)
	if err != nil {
		return nil, err
	}
	l.endInstance(task, item, reason, to, now)
	outcome := &Outcome{Item: item}
	if err := l.applyExit(task, parent, plan, data, to, outcome, now); err != nil {
		return nil, err
	}
	return outcome, nil
}

// CancelTask voids every live item of the task in this net, regardless of state,
// without running any completion logic. Used by cancellation sets and case teardown.
func (l *Lifecycle) CancelTask(taskID, reason string) []*models.WorkItem {
	filter := &models.WorkItemFilter{
		NetID:  l.netID,
		TaskID: taskID,
		Status: []models.WorkItemStatus{models.WorkItemStatusEnabled, models.WorkItemStatusFired, models.WorkItemStatusExecuting},
	}
	now := l.opts.Now()
	var cancelled []*models.WorkItem
	for _, item := range l.items.Find(filter) {
		item.CancelledBy = reason
		if err := item.Transition(models.WorkItemStatusCancelled, now); err == nil {
			cancelled = append(cancelled, item)
		}
	}
	l.marking.ClearInstances(taskID)
	return cancelled
}

// exitPlan is what happens to the task once the current instance is accounted for
type exitPlan struct {
	exits   bool
	ends    bool
	merged  map[string]interface{}
	targets []string
}

// planExit works out, without mutating anything, whether accounting for the given
// instance (completing with output, or terminating when output is nil) lets the
// task exit or end.
func (l *Lifecycle) planExit(task *models.Task, parent, item *models.WorkItem, output, data map[string]interface{}) (*exitPlan, error) {
	siblings := l.items.Children(parent.ID)
	completed, active, ended := 0, 0, 0
	var outputs []map[string]interface{}
	for _, s := range siblings {
		switch {
		case s.ID == item.ID && output != nil:
			completed++
			outputs = append(outputs, output)
		case s.ID == item.ID:
			ended++
		case s.Status == models.WorkItemStatusComplete:
			completed++
			outputs = append(outputs, s.Output)
		case s.IsActive():
			active++
		default:
			ended++
		}
	}

	plan := &exitPlan{}
	threshold := task.Threshold(len(siblings) - ended)
	switch {
	case completed > 0 && completed >= threshold:
		plan.exits = true
	case active == 0:
		plan.ends = true
	default:
		return plan, nil
	}
	if !parent.IsActive() {
		return nil, &models.StateTransitionError{Entity: "work item", ID: parent.ID, From: string(parent.Status), Reason: "task item already ended"}
	}
	if plan.ends {
		return plan, nil
	}

	plan.merged = models.CopyData(data)
	if mi := task.MultiInstance; mi != nil && mi.OutputVar != "" {
		list := make([]interface{}, len(outputs))
		for i, o := range outputs {
			list[i] = models.CopyData(o)
		}
		plan.merged[mi.OutputVar] = list
	} else {
		for _, o := range outputs {
			models.MergeData(plan.merged, o)
		}
	}
	targets, err := l.evaluator.SplitTargets(task.ID, plan.merged, l.exprs)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	plan.targets = targets
	return plan, nil
}

// applyExit carries out a plan. The parent was checked by planExit, so a failed
// transition here means the repository is inconsistent.
func (l *Lifecycle) applyExit(task *models.Task, parent *models.WorkItem, plan *exitPlan, data map[string]interface{}, endStatus models.WorkItemStatus, outcome *Outcome, now time.Time) error {
	switch {
	case plan.exits:
		if err := parent.Transition(models.WorkItemStatusComplete, now); err != nil {
			return fmt.Errorf("task %s exit: %w", task.ID, err)
		}
		for _, s := range l.items.Children(parent.ID) {
			if l.endInstance(task, s, "threshold reached", models.WorkItemStatusCancelled, now) {
				outcome.Withdrawn = append(outcome.Withdrawn, s)
			}
		}
		l.evaluator.Produce(plan.targets, l.marking)
		for k := range data {
			delete(data, k)
		}
		models.MergeData(data, plan.merged)
		outcome.TaskExited = true
		outcome.Produced = plan.targets
	case plan.ends:
		if endStatus == models.WorkItemStatusComplete {
			endStatus = models.WorkItemStatusCancelled
		}
		if err := parent.Transition(endStatus, now); err != nil {
			return fmt.Errorf("task %s end: %w", task.ID, err)
		}
		parent.CancelledBy = outcome.Item.CancelledBy
		outcome.TaskEnded = true
	}
	return nil
}

// endInstance terminates an active instance and drops it from the marking
func (l *Lifecycle) endInstance(task *models.Task, item *models.WorkItem, reason string, to models.WorkItemStatus, now time.Time) bool {
	if !item.IsActive() {
		return false
	}
	if to == models.WorkItemStatusFailed {
		item.FailureReason = reason
	} else {
		item.CancelledBy = reason
	}
	if err := item.Transition(to, now); err != nil {
		return false
	}
	l.marking.RemoveInstance(task.ID, item.ID)
	return true
}

func (l *Lifecycle) newItem(id string, task *models.Task, data map[string]interface{}) *models.WorkItem {
	item := models.NewWorkItem(id, l.caseID, l.netID, task.ID, task.Name)
	item.Data = models.CopyData(data)
	item.CreatedAt = l.opts.Now()
	return item
}

func (l *Lifecycle) addInstance(task *models.Task, parent *models.WorkItem, index int, data map[string]interface{}, now time.Time) *models.WorkItem {
	child := l.newItem(fmt.Sprintf("%s.%d", parent.ID, index+1), task, data)
	child.ParentID = parent.ID
	child.InstanceIndex = index
	child.Priority = parent.Priority
	child.Status = models.WorkItemStatusFired
	if task.Timer != nil {
		due := now.Add(task.Timer.After)
		child.DueDate = &due
	}
	parent.Children = append(parent.Children, child.ID)
	l.items.Add(child)
	l.marking.AddInstance(task.ID, child.ID)
	return child
}

// instanceData evaluates the multi-instance policy and returns one data map per instance.
func (l *Lifecycle) instanceData(task *models.Task, data map[string]interface{}) ([]map[string]interface{}, error) {
	mi := task.MultiInstance
	if mi == nil {
		return []map[string]interface{}{models.CopyData(data)}, nil
	}

	count := mi.Min
	var elements []interface{}
	missing := func(cause error) error {
		if l.opts.Policy == MissingDataFail {
			return &models.DataValidationError{TaskID: task.ID, Cause: cause}
		}
		count = mi.Min
		elements = nil
		return nil
	}

	if mi.CountExpr != "" {
		value, err := l.exprs.EvaluateValue(mi.CountExpr, data)
		if err != nil {
			if merr := missing(err); merr != nil {
				return nil, merr
			}
		} else {
			switch v := value.(type) {
			case int:
				count = v
			case float64:
				count = int(v)
			case []interface{}:
				elements = v
				count = len(v)
			default:
				if merr := missing(fmt.Errorf("instance count query %q returned %v", mi.CountExpr, value)); merr != nil {
					return nil, merr
				}
			}
		}
	}

	if count < mi.Min {
		if merr := missing(fmt.Errorf("instance count %d below minimum %d", count, mi.Min)); merr != nil {
			return nil, merr
		}
	}
	if count > mi.Max {
		return nil, &models.DataValidationError{TaskID: task.ID, Cause: fmt.Errorf("instance count %d exceeds maximum %d", count, mi.Max)}
	}

	out := make([]map[string]interface{}, count)
	for i := range out {
		d := models.CopyData(data)
		if mi.InstanceVar != "" && i < len(elements) {
			d[mi.InstanceVar] = models.CopyValue(elements[i])
		}
		out[i] = d
	}
	return out, nil
}
