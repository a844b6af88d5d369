package case_manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go-net-flow/internal/config"
	"go-net-flow/internal/events"
	"go-net-flow/internal/expression"
	"go-net-flow/internal/models"
	"go-net-flow/internal/workitem"
)

// RunnerOptions wires a Runner to its surroundings. Every hook is called from the
// runner goroutine after the triggering event has been committed.
type RunnerOptions struct {
	Config     config.EngineConfig
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
	Publish    func(ctx context.Context, evs []events.Event)
	OnCommit   func(state *models.CaseState)
	OnTerminal func(state *models.CaseState)
}

// Runner executes one case. All state below the request channel is owned by the
// runner goroutine; requests are processed strictly in submission order.
type Runner struct {
	caseID string
	spec   *models.Net
	opts   RunnerOptions
	logger *slog.Logger

	requests chan request
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	state    atomic.Pointer[models.CaseState]

	// owned by the runner goroutine
	status      models.CaseStatus
	root        *netRunner
	nets        map[string]*netRunner // net instance id -> runner
	items       *workitem.Repository
	exprs       *expression.Evaluator
	seq         int
	steps       int
	pending     []events.Event
	timers      map[string]*time.Timer // work item id -> expiry timer
	deferred    []string               // timers that expired while suspended
	blocked     map[string]*orJoinWait // net instance id/task id -> blocked OR-join
	createdAt   time.Time
	updatedAt   time.Time
	completedAt *time.Time
}

type request struct {
	ctx   context.Context
	name  string
	fn    func(ctx context.Context) (interface{}, error)
	reply chan response
}

type response struct {
	value interface{}
	err   error
}

// CompleteResult reports what completing a work item did
type CompleteResult struct {
	WorkItem      *models.WorkItem  `json:"workItem"`
	TaskCompleted bool              `json:"taskCompleted"`
	Produced      []string          `json:"produced,omitempty"`
	CaseStatus    models.CaseStatus `json:"caseStatus"`
}

func newRunner(caseID string, spec *models.Net, opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	if opts.Config.MaxStepsPerEvent <= 0 {
		opts.Config.MaxStepsPerEvent = config.DefaultConfig().Engine.MaxStepsPerEvent
	}
	if opts.Config.RequestBuffer <= 0 {
		opts.Config.RequestBuffer = 1
	}
	now := opts.Now()
	r := &Runner{
		caseID:    caseID,
		spec:      spec,
		opts:      opts,
		logger:    opts.Logger.With("case_id", caseID),
		requests:  make(chan request, opts.Config.RequestBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		status:    models.CaseStatusRunning,
		nets:      make(map[string]*netRunner),
		items:     workitem.NewRepository(),
		exprs:     expression.NewEvaluator(),
		timers:    make(map[string]*time.Timer),
		blocked:   make(map[string]*orJoinWait),
		createdAt: now,
		updatedAt: now,
	}
	return r
}

// ID returns the case id
func (r *Runner) ID() string { return r.caseID }

// State returns the last committed snapshot of the case. It must not be modified.
func (r *Runner) State() *models.CaseState { return r.state.Load() }

// Done is closed once the runner stopped, either because the case terminated or Stop was called
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) start() {
	r.commit()
	go r.loop()
}

// Stop halts the runner without changing the case status and waits for it to exit
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}

func (r *Runner) loop() {
	defer close(r.done)
	defer r.shutdown()
	for {
		select {
		case req := <-r.requests:
			r.handle(req)
			if r.status.IsTerminal() {
				return
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Runner) shutdown() {
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.exprs.Close()
}

// submit queues fn for the runner goroutine and waits for its result.
func (r *Runner) submit(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	req := request{ctx: ctx, name: name, fn: fn, reply: make(chan response, 1)}
	select {
	case r.requests <- req:
	case <-r.done:
		return nil, fmt.Errorf("case %s: %w", r.caseID, models.ErrCaseClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-r.done:
		select {
		case res := <-req.reply:
			return res.value, res.err
		default:
			return nil, fmt.Errorf("case %s: %w", r.caseID, models.ErrCaseClosed)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handle runs one request inside the case's critical section and commits the result.
func (r *Runner) handle(req request) {
	ctx, span := r.tracer().Start(req.ctx, "case."+req.name,
		trace.WithAttributes(attribute.String("case.id", r.caseID)))
	defer span.End()

	r.pending = r.pending[:0]
	r.steps = 0
	value, err := req.fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.DebugContext(ctx, "request rejected", "request", req.name, "error", err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if err == nil || len(r.pending) > 0 {
		r.updatedAt = r.opts.Now()
		state := r.commit()
		evs := append([]events.Event(nil), r.pending...)
		if r.opts.Publish != nil {
			r.opts.Publish(ctx, evs)
		}
		if r.opts.OnCommit != nil {
			r.opts.OnCommit(state)
		}
		if r.status.IsTerminal() && r.opts.OnTerminal != nil {
			r.opts.OnTerminal(state)
		}
	}
	req.reply <- response{value: value, err: err}
}

func (r *Runner) tracer() trace.Tracer {
	return r.opts.Tracer
}

// commit publishes a fresh snapshot for readers
func (r *Runner) commit() *models.CaseState {
	state := r.buildState()
	r.state.Store(state)
	return state
}

func (r *Runner) emit(ev events.Event) {
	ev.CaseID = r.caseID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.opts.Now()
	}
	r.pending = append(r.pending, ev)
}

func (r *Runner) nextID(taskID string) string {
	r.seq++
	return fmt.Sprintf("%s:%s:%d", r.caseID, taskID, r.seq)
}

// launch puts the start token into the root net and runs the case to its first wait point
func (r *Runner) launch(ctx context.Context) error {
	_, err := r.submit(ctx, "launch", func(ctx context.Context) (interface{}, error) {
		r.root.marking.AddTokens(r.spec.InputCondition(), 1)
		r.emit(events.Event{Type: events.EventCaseLaunched, NetID: r.root.id, Payload: map[string]interface{}{"specId": r.spec.ID()}})
		r.logger.InfoContext(ctx, "case launched", "spec_id", r.spec.ID())
		r.settle(ctx)
		return nil, nil
	})
	return err
}

// lookup resolves a work item and the net instance it belongs to
func (r *Runner) lookup(itemID string) (*models.WorkItem, *netRunner, error) {
	item, err := r.items.Get(itemID)
	if err != nil {
		return nil, nil, err
	}
	nr, ok := r.nets[item.NetID]
	if !ok {
		return nil, nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: "any", Reason: "net instance " + item.NetID + " has finished"}
	}
	return item, nr, nil
}

func (r *Runner) requireRunning(op string) error {
	if r.status == models.CaseStatusRunning {
		return nil
	}
	return &models.StateTransitionError{Entity: "case", ID: r.caseID, From: string(r.status), To: op}
}

// StartWorkItem starts a work item. An enabled task item fires the task and its
// first instance is started and returned; a fired instance is started directly.
func (r *Runner) StartWorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	v, err := r.submit(ctx, "start_workitem", func(ctx context.Context) (interface{}, error) {
		if err := r.requireRunning("start work item"); err != nil {
			return nil, err
		}
		item, nr, err := r.lookup(itemID)
		if err != nil {
			return nil, err
		}
		target := item
		if item.IsParent() {
			if item.Status != models.WorkItemStatusEnabled {
				return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusExecuting)}
			}
			res, err := r.fireTask(ctx, nr, item.TaskID, item.ID)
			if err != nil {
				return nil, err
			}
			target = res.Instances[0]
		}
		started, err := nr.lc.Start(target.ID)
		if err != nil {
			return nil, err
		}
		r.emit(events.Event{Type: events.EventWorkItemStarted, NetID: nr.id, TaskID: started.TaskID, WorkItemID: started.ID})
		r.settle(ctx)
		return started.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkItem), nil
}

// CompleteWorkItem completes an executing instance with the given output.
// Validation failures leave the item executing and the marking untouched.
func (r *Runner) CompleteWorkItem(ctx context.Context, itemID string, output map[string]interface{}) (*CompleteResult, error) {
	v, err := r.submit(ctx, "complete_workitem", func(ctx context.Context) (interface{}, error) {
		if err := r.requireRunning("complete work item"); err != nil {
			return nil, err
		}
		item, nr, err := r.lookup(itemID)
		if err != nil {
			return nil, err
		}
		if _, composite := nr.subnets[item.ID]; composite {
			return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusComplete), Reason: "composite items complete with their sub-net"}
		}
		outcome, err := nr.lc.Complete(itemID, output, nr.data)
		if err != nil {
			return nil, err
		}
		r.recordOutcome(ctx, nr, outcome)
		r.settle(ctx)
		return &CompleteResult{
			WorkItem:      outcome.Item.Clone(),
			TaskCompleted: outcome.TaskExited,
			Produced:      outcome.Produced,
			CaseStatus:    r.status,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompleteResult), nil
}

// CancelWorkItem cancels a fired or executing item. Cancelling a task item cancels
// every instance; composite instances lose their sub-nets without completion logic.
func (r *Runner) CancelWorkItem(ctx context.Context, itemID, reason string) (*models.WorkItem, error) {
	v, err := r.submit(ctx, "cancel_workitem", func(ctx context.Context) (interface{}, error) {
		if r.status.IsTerminal() {
			return nil, r.requireRunning("cancel work item")
		}
		item, nr, err := r.lookup(itemID)
		if err != nil {
			return nil, err
		}
		if reason == "" {
			reason = "cancelled by client"
		}
		if err := r.cancelItem(ctx, nr, item, reason); err != nil {
			return nil, err
		}
		r.settle(ctx)
		return item.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkItem), nil
}

// FailWorkItem marks an executing instance failed
func (r *Runner) FailWorkItem(ctx context.Context, itemID, reason string) (*models.WorkItem, error) {
	v, err := r.submit(ctx, "fail_workitem", func(ctx context.Context) (interface{}, error) {
		if err := r.requireRunning("fail work item"); err != nil {
			return nil, err
		}
		item, nr, err := r.lookup(itemID)
		if err != nil {
			return nil, err
		}
		if sub, composite := nr.subnets[item.ID]; composite {
			if item.Status != models.WorkItemStatusExecuting {
				return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusFailed)}
			}
			r.tearDown(ctx, sub, "parent work item failed")
			delete(nr.subnets, item.ID)
		}
		outcome, err := nr.lc.Fail(itemID, reason, nr.data)
		if err != nil {
			return nil, err
		}
		r.recordOutcome(ctx, nr, outcome)
		r.settle(ctx)
		return item.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkItem), nil
}

// RollbackWorkItem returns an executing instance to fired
func (r *Runner) RollbackWorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	v, err := r.submit(ctx, "rollback_workitem", func(ctx context.Context) (interface{}, error) {
		if err := r.requireRunning("rollback work item"); err != nil {
			return nil, err
		}
		item, nr, err := r.lookup(itemID)
		if err != nil {
			return nil, err
		}
		if _, composite := nr.subnets[item.ID]; composite {
			return nil, &models.StateTransitionError{Entity: "work item", ID: itemID, From: string(item.Status), To: string(models.WorkItemStatusFired), Reason: "composite items cannot roll back"}
		}
		rolled, err := nr.lc.Rollback(itemID)
		if err != nil {
			return nil, err
		}
		return rolled.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkItem), nil
}

// AddWorkItemInstance adds an instance to a running dynamic multi-instance task
func (r *Runner) AddWorkItemInstance(ctx context.Context, parentID string, data map[string]interface{}) (*models.WorkItem, error) {
	v, err := r.submit(ctx, "add_instance", func(ctx context.Context) (interface{}, error) {
		if err := r.requireRunning("add instance"); err != nil {
			return nil, err
		}
		_, nr, err := r.lookup(parentID)
		if err != nil {
			return nil, err
		}
		inst, err := nr.lc.AddInstance(parentID, data)
		if err != nil {
			return nil, err
		}
		r.scheduleTimer(inst)
		if task := nr.net.Task(inst.TaskID); task.IsComposite() {
			if _, err := nr.lc.Start(inst.ID); err != nil {
				return nil, err
			}
			r.spawnSubnet(ctx, nr, task, inst)
		}
		r.emit(events.Event{Type: events.EventTaskEnabled, NetID: nr.id, TaskID: inst.TaskID, WorkItemID: inst.ID, Payload: map[string]interface{}{"instance": inst.InstanceIndex}})
		r.settle(ctx)
		return inst.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.WorkItem), nil
}

// Suspend stops the case from firing anything until Resume
func (r *Runner) Suspend(ctx context.Context) error {
	_, err := r.submit(ctx, "suspend", func(ctx context.Context) (interface{}, error) {
		if err := r.requireRunning(string(models.CaseStatusSuspended)); err != nil {
			return nil, err
		}
		r.status = models.CaseStatusSuspended
		r.emit(events.Event{Type: events.EventCaseSuspended, NetID: r.root.id})
		r.logger.InfoContext(ctx, "case suspended")
		return nil, nil
	})
	return err
}

// Resume continues a suspended case and handles timers that expired meanwhile
func (r *Runner) Resume(ctx context.Context) error {
	_, err := r.submit(ctx, "resume", func(ctx context.Context) (interface{}, error) {
		if r.status != models.CaseStatusSuspended {
			return nil, &models.StateTransitionError{Entity: "case", ID: r.caseID, From: string(r.status), To: string(models.CaseStatusRunning)}
		}
		r.status = models.CaseStatusRunning
		r.emit(events.Event{Type: events.EventCaseResumed, NetID: r.root.id})
		r.logger.InfoContext(ctx, "case resumed")
		expired := r.deferred
		r.deferred = nil
		for _, id := range expired {
			r.expire(ctx, id)
		}
		r.settle(ctx)
		return nil, nil
	})
	return err
}

// Cancel tears the whole case down
func (r *Runner) Cancel(ctx context.Context, reason string) error {
	_, err := r.submit(ctx, "cancel", func(ctx context.Context) (interface{}, error) {
		if r.status.IsTerminal() {
			return nil, r.requireRunning(string(models.CaseStatusCancelled))
		}
		if reason == "" {
			reason = "case cancelled"
		}
		r.tearDown(ctx, r.root, reason)
		r.finish(models.CaseStatusCancelled)
		r.emit(events.Event{Type: events.EventCaseCancelled, NetID: r.root.id, Payload: map[string]interface{}{"reason": reason}})
		r.logger.InfoContext(ctx, "case cancelled", "reason", reason)
		return nil, nil
	})
	return err
}

func (r *Runner) finish(status models.CaseStatus) {
	r.status = status
	now := r.opts.Now()
	r.completedAt = &now
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.blocked = make(map[string]*orJoinWait)
}
