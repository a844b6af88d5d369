package case_manager

import (
	"context"
	"time"

	"go-net-flow/internal/events"
	"go-net-flow/internal/models"
)

// orJoinWait tracks an OR-join that has input but is not enabled yet
type orJoinWait struct {
	netID    string
	taskID   string
	since    time.Time
	reported bool
}

// scheduleTimer arms the expiry timer of a work item with a due date. Expiry is
// queued as an ordinary case event.
func (r *Runner) scheduleTimer(item *models.WorkItem) {
	if item.DueDate == nil {
		return
	}
	itemID := item.ID
	r.afterFunc(itemID, item.DueDate.Sub(r.opts.Now()), "timer", func(ctx context.Context) {
		r.expire(ctx, itemID)
		r.settle(ctx)
	})
}

func (r *Runner) afterFunc(key string, d time.Duration, name string, fn func(ctx context.Context)) {
	if d < 0 {
		d = 0
	}
	r.cancelTimer(key)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		_, _ = r.submit(context.Background(), name, func(ctx context.Context) (interface{}, error) {
			// a re-armed or stopped timer may still have queued its request
			if r.timers[key] != t {
				return nil, nil
			}
			delete(r.timers, key)
			fn(ctx)
			return nil, nil
		})
	})
	r.timers[key] = t
}

func (r *Runner) cancelTimer(key string) {
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

// expire applies the timeout action of a work item. While the case is suspended
// the expiry is remembered and applied on resume.
func (r *Runner) expire(ctx context.Context, itemID string) {
	if r.status == models.CaseStatusSuspended {
		r.deferred = append(r.deferred, itemID)
		return
	}
	if r.status != models.CaseStatusRunning {
		return
	}
	item, nr, err := r.lookup(itemID)
	if err != nil || item.IsTerminated() {
		return
	}
	task := nr.net.Task(item.TaskID)
	if task.Timer == nil {
		return
	}
	switch task.Timer.Action {
	case models.TimeoutEscalate:
		if item.Escalated {
			return
		}
		item.Escalated = true
		item.Priority = models.WorkItemPriorityUrgent
		r.emit(events.Event{Type: events.EventWorkItemEscalated, NetID: nr.id, TaskID: item.TaskID, WorkItemID: item.ID})
		r.logger.InfoContext(ctx, "work item escalated", "work_item", item.ID, "task", item.TaskID)
	default:
		if err := r.cancelItem(ctx, nr, item, "timer expired"); err != nil {
			r.fault(ctx, nr, item.TaskID, err)
			return
		}
		r.logger.InfoContext(ctx, "work item timed out", "work_item", item.ID, "task", item.TaskID)
	}
}

// trackOrJoins notes OR-joins that became blocked and arms the diagnostic timer.
// Blocking is not an error: the join simply waits for upstream work to finish.
func (r *Runner) trackOrJoins(ctx context.Context) {
	timeout := r.opts.Config.OrJoinTimeout
	seen := make(map[string]bool)
	for _, netID := range sortedKeys(r.nets) {
		nr := r.nets[netID]
		for _, taskID := range nr.net.TaskIDs() {
			if nr.net.Task(taskID).Join != models.JoinOR {
				continue
			}
			if !nr.eval.IsOrJoinBlocked(taskID, nr.marking, nr.marking.ActiveTasks()) {
				continue
			}
			key := nr.id + "/" + taskID
			seen[key] = true
			if _, tracked := r.blocked[key]; tracked {
				continue
			}
			r.blocked[key] = &orJoinWait{netID: nr.id, taskID: taskID, since: r.opts.Now()}
			r.logger.DebugContext(ctx, "or-join waiting", "net", nr.id, "task", taskID)
			if timeout > 0 {
				r.afterFunc("orjoin:"+key, timeout, "orjoin_check", func(ctx context.Context) {
					r.checkOrJoin(ctx, key)
				})
			}
		}
	}
	for key := range r.blocked {
		if !seen[key] {
			delete(r.blocked, key)
			r.cancelTimer("orjoin:" + key)
		}
	}
}

func (r *Runner) checkOrJoin(ctx context.Context, key string) {
	w, ok := r.blocked[key]
	if !ok || w.reported {
		return
	}
	waited := r.opts.Now().Sub(w.since)
	w.reported = true
	diag := &models.OrJoinUnresolvedTimeout{NetID: w.netID, TaskID: w.taskID, Since: w.since, Waited: waited}
	r.emit(events.Event{Type: events.EventOrJoinBlocked, NetID: w.netID, TaskID: w.taskID, Err: diag.Error(), Payload: map[string]interface{}{"waited": waited.String()}})
	r.logger.WarnContext(ctx, "or-join unresolved", "net", w.netID, "task", w.taskID, "waited", waited)
}
