package engine

import (
	"fmt"

	"go-net-flow/internal/models"
)

// SplitTargets returns the conditions that receive a token when the task exits.
//
// AND produces on every outgoing flow. XOR takes the first non-default flow whose
// predicate holds, in declaration order. OR takes every non-default flow whose
// predicate holds. When nothing matches, XOR and OR fall back to the flagged default
// flow, or to the last declared flow if none is flagged. A flow without predicate
// always matches. Predicate errors abort the split.
func (e *Evaluator) SplitTargets(taskID string, data map[string]interface{}, preds PredicateEvaluator) ([]string, error) {
	task := e.net.Task(taskID)
	if task == nil {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	flows := e.net.OutgoingFlows(taskID)
	if len(flows) == 0 {
		return nil, fmt.Errorf("task %s has no outgoing flow", taskID)
	}
	if task.Split == models.SplitAND || len(flows) == 1 {
		targets := make([]string, len(flows))
		for i, f := range flows {
			targets[i] = f.Target
		}
		return targets, nil
	}

	var targets []string
	for _, f := range flows {
		if f.IsDefault {
			continue
		}
		ok, err := preds.EvaluatePredicate(f.Predicate, data)
		if err != nil {
			return nil, fmt.Errorf("task %s: flow to %s: %w", taskID, f.Target, err)
		}
		if !ok {
			continue
		}
		targets = append(targets, f.Target)
		if task.Split == models.SplitXOR {
			return targets, nil
		}
	}
	if len(targets) > 0 {
		return targets, nil
	}
	return []string{defaultFlow(flows).Target}, nil
}

func defaultFlow(flows []*models.Flow) *models.Flow {
	for _, f := range flows {
		if f.IsDefault {
			return f
		}
	}
	return flows[len(flows)-1]
}
