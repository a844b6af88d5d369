package models

import "fmt"

// Flow connects a condition to a task or a task to a condition (or task, via an implicit condition).
// Predicate and IsDefault only matter on flows leaving an XOR or OR split.
type Flow struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Predicate string `json:"predicate,omitempty"` // Lua expression over net data
	IsDefault bool   `json:"default,omitempty"`
	Order     int    `json:"order"` // declaration order, used by XOR evaluation
}

// NewFlow creates a plain flow
func NewFlow(source, target string) *Flow {
	return &Flow{
		Source: source,
		Target: target,
	}
}

// NewPredicateFlow creates a flow guarded by a predicate
func NewPredicateFlow(source, target, predicate string) *Flow {
	return &Flow{
		Source:    source,
		Target:    target,
		Predicate: predicate,
	}
}

// NewDefaultFlow creates the flow taken when no predicate matches
func NewDefaultFlow(source, target string) *Flow {
	return &Flow{
		Source:    source,
		Target:    target,
		IsDefault: true,
	}
}

// HasPredicate returns true if the flow carries a predicate
func (f *Flow) HasPredicate() bool {
	return f.Predicate != ""
}

// String returns a string representation of the flow
func (f *Flow) String() string {
	s := fmt.Sprintf("Flow{%s -> %s", f.Source, f.Target)
	if f.HasPredicate() {
		s += ", when: " + f.Predicate
	}
	if f.IsDefault {
		s += ", default"
	}
	return s + "}"
}

// Clone creates a copy of the flow
func (f *Flow) Clone() *Flow {
	clone := *f
	return &clone
}
