package models

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NetDocument is the on-disk form of a net: a root net plus the nets its composite tasks refer to.
// YAML and JSON are both accepted.
type NetDocument struct {
	NetDefinition  `yaml:",inline"`
	Decompositions []NetDefinition `yaml:"decompositions,omitempty" json:"decompositions,omitempty"`
}

// NetDefinition describes one net
type NetDefinition struct {
	ID              string                `yaml:"id" json:"id"`
	Name            string                `yaml:"name" json:"name"`
	InputCondition  string                `yaml:"inputCondition" json:"inputCondition"`
	OutputCondition string                `yaml:"outputCondition" json:"outputCondition"`
	Conditions      []ConditionDefinition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Tasks           []TaskDefinition      `yaml:"tasks" json:"tasks"`
	Flows           []FlowDefinition      `yaml:"flows" json:"flows"`
}

// ConditionDefinition describes an internal condition
type ConditionDefinition struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// TaskDefinition describes a task
type TaskDefinition struct {
	ID              string                   `yaml:"id" json:"id"`
	Name            string                   `yaml:"name,omitempty" json:"name,omitempty"`
	Join            string                   `yaml:"join,omitempty" json:"join,omitempty"`
	Split           string                   `yaml:"split,omitempty" json:"split,omitempty"`
	Kind            string                   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Decomposition   string                   `yaml:"decomposition,omitempty" json:"decomposition,omitempty"`
	InputMapping    map[string]string        `yaml:"inputMapping,omitempty" json:"inputMapping,omitempty"`
	OutputMapping   map[string]string        `yaml:"outputMapping,omitempty" json:"outputMapping,omitempty"`
	MultiInstance   *MultiInstanceDefinition `yaml:"multiInstance,omitempty" json:"multiInstance,omitempty"`
	CancellationSet []string                 `yaml:"cancellationSet,omitempty" json:"cancellationSet,omitempty"`
	OutputSchema    map[string]interface{}   `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
	Timer           *TimerDefinition         `yaml:"timer,omitempty" json:"timer,omitempty"`
}

// MultiInstanceDefinition describes a multi-instance policy
type MultiInstanceDefinition struct {
	Min         int    `yaml:"min" json:"min"`
	Max         int    `yaml:"max" json:"max"`
	Threshold   int    `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Mode        string `yaml:"mode,omitempty" json:"mode,omitempty"`
	CountExpr   string `yaml:"countExpr,omitempty" json:"countExpr,omitempty"`
	InstanceVar string `yaml:"instanceVar,omitempty" json:"instanceVar,omitempty"`
	OutputVar   string `yaml:"outputVar,omitempty" json:"outputVar,omitempty"`
}

// TimerDefinition describes a work item timer; After uses Go duration syntax
type TimerDefinition struct {
	After  string `yaml:"after" json:"after"`
	Action string `yaml:"action,omitempty" json:"action,omitempty"`
}

// FlowDefinition describes a flow
type FlowDefinition struct {
	From      string `yaml:"from" json:"from"`
	To        string `yaml:"to" json:"to"`
	Predicate string `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	Default   bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// NetParser turns net documents into validated nets
type NetParser struct{}

// NewNetParser creates a new net parser
func NewNetParser() *NetParser {
	return &NetParser{}
}

// ParseFile reads and parses a net document from disk
func (p *NetParser) ParseFile(path string) (*Net, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read net file %s: %w", path, err)
	}
	return p.Parse(data)
}

// Parse decodes a YAML or JSON net document and builds the root net.
// Decompositions are built first, in dependency order.
func (p *NetParser) Parse(data []byte) (*Net, error) {
	var doc NetDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode net document: %w", err)
	}
	return p.ParseDocument(&doc)
}

// ParseNetDefinition parses a net document with a default parser
func ParseNetDefinition(data []byte) (*Net, error) {
	return NewNetParser().Parse(data)
}

// ParseDocument builds the root net of an already decoded document
func (p *NetParser) ParseDocument(doc *NetDocument) (*Net, error) {
	defs := make(map[string]*NetDefinition, len(doc.Decompositions)+1)
	order := make([]string, 0, len(doc.Decompositions)+1)
	for i := range doc.Decompositions {
		d := &doc.Decompositions[i]
		if _, dup := defs[d.ID]; dup || d.ID == "" {
			return nil, specModelf(d.ID, "duplicate or empty decomposition id")
		}
		defs[d.ID] = d
		order = append(order, d.ID)
	}
	root := &doc.NetDefinition
	if _, dup := defs[root.ID]; dup {
		return nil, specModelf(root.ID, "root net id reused by a decomposition")
	}
	defs[root.ID] = root
	order = append(order, root.ID)

	for _, id := range order {
		for _, t := range defs[id].Tasks {
			if t.Decomposition != "" && defs[t.Decomposition] == nil {
				return nil, specModelf(id, "task %s references unknown decomposition %s", t.ID, t.Decomposition)
			}
		}
	}

	built := make(map[string]*Net, len(defs))
	for len(built) < len(defs) {
		progressed := false
		for _, id := range order {
			if built[id] != nil || !dependenciesBuilt(defs[id], built) {
				continue
			}
			net, err := p.buildNet(defs[id], built)
			if err != nil {
				return nil, err
			}
			built[id] = net
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, id := range order {
				if built[id] == nil {
					stuck = append(stuck, id)
				}
			}
			sort.Strings(stuck)
			return nil, specModelf(root.ID, "decomposition cycle among nets: %s", strings.Join(stuck, ", "))
		}
	}
	return built[root.ID], nil
}

func dependenciesBuilt(def *NetDefinition, built map[string]*Net) bool {
	for _, t := range def.Tasks {
		if t.Decomposition != "" && built[t.Decomposition] == nil {
			return false
		}
	}
	return true
}

func (p *NetParser) buildNet(def *NetDefinition, built map[string]*Net) (*Net, error) {
	b := NewNetBuilder(def.ID, def.Name)
	if def.InputCondition != "" {
		b.InputCondition(def.InputCondition, def.InputCondition)
	}
	if def.OutputCondition != "" {
		b.OutputCondition(def.OutputCondition, def.OutputCondition)
	}
	for _, c := range def.Conditions {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		b.AddCondition(NewCondition(c.ID, name))
	}
	for _, td := range def.Tasks {
		t, err := p.parseTask(def.ID, td, built)
		if err != nil {
			return nil, err
		}
		b.AddTask(t)
	}
	for _, fd := range def.Flows {
		b.AddFlow(&Flow{Source: fd.From, Target: fd.To, Predicate: fd.Predicate, IsDefault: fd.Default})
	}
	return b.Build()
}

func (p *NetParser) parseTask(netID string, td TaskDefinition, built map[string]*Net) (*Task, error) {
	name := td.Name
	if name == "" {
		name = td.ID
	}
	t := NewTask(td.ID, name)
	if td.Join != "" {
		t.Join = JoinType(strings.ToUpper(td.Join))
	}
	if td.Split != "" {
		t.Split = SplitType(strings.ToUpper(td.Split))
	}
	switch {
	case td.Kind != "":
		t.Kind = TaskKind(strings.ToUpper(td.Kind))
	case td.Decomposition != "":
		t.Kind = TaskKindComposite
	}
	if td.Decomposition != "" {
		t.Decomposition = &Decomposition{
			Net:           built[td.Decomposition],
			InputMapping:  td.InputMapping,
			OutputMapping: td.OutputMapping,
		}
	}
	if mi := td.MultiInstance; mi != nil {
		mode := CreationStatic
		if mi.Mode != "" {
			mode = CreationMode(strings.ToUpper(mi.Mode))
		}
		t.MultiInstance = &MultiInstance{
			Min:         mi.Min,
			Max:         mi.Max,
			Threshold:   mi.Threshold,
			Mode:        mode,
			CountExpr:   mi.CountExpr,
			InstanceVar: mi.InstanceVar,
			OutputVar:   mi.OutputVar,
		}
	}
	t.CancellationSet = append([]string(nil), td.CancellationSet...)
	if td.OutputSchema != nil {
		doc, err := json.Marshal(td.OutputSchema)
		if err != nil {
			return nil, specModelf(netID, "task %s: output schema is not JSON-serialisable: %v", td.ID, err)
		}
		schema, err := NewParamSchema(netID+"."+td.ID, doc)
		if err != nil {
			return nil, specModelf(netID, "task %s: %v", td.ID, err)
		}
		t.OutputSchema = schema
	}
	if td.Timer != nil {
		after, err := time.ParseDuration(td.Timer.After)
		if err != nil {
			return nil, specModelf(netID, "task %s: invalid timer duration %q", td.ID, td.Timer.After)
		}
		action := TimeoutCancel
		if td.Timer.Action != "" {
			action = TimeoutAction(strings.ToUpper(td.Timer.Action))
		}
		t.Timer = &Timer{After: after, Action: action}
	}
	return t, nil
}
