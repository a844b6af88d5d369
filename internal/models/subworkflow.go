package models

// Decomposition links a composite task to the net that runs as its body.
// With no mappings the whole parent data is handed down and the whole child data merged back.
type Decomposition struct {
	Net           *Net              `json:"-"`
	InputMapping  map[string]string `json:"inputMapping,omitempty"`  // parentVar -> childVar
	OutputMapping map[string]string `json:"outputMapping,omitempty"` // childVar -> parentVar
}

// Clone creates a copy of the link; the net itself is shared
func (d *Decomposition) Clone() *Decomposition {
	if d == nil {
		return nil
	}
	inMap := make(map[string]string, len(d.InputMapping))
	for k, v := range d.InputMapping {
		inMap[k] = v
	}
	outMap := make(map[string]string, len(d.OutputMapping))
	for k, v := range d.OutputMapping {
		outMap[k] = v
	}
	return &Decomposition{
		Net:           d.Net,
		InputMapping:  inMap,
		OutputMapping: outMap,
	}
}

// ChildData builds the starting data of a child net from its parent's data
func (d *Decomposition) ChildData(parent map[string]interface{}) map[string]interface{} {
	if len(d.InputMapping) == 0 {
		return CopyData(parent)
	}
	child := make(map[string]interface{}, len(d.InputMapping))
	for parentVar, childVar := range d.InputMapping {
		if v, ok := parent[parentVar]; ok {
			child[childVar] = CopyValue(v)
		}
	}
	return child
}

// ParentOutput selects what a finished child net hands back to its parent
func (d *Decomposition) ParentOutput(child map[string]interface{}) map[string]interface{} {
	if len(d.OutputMapping) == 0 {
		return CopyData(child)
	}
	out := make(map[string]interface{}, len(d.OutputMapping))
	for childVar, parentVar := range d.OutputMapping {
		if v, ok := child[childVar]; ok {
			out[parentVar] = CopyValue(v)
		}
	}
	return out
}
