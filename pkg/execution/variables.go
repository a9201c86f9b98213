package execution

// Names under which multi-instance counters are visible to expressions.
const (
	VarNrOfInstances          = "nrOfInstances"
	VarNrOfActiveInstances    = "nrOfActiveInstances"
	VarNrOfCompletedInstances = "nrOfCompletedInstances"
	VarLoopCounter            = "loopCounter"
)

// Variable resolves name starting at id and walking up the parent chain.
// Multi-instance counters resolve from the nearest multi-instance root, and
// loopCounter from the nearest member.
func (t *Tree) Variable(id, name string) (interface{}, bool) {
	for e := t.executions[id]; e != nil; e = t.executions[e.ParentID] {
		if v, ok := e.Variables[name]; ok {
			return v, true
		}
		if v, ok := t.counterVariable(e, name); ok {
			return v, true
		}
		if e.ParentID == "" {
			break
		}
	}
	return nil, false
}

func (t *Tree) counterVariable(e *Execution, name string) (interface{}, bool) {
	switch name {
	case VarNrOfInstances:
		if e.IsMultiInstanceRoot {
			return e.NrOfInstances, true
		}
	case VarNrOfActiveInstances:
		if e.IsMultiInstanceRoot {
			return e.NrOfActiveInstances, true
		}
	case VarNrOfCompletedInstances:
		if e.IsMultiInstanceRoot {
			return e.NrOfCompletedInstances, true
		}
	case VarLoopCounter:
		if parent, ok := t.executions[e.ParentID]; ok && parent.IsMultiInstanceRoot {
			return e.LoopCounter, true
		}
	}
	return nil, false
}

// SetVariableLocal writes a variable on the execution itself.
// It reports whether the variable was newly created.
func (t *Tree) SetVariableLocal(id, name string, value interface{}) (bool, error) {
	e, err := t.mustGet(id)
	if err != nil {
		return false, err
	}
	_, existed := e.Variables[name]
	if e.Variables == nil {
		e.Variables = make(map[string]interface{})
	}
	e.Variables[name] = value
	t.edits = append(t.edits, Edit{Op: EditSetVariable, ExecutionID: id, VariableName: name, Value: value})
	return !existed, nil
}

// SetVariable updates name on the nearest execution at or above id that already
// holds it, or creates it on the root. It returns the id written to and whether
// the variable was created.
func (t *Tree) SetVariable(id, name string, value interface{}) (string, bool, error) {
	e, err := t.mustGet(id)
	if err != nil {
		return "", false, err
	}
	for x := e; x != nil; x = t.executions[x.ParentID] {
		if _, ok := x.Variables[name]; ok {
			_, err := t.SetVariableLocal(x.ID, name, value)
			return x.ID, false, err
		}
		if x.ParentID == "" {
			break
		}
	}
	created, err := t.SetVariableLocal(t.processInstanceID, name, value)
	return t.processInstanceID, created, err
}

// RemoveVariableLocal deletes a variable from the execution.
func (t *Tree) RemoveVariableLocal(id, name string) error {
	e, err := t.mustGet(id)
	if err != nil {
		return err
	}
	if _, ok := e.Variables[name]; !ok {
		return nil
	}
	delete(e.Variables, name)
	t.edits = append(t.edits, Edit{Op: EditRemoveVariable, ExecutionID: id, VariableName: name})
	return nil
}

// VariablesFlattened merges every variable visible from id; inner scopes win.
// Multi-instance counters of the nearest loop are included.
func (t *Tree) VariablesFlattened(id string) map[string]interface{} {
	path, err := t.Path(id)
	if err != nil {
		return map[string]interface{}{}
	}
	vars := make(map[string]interface{})
	for _, e := range path {
		if e.IsMultiInstanceRoot {
			vars[VarNrOfInstances] = e.NrOfInstances
			vars[VarNrOfActiveInstances] = e.NrOfActiveInstances
			vars[VarNrOfCompletedInstances] = e.NrOfCompletedInstances
		}
		if parent, ok := t.executions[e.ParentID]; ok && parent.IsMultiInstanceRoot {
			vars[VarLoopCounter] = e.LoopCounter
		}
		for k, v := range e.Variables {
			vars[k] = v
		}
	}
	return vars
}
