package providers

// Assembler reassembles tool calls from stream fragments. Fragments are
// matched by id; a fragment whose id is empty or unknown to no entry binds
// to the most recently added call. Name and arguments accumulate by string
// concatenation in arrival order. Assembler state lives only for the
// duration of one stream.
type Assembler struct {
	calls []ToolCall
}

// Add folds one fragment into the in-progress list.
func (a *Assembler) Add(f ToolFragment) {
	if f.ID != "" {
		for i := range a.calls {
			if a.calls[i].ID == f.ID {
				a.calls[i].Name += f.Name
				a.calls[i].Arguments += f.Arguments
				return
			}
		}
		a.calls = append(a.calls, ToolCall{ID: f.ID, Name: f.Name, Arguments: f.Arguments})
		return
	}
	if len(a.calls) == 0 {
		a.calls = append(a.calls, ToolCall{Name: f.Name, Arguments: f.Arguments})
		return
	}
	last := &a.calls[len(a.calls)-1]
	last.Name += f.Name
	last.Arguments += f.Arguments
}

// Calls returns the assembled list in arrival order.
func (a *Assembler) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(a.calls))
	copy(out, a.calls)
	return out
}
