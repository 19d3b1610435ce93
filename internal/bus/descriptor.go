package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CallerSystem is the sentinel caller id for internal, non-task calls.
const CallerSystem = "system"

// Schema is a JSON Schema document describing an ability's input or output.
type Schema map[string]any

// EmptyObjectSchema describes an ability that takes no input fields.
func EmptyObjectSchema() Schema {
	return Schema{"type": "object", "properties": map[string]any{}}
}

// ObjectSchema builds an object schema from property schemas and a required set.
func ObjectSchema(props map[string]any, required ...string) Schema {
	s := Schema{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// Descriptor declares an ability on the bus. IDs have the shape
// "<module>:<name>" and are globally unique within a running instance.
type Descriptor struct {
	ID          string `json:"id"`
	Module      string `json:"module"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Input       Schema `json:"input"`
	Output      Schema `json:"output"`
}

func (d *Descriptor) validate() error {
	module, name, ok := strings.Cut(d.ID, ":")
	if !ok || module == "" || name == "" {
		return fmt.Errorf("ability id %q: want <module>:<name>", d.ID)
	}
	if d.Module == "" {
		d.Module = module
	} else if d.Module != module {
		return fmt.Errorf("ability id %q: module field %q does not match id prefix", d.ID, d.Module)
	}
	if d.Name == "" {
		d.Name = name
	}
	if d.Input == nil {
		d.Input = EmptyObjectSchema()
	}
	if d.Output == nil {
		d.Output = EmptyObjectSchema()
	}
	return nil
}

// Invocation is what a handler receives: the call identity plus the
// already-parsed, schema-validated input.
type Invocation struct {
	CallID   string
	CallerID string
	Input    json.RawMessage
}

// Bind unmarshals the validated input into dst.
func (inv Invocation) Bind(dst any) error {
	if len(inv.Input) == 0 {
		return nil
	}
	return json.Unmarshal(inv.Input, dst)
}

// Handler executes one ability call. A nil error means success and the
// returned value is serialized as the result. A *DomainError return is a
// recoverable domain failure; any other error (or a panic) is mapped to
// the unknown-failure envelope.
type Handler func(ctx context.Context, inv Invocation) (any, error)

// DomainError is an expected failure: the ability ran but cannot fulfill
// the request. It crosses the bus as data, not as an envelope failure.
type DomainError struct {
	Msg string
}

func (e *DomainError) Error() string { return e.Msg }

// Errorf builds a *DomainError.
func Errorf(format string, args ...any) error {
	return &DomainError{Msg: fmt.Sprintf(format, args...)}
}

// Status tags the outcome of an Invoke.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusInvalidAbility Status = "invalid-ability"
	StatusInvalidInput   Status = "invalid-input"
	StatusFailure        Status = "unknown-failure"
)

// Result is the envelope returned by Invoke.
type Result struct {
	Status Status
	Output json.RawMessage
	ErrMsg string
}

// OK reports whether the handler returned success.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Err renders the result as an error when it is not a success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Status, r.ErrMsg)
}

// Bind unmarshals a successful result's output into dst.
func (r Result) Bind(dst any) error {
	if !r.OK() {
		return r.Err()
	}
	return json.Unmarshal(r.Output, dst)
}
