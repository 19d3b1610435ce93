// Package bus implements the capability bus: a typed in-process registry
// and dispatcher. Every component-to-component call in the runtime goes
// through Invoke; components hold no direct references to each other.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type registration struct {
	desc    Descriptor
	handler Handler
	input   *jsonschema.Schema
}

// Bus is the capability registry and dispatcher. Safe for concurrent use;
// handlers may re-enter Invoke (the run-loop, ledger saves and tool-catalog
// discovery all do). No lock is held across a handler call.
type Bus struct {
	mu        sync.RWMutex
	abilities map[string]*registration

	log    *CallLog
	tracer trace.Tracer
}

// New creates a Bus with the four introspection abilities pre-registered.
func New() *Bus {
	b := &Bus{
		abilities: make(map[string]*registration),
		log:       NewCallLog(),
		tracer:    otel.Tracer("agentos/bus"),
	}
	b.registerIntrospection()
	return b
}

// CallLog returns the bus call log.
func (b *Bus) CallLog() *CallLog { return b.log }

// Register adds an ability. It fails when the id is already registered or
// the input schema does not compile.
func (b *Bus) Register(desc Descriptor, handler Handler) error {
	if err := desc.validate(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("ability %q: nil handler", desc.ID)
	}
	input, err := compileSchema(desc.ID, desc.Input)
	if err != nil {
		return fmt.Errorf("ability %q: input schema: %w", desc.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.abilities[desc.ID]; exists {
		return fmt.Errorf("ability %q already registered", desc.ID)
	}
	b.abilities[desc.ID] = &registration{desc: desc, handler: handler, input: input}
	slog.Debug("bus.register", "ability", desc.ID)
	return nil
}

// Unregister removes an ability. Idempotent.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	delete(b.abilities, id)
	b.mu.Unlock()
}

// Has reports whether an ability id is registered.
func (b *Bus) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.abilities[id]
	return ok
}

// Invoke dispatches one ability call: parse raw input, validate it against
// the declared schema, run the handler, serialize the result. Every call
// appends exactly one call-log entry whose outcome matches the returned
// envelope tag.
func (b *Bus) Invoke(ctx context.Context, abilityID, callID, callerID string, rawInput json.RawMessage) Result {
	start := time.Now()

	ctx, span := b.tracer.Start(ctx, "bus.invoke", trace.WithAttributes(
		attribute.String("ability.id", abilityID),
		attribute.String("caller.id", callerID),
	))
	defer span.End()

	finish := func(res Result) Result {
		b.log.append(Entry{
			CallerID:  callerID,
			AbilityID: abilityID,
			Start:     start,
			Duration:  time.Since(start),
			Outcome:   res.Status,
			ErrMsg:    res.ErrMsg,
		})
		span.SetAttributes(attribute.String("outcome", string(res.Status)))
		if !res.OK() && res.Status != StatusError {
			slog.Warn("bus.invoke", "ability", abilityID, "caller", callerID,
				"outcome", res.Status, "error", res.ErrMsg)
		}
		return res
	}

	b.mu.RLock()
	reg, ok := b.abilities[abilityID]
	b.mu.RUnlock()
	if !ok {
		return finish(Result{Status: StatusInvalidAbility,
			ErrMsg: fmt.Sprintf("ability %q is not registered", abilityID)})
	}

	if len(rawInput) == 0 {
		rawInput = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(rawInput))
	if err != nil {
		return finish(Result{Status: StatusInvalidInput,
			ErrMsg: fmt.Sprintf("parse input: %v", err)})
	}
	if err := reg.input.Validate(inst); err != nil {
		return finish(Result{Status: StatusInvalidInput,
			ErrMsg: fmt.Sprintf("input does not match schema for %s: %v", abilityID, err)})
	}

	value, err := b.safeCall(ctx, reg.handler, Invocation{
		CallID:   callID,
		CallerID: callerID,
		Input:    rawInput,
	})
	if err != nil {
		if derr, isDomain := err.(*DomainError); isDomain {
			return finish(Result{Status: StatusError, ErrMsg: derr.Msg})
		}
		return finish(Result{Status: StatusFailure, ErrMsg: err.Error()})
	}

	out, err := json.Marshal(value)
	if err != nil {
		return finish(Result{Status: StatusFailure,
			ErrMsg: fmt.Sprintf("serialize result of %s: %v", abilityID, err)})
	}
	return finish(Result{Status: StatusSuccess, Output: out})
}

// safeCall runs the handler, converting panics into errors.
func (b *Bus) safeCall(ctx context.Context, h Handler, inv Invocation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.handler_panic", "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, inv)
}

func compileSchema(id string, s Schema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	// Ability ids contain ":" and must not land in the URL authority.
	url := "inline://abilities/" + strings.ReplaceAll(id, ":", "/") + "/input.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
