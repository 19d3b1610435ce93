package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDescriptor(id string) Descriptor {
	return Descriptor{
		ID:          id,
		Description: "echo the text back",
		Input: ObjectSchema(map[string]any{
			"text": map[string]any{"type": "string"},
		}, "text"),
		Output: ObjectSchema(map[string]any{
			"text": map[string]any{"type": "string"},
		}, "text"),
	}
}

func echoHandler(ctx context.Context, inv Invocation) (any, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}
	return map[string]string{"text": in.Text}, nil
}

func TestInvoke_Success(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(echoDescriptor("test:echo"), echoHandler))

	res := b.Invoke(context.Background(), "test:echo", "c1", "t1", json.RawMessage(`{"text":"hi"}`))
	require.Equal(t, StatusSuccess, res.Status)

	var out struct {
		Text string `json:"text"`
	}
	require.NoError(t, res.Bind(&out))
	assert.Equal(t, "hi", out.Text)
}

func TestInvoke_Taxonomy(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(echoDescriptor("test:echo"), echoHandler))
	require.NoError(t, b.Register(Descriptor{ID: "test:domainfail"},
		func(ctx context.Context, inv Invocation) (any, error) {
			return nil, Errorf("thing %s not found", "x")
		}))
	require.NoError(t, b.Register(Descriptor{ID: "test:panic"},
		func(ctx context.Context, inv Invocation) (any, error) {
			panic("boom")
		}))

	tests := []struct {
		name    string
		ability string
		input   string
		want    Status
	}{
		{"unregistered id", "test:nope", `{}`, StatusInvalidAbility},
		{"malformed json", "test:echo", `{"text":`, StatusInvalidInput},
		{"missing required field", "test:echo", `{}`, StatusInvalidInput},
		{"wrong field type", "test:echo", `{"text":7}`, StatusInvalidInput},
		{"domain error", "test:domainfail", `{}`, StatusError},
		{"handler panic", "test:panic", `{}`, StatusFailure},
		{"success", "test:echo", `{"text":"ok"}`, StatusSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := b.Invoke(context.Background(), tt.ability, "c", "t", json.RawMessage(tt.input))
			assert.Equal(t, tt.want, res.Status)
			if tt.want != StatusSuccess {
				assert.NotEmpty(t, res.ErrMsg)
			}
		})
	}
}

// Schema compilation must work for every legal ability id shape; the
// compiler resource name is derived from the id and ids carry colons.
func TestRegister_CompilesSchemasForAllIDShapes(t *testing.T) {
	b := New()
	ids := []string{
		"task:spawn",
		"ldg:task:save",
		"ldg:msg:list",
		"mod:with_underscore",
		"a_b:c_d:e",
	}
	for _, id := range ids {
		require.NoError(t, b.Register(echoDescriptor(id), echoHandler), "id %q", id)
	}
	for _, id := range ids {
		res := b.Invoke(context.Background(), id, "c", "t", json.RawMessage(`{"text":"hi"}`))
		assert.Equal(t, StatusSuccess, res.Status, "id %q: %s", id, res.ErrMsg)

		res = b.Invoke(context.Background(), id, "c", "t", json.RawMessage(`{}`))
		assert.Equal(t, StatusInvalidInput, res.Status, "id %q must still validate", id)
	}
}

func TestInvoke_CallLogMatchesEnvelope(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(echoDescriptor("test:echo"), echoHandler))

	before := b.CallLog().Len()
	b.Invoke(context.Background(), "test:echo", "c1", "task-1", json.RawMessage(`{"text":"a"}`))
	b.Invoke(context.Background(), "test:echo", "c2", "task-1", json.RawMessage(`{}`))
	b.Invoke(context.Background(), "test:gone", "c3", "task-2", json.RawMessage(`{}`))

	entries := b.CallLog().Recent(0)
	require.Len(t, entries, before+3)

	tail := entries[len(entries)-3:]
	assert.Equal(t, StatusSuccess, tail[0].Outcome)
	assert.Equal(t, StatusInvalidInput, tail[1].Outcome)
	assert.Equal(t, StatusInvalidAbility, tail[2].Outcome)
	assert.Equal(t, "task-2", tail[2].CallerID)
	assert.Equal(t, "test:gone", tail[2].AbilityID)
	assert.NotEmpty(t, tail[2].ErrMsg)
	assert.False(t, tail[0].Start.IsZero())
}

func TestRegister_Lifecycle(t *testing.T) {
	b := New()
	desc := echoDescriptor("test:echo")

	require.NoError(t, b.Register(desc, echoHandler))
	require.Error(t, b.Register(desc, echoHandler), "duplicate id must fail")
	assert.True(t, b.Has("test:echo"))

	b.Unregister("test:echo")
	b.Unregister("test:echo") // idempotent
	assert.False(t, b.Has("test:echo"))

	require.NoError(t, b.Register(desc, echoHandler), "re-register after unregister is fresh")
	assert.True(t, b.Has("test:echo"))
}

func TestRegister_RejectsBadIDs(t *testing.T) {
	b := New()
	assert.Error(t, b.Register(Descriptor{ID: "noseparator"}, echoHandler))
	assert.Error(t, b.Register(Descriptor{ID: ":name"}, echoHandler))
	assert.Error(t, b.Register(Descriptor{ID: "mod:"}, echoHandler))
	assert.Error(t, b.Register(Descriptor{ID: "a:b", Module: "other"}, echoHandler))
	assert.Error(t, b.Register(Descriptor{ID: "a:b"}, nil))
}

// Introspection must reproduce the registered descriptor exactly.
func TestIntrospection_RoundTrip(t *testing.T) {
	b := New()
	desc := echoDescriptor("test:echo")
	require.NoError(t, b.Register(desc, echoHandler))

	res := b.Invoke(context.Background(), AbilityList, "c", CallerSystem, nil)
	require.True(t, res.OK(), res.ErrMsg)
	var list struct {
		Modules []ModuleInfo `json:"modules"`
	}
	require.NoError(t, res.Bind(&list))
	found := false
	for _, m := range list.Modules {
		if m.Module == "test" {
			found = true
			assert.Equal(t, 1, m.Abilities)
		}
	}
	require.True(t, found, "bus:list must include the test module")

	res = b.Invoke(context.Background(), AbilityAbilities, "c", CallerSystem,
		json.RawMessage(`{"module":"test"}`))
	require.True(t, res.OK(), res.ErrMsg)
	var abilities struct {
		Abilities []AbilityInfo `json:"abilities"`
	}
	require.NoError(t, res.Bind(&abilities))
	require.Len(t, abilities.Abilities, 1)
	assert.Equal(t, desc.ID, abilities.Abilities[0].ID)
	assert.Equal(t, "echo", abilities.Abilities[0].Name)
	assert.Equal(t, desc.Description, abilities.Abilities[0].Description)

	res = b.Invoke(context.Background(), AbilitySchema, "c", CallerSystem,
		json.RawMessage(`{"id":"test:echo"}`))
	require.True(t, res.OK(), res.ErrMsg)
	var pair SchemaPair
	require.NoError(t, res.Bind(&pair))
	wantIn, _ := json.Marshal(desc.Input)
	gotIn, _ := json.Marshal(pair.Input)
	assert.JSONEq(t, string(wantIn), string(gotIn))
	wantOut, _ := json.Marshal(desc.Output)
	gotOut, _ := json.Marshal(pair.Output)
	assert.JSONEq(t, string(wantOut), string(gotOut))

	res = b.Invoke(context.Background(), AbilityInspect, "c", CallerSystem,
		json.RawMessage(`{"id":"test:echo"}`))
	require.True(t, res.OK(), res.ErrMsg)
	var inspect struct {
		Descriptor Descriptor `json:"descriptor"`
	}
	require.NoError(t, res.Bind(&inspect))
	assert.Equal(t, desc.ID, inspect.Descriptor.ID)
	assert.Equal(t, "test", inspect.Descriptor.Module)
}

func TestIntrospection_UnknownTargets(t *testing.T) {
	b := New()
	res := b.Invoke(context.Background(), AbilityAbilities, "c", CallerSystem,
		json.RawMessage(`{"module":"ghost"}`))
	assert.Equal(t, StatusError, res.Status)

	res = b.Invoke(context.Background(), AbilitySchema, "c", CallerSystem,
		json.RawMessage(`{"id":"ghost:x"}`))
	assert.Equal(t, StatusError, res.Status)
}

func TestInvoke_Concurrent(t *testing.T) {
	b := New()
	require.NoError(t, b.Register(echoDescriptor("test:echo"), echoHandler))

	// Handlers may re-enter the bus; registration proceeds in parallel.
	require.NoError(t, b.Register(Descriptor{ID: "test:nested"},
		func(ctx context.Context, inv Invocation) (any, error) {
			res := b.Invoke(ctx, "test:echo", inv.CallID, inv.CallerID,
				json.RawMessage(`{"text":"inner"}`))
			if !res.OK() {
				return nil, res.Err()
			}
			return map[string]bool{"ok": true}, nil
		}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := b.Invoke(context.Background(), "test:nested", "c", "t", nil)
			assert.True(t, res.OK(), res.ErrMsg)
		}()
	}
	wg.Wait()
}
