package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openagentos/agentos/internal/bus"
	"github.com/openagentos/agentos/internal/config"
	"github.com/openagentos/agentos/internal/providers"
)

// fakeAdapter plays back a scripted chunk sequence.
type fakeAdapter struct {
	name   string
	chunks []providers.Chunk
	result providers.Completion
	err    error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CompleteStream(ctx context.Context, req providers.Request, onChunk func(providers.Chunk)) (*providers.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, c := range f.chunks {
		if onChunk != nil {
			onChunk(c)
		}
	}
	r := f.result
	return &r, nil
}

func (f *fakeAdapter) Complete(ctx context.Context, req providers.Request) (*providers.Completion, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := f.result
	return &r, nil
}

func (f *fakeAdapter) Embed(ctx context.Context, model, text string) (*providers.Embedding, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Embedding{Vector: []float64{1, 2}, Dimensions: 2}, nil
}

type sentChunk struct {
	CallerID  string
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
	Index     int    `json:"index"`
}

// registerShellSink captures shell:send invocations.
func registerShellSink(t *testing.T, b *bus.Bus, sink *[]sentChunk) {
	t.Helper()
	err := b.Register(bus.Descriptor{
		ID:          "shell:send",
		Description: "capture relay chunks",
		Input:       bus.EmptyObjectSchema(),
		Output:      bus.EmptyObjectSchema(),
	}, func(ctx context.Context, inv bus.Invocation) (any, error) {
		var c sentChunk
		require.NoError(t, inv.Bind(&c))
		c.CallerID = inv.CallerID
		*sink = append(*sink, c)
		return map[string]any{"success": true}, nil
	})
	require.NoError(t, err)
}

func newTestService(t *testing.T, adapter providers.Adapter) (*Service, *bus.Bus) {
	t.Helper()
	b := bus.New()
	r := NewRegistry()
	r.Add("fake", adapter, []config.ModelConfig{
		{Type: "llm", Name: "fake-1"},
		{Type: "embed", Name: "fake-embed"},
	})
	s := NewService(r, b, nil)
	require.NoError(t, s.Register())
	return s, b
}

func invokeLLM(t *testing.T, b *bus.Bus, callerID string, in LLMInput) bus.Result {
	t.Helper()
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	return b.Invoke(context.Background(), AbilityLLM, "call-1", callerID, raw)
}

func TestLLM_StreamRelaysChunksWithTerminalIndex(t *testing.T) {
	adapter := &fakeAdapter{
		name: "openai",
		chunks: []providers.Chunk{
			{Content: "hel"},
			{Content: "lo "},
			{Content: "world"},
			{Done: true},
		},
		result: providers.Completion{Content: "hello world"},
	}
	_, b := newTestService(t, adapter)

	var sink []sentChunk
	registerShellSink(t, b, &sink)

	res := invokeLLM(t, b, "task-42", LLMInput{
		Messages:     []providers.Message{{Role: "user", Content: "hi"}},
		Provider:     "fake",
		Model:        "fake-1",
		StreamToUser: true,
	})
	require.True(t, res.OK(), res.ErrMsg)

	var out LLMOutput
	require.NoError(t, res.Bind(&out))
	assert.Equal(t, "hello world", out.Content)

	// The last content chunk carries the terminal index, not a trailing
	// empty record.
	require.Len(t, sink, 3)
	assert.Equal(t, []int{0, 1, -1}, []int{sink[0].Index, sink[1].Index, sink[2].Index})
	assert.Equal(t, "world", sink[2].Content)
	for _, c := range sink {
		assert.Equal(t, "task-42", c.CallerID)
		assert.Equal(t, sink[0].MessageID, c.MessageID)
	}
}

func TestLLM_SingleChunkStream(t *testing.T) {
	adapter := &fakeAdapter{
		chunks: []providers.Chunk{{Content: "only"}, {Done: true}},
		result: providers.Completion{Content: "only"},
	}
	_, b := newTestService(t, adapter)

	var sink []sentChunk
	registerShellSink(t, b, &sink)

	res := invokeLLM(t, b, "task-1", LLMInput{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Provider: "fake", Model: "fake-1", StreamToUser: true,
	})
	require.True(t, res.OK())
	require.Len(t, sink, 1)
	assert.Equal(t, -1, sink[0].Index)
	assert.Equal(t, "only", sink[0].Content)
}

func TestLLM_NoContentDispatchesNothing(t *testing.T) {
	adapter := &fakeAdapter{
		chunks: []providers.Chunk{{Done: true}},
		result: providers.Completion{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "bus_list", Arguments: "{}"}}},
	}
	_, b := newTestService(t, adapter)

	var sink []sentChunk
	registerShellSink(t, b, &sink)

	res := invokeLLM(t, b, "task-1", LLMInput{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Provider: "fake", Model: "fake-1", StreamToUser: true,
	})
	require.True(t, res.OK())
	assert.Empty(t, sink)

	var out LLMOutput
	require.NoError(t, res.Bind(&out))
	require.Len(t, out.ToolCalls, 1)
}

func TestLLM_NonStreamSkipsRelay(t *testing.T) {
	adapter := &fakeAdapter{
		chunks: []providers.Chunk{{Content: "x"}, {Done: true}},
		result: providers.Completion{Content: "x"},
	}
	_, b := newTestService(t, adapter)

	var sink []sentChunk
	registerShellSink(t, b, &sink)

	res := invokeLLM(t, b, "task-1", LLMInput{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Provider: "fake", Model: "fake-1",
	})
	require.True(t, res.OK())
	assert.Empty(t, sink)
}

func TestLLM_UnadvertisedModelRejectedBeforeNetwork(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("must not be reached")}
	_, b := newTestService(t, adapter)

	res := invokeLLM(t, b, "task-1", LLMInput{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Provider: "fake", Model: "not-advertised",
	})
	assert.Equal(t, bus.StatusError, res.Status)
	assert.Contains(t, res.ErrMsg, "not-advertised")
}

func TestLLM_ProviderFailureClassified(t *testing.T) {
	adapter := &fakeAdapter{err: &providers.HTTPError{Status: 429, Body: "slow down"}}
	_, b := newTestService(t, adapter)

	res := invokeLLM(t, b, "task-1", LLMInput{
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Provider: "fake", Model: "fake-1",
	})
	assert.Equal(t, bus.StatusError, res.Status)
	assert.Equal(t, "Rate limit exceeded", res.ErrMsg)
}

func TestListModels(t *testing.T) {
	b := bus.New()
	r := NewRegistry()
	r.Add("zeta", &fakeAdapter{}, []config.ModelConfig{{Type: "llm", Name: "z-1"}})
	r.Add("alpha", &fakeAdapter{}, []config.ModelConfig{
		{Type: "llm", Name: "a-1"},
		{Type: "llm", Name: "a-2"},
		{Type: "embed", Name: "a-embed"},
	})
	r.Add("embed-only", &fakeAdapter{}, []config.ModelConfig{{Type: "embed", Name: "e-1"}})
	require.NoError(t, NewService(r, b, nil).Register())

	res := b.Invoke(context.Background(), AbilityListLLM, "c", bus.CallerSystem, nil)
	require.True(t, res.OK())
	var out struct {
		Providers []ProviderModels `json:"providers"`
	}
	require.NoError(t, res.Bind(&out))
	require.Len(t, out.Providers, 2)
	assert.Equal(t, "alpha", out.Providers[0].Provider)
	assert.Equal(t, []string{"a-1", "a-2"}, out.Providers[0].Models)
	assert.Equal(t, "zeta", out.Providers[1].Provider)

	res = b.Invoke(context.Background(), AbilityListEmbed, "c", bus.CallerSystem, nil)
	require.True(t, res.OK())
	require.NoError(t, res.Bind(&out))
	require.Len(t, out.Providers, 2)
	assert.Equal(t, "alpha", out.Providers[0].Provider)
	assert.Equal(t, "embed-only", out.Providers[1].Provider)
}

func TestEmbed(t *testing.T) {
	_, b := newTestService(t, &fakeAdapter{})

	raw := []byte(`{"provider":"fake","model":"fake-embed","text":"hi"}`)
	res := b.Invoke(context.Background(), AbilityEmbed, "c", bus.CallerSystem, raw)
	require.True(t, res.OK(), res.ErrMsg)
	var out struct {
		Vector     []float64 `json:"vector"`
		Dimensions int       `json:"dimensions"`
	}
	require.NoError(t, res.Bind(&out))
	assert.Equal(t, 2, out.Dimensions)
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(map[string]config.ProviderConfig{
		"openai":    {AdapterType: config.AdapterOpenAI, Models: []config.ModelConfig{{Type: "llm", Name: "gpt"}}},
		"anthropic": {AdapterType: config.AdapterAnthropic, Models: []config.ModelConfig{{Type: "llm", Name: "claude"}}},
		"groq":      {AdapterType: config.AdapterCustom, Endpoint: "https://api.groq.com/openai/v1"},
	})
	require.NoError(t, err)

	a, err := r.Lookup("openai", "gpt", "llm")
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Name())

	a, err = r.Lookup("anthropic", "claude", "llm")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", a.Name())

	_, err = r.Lookup("groq", "anything", "llm")
	require.Error(t, err)

	_, err = FromConfig(map[string]config.ProviderConfig{
		"bad": {AdapterType: "grpc"},
	})
	require.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "adapterType")
}
