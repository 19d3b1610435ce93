package model

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/openagentos/agentos/internal/bus"
	"github.com/openagentos/agentos/internal/providers"
)

// Ability ids exposed on the bus under the model module.
const (
	AbilityLLM       = "model:llm"
	AbilityListLLM   = "model:listLLM"
	AbilityListEmbed = "model:listEmbed"
	AbilityEmbed     = "model:embed"
)

// relayAbility carries content chunks to the transport. The callerId of
// the relay invocation identifies the target task.
const relayAbility = "shell:send"

// LLMInput is the model:llm request.
type LLMInput struct {
	Messages     []providers.Message        `json:"messages"`
	Provider     string                     `json:"provider"`
	Model        string                     `json:"model"`
	Temperature  *float64                   `json:"temperature,omitempty"`
	MaxTokens    *int                       `json:"maxTokens,omitempty"`
	TopP         *float64                   `json:"topP,omitempty"`
	StreamToUser bool                       `json:"streamToUser,omitempty"`
	Tools        []providers.ToolDefinition `json:"tools,omitempty"`
}

// LLMOutput is the model:llm result.
type LLMOutput struct {
	Content   string               `json:"content"`
	ToolCalls []providers.ToolCall `json:"toolCalls,omitempty"`
	Usage     *providers.Usage     `json:"usage,omitempty"`
}

// Service wires the registry to the bus.
type Service struct {
	registry *Registry
	bus      *bus.Bus
	logger   *slog.Logger
}

func NewService(r *Registry, b *bus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: r, bus: b, logger: logger}
}

// Register exposes the model capabilities on the bus.
func (s *Service) Register() error {
	regs := []struct {
		desc    bus.Descriptor
		handler bus.Handler
	}{
		{
			bus.Descriptor{
				ID:          AbilityLLM,
				Description: "Run a chat completion against a configured provider",
				Input: bus.ObjectSchema(map[string]any{
					"messages":     map[string]any{"type": "array"},
					"provider":     map[string]any{"type": "string"},
					"model":        map[string]any{"type": "string"},
					"temperature":  map[string]any{"type": "number"},
					"maxTokens":    map[string]any{"type": "integer"},
					"topP":         map[string]any{"type": "number"},
					"streamToUser": map[string]any{"type": "boolean"},
					"tools":        map[string]any{"type": "array"},
				}, "messages", "provider", "model"),
				Output: bus.ObjectSchema(map[string]any{
					"content":   map[string]any{"type": "string"},
					"toolCalls": map[string]any{"type": "array"},
					"usage":     map[string]any{"type": "object"},
				}, "content"),
			},
			s.llm,
		},
		{
			bus.Descriptor{
				ID:          AbilityListLLM,
				Description: "List providers and their advertised chat models",
				Input:       bus.EmptyObjectSchema(),
				Output: bus.ObjectSchema(map[string]any{
					"providers": map[string]any{"type": "array"},
				}, "providers"),
			},
			s.listModels("llm"),
		},
		{
			bus.Descriptor{
				ID:          AbilityListEmbed,
				Description: "List providers and their advertised embedding models",
				Input:       bus.EmptyObjectSchema(),
				Output: bus.ObjectSchema(map[string]any{
					"providers": map[string]any{"type": "array"},
				}, "providers"),
			},
			s.listModels("embed"),
		},
		{
			bus.Descriptor{
				ID:          AbilityEmbed,
				Description: "Compute an embedding vector for a text",
				Input: bus.ObjectSchema(map[string]any{
					"provider": map[string]any{"type": "string"},
					"model":    map[string]any{"type": "string"},
					"text":     map[string]any{"type": "string"},
				}, "provider", "model", "text"),
				Output: bus.ObjectSchema(map[string]any{
					"vector":     map[string]any{"type": "array"},
					"dimensions": map[string]any{"type": "integer"},
				}, "vector", "dimensions"),
			},
			s.embed,
		},
	}
	for _, r := range regs {
		if err := s.bus.Register(r.desc, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) listModels(modelType string) bus.Handler {
	return func(ctx context.Context, inv bus.Invocation) (any, error) {
		return map[string]any{"providers": s.registry.List(modelType)}, nil
	}
}

func (s *Service) llm(ctx context.Context, inv bus.Invocation) (any, error) {
	var in LLMInput
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}

	adapter, err := s.registry.Lookup(in.Provider, in.Model, "llm")
	if err != nil {
		return nil, bus.Errorf("%v", err)
	}

	req := providers.Request{
		Model:    in.Model,
		Messages: in.Messages,
		Options: providers.Options{
			Tools:       in.Tools,
			Temperature: in.Temperature,
			MaxTokens:   in.MaxTokens,
			TopP:        in.TopP,
		},
	}

	var completion *providers.Completion
	if in.StreamToUser {
		rel := newRelay(s.bus, inv.CallerID, s.logger)
		completion, err = adapter.CompleteStream(ctx, req, func(c providers.Chunk) {
			if c.Content != "" {
				rel.push(ctx, c.Content)
			}
			if c.Done {
				rel.finish(ctx)
			}
		})
	} else {
		completion, err = adapter.Complete(ctx, req)
	}
	if err != nil {
		return nil, bus.Errorf("%s", providers.ClassifyError(err))
	}

	return LLMOutput{
		Content:   completion.Content,
		ToolCalls: completion.ToolCalls,
		Usage:     completion.Usage,
	}, nil
}

func (s *Service) embed(ctx context.Context, inv bus.Invocation) (any, error) {
	var in struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Text     string `json:"text"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}

	adapter, err := s.registry.Lookup(in.Provider, in.Model, "embed")
	if err != nil {
		return nil, bus.Errorf("%v", err)
	}
	emb, err := adapter.Embed(ctx, in.Model, in.Text)
	if err != nil {
		return nil, bus.Errorf("%s", providers.ClassifyError(err))
	}
	return map[string]any{
		"vector":     emb.Vector,
		"dimensions": emb.Dimensions,
		"usage":      emb.Usage,
	}, nil
}

// relay forwards content chunks to the transport for one completion.
// One chunk is held back so the last non-empty chunk can be dispatched
// with the terminal index of -1 instead of a separate empty record.
type relay struct {
	bus       *bus.Bus
	taskID    string
	messageID string
	logger    *slog.Logger

	index   int
	pending string
	started bool
}

func newRelay(b *bus.Bus, taskID string, logger *slog.Logger) *relay {
	return &relay{bus: b, taskID: taskID, messageID: uuid.NewString(), logger: logger}
}

func (r *relay) push(ctx context.Context, content string) {
	if r.started {
		r.send(ctx, r.pending, r.index)
		r.index++
	}
	r.pending = content
	r.started = true
}

// finish flushes the held chunk with the terminal index. A completion
// with no content chunks dispatches nothing.
func (r *relay) finish(ctx context.Context) {
	if !r.started {
		return
	}
	r.send(ctx, r.pending, -1)
	r.started = false
}

func (r *relay) send(ctx context.Context, content string, index int) {
	payload, err := json.Marshal(map[string]any{
		"content":   content,
		"messageId": r.messageID,
		"index":     index,
	})
	if err != nil {
		return
	}
	res := r.bus.Invoke(ctx, relayAbility, uuid.NewString(), r.taskID, payload)
	if !res.OK() {
		// No subscriber is not an error for the completion itself.
		r.logger.Debug("chunk relay skipped",
			"taskId", r.taskID, "messageId", r.messageID, "index", index, "status", res.Status)
	}
}
