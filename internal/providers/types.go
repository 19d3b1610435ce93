// Package providers contains the wire-level adapters to concrete LLM
// backends. Each adapter normalizes a vendor stream into the uniform chunk
// sequence consumed by the model layer.
package providers

import "context"

// Message is one entry of a completion request. Tool results are inlined
// upstream as assistant-role text, so only role and content travel here.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ToolCall is a fully assembled tool invocation requested by the LLM.
// Arguments is the raw accumulated text; it is not parsed as JSON until
// the tool is actually invoked.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolFragment is a partial tool call carried by one stream chunk.
// An empty ID binds the fragment to the most recently started tool call.
type ToolFragment struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption; present only on the finished chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one increment of a completion stream. The sequence is lazy,
// finite and single-pass; Done is set exactly once, on the last chunk.
type Chunk struct {
	Content string
	Tool    *ToolFragment
	Done    bool
	Usage   *Usage
}

// Completion is the reassembled result of a completion call.
type Completion struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Embedding is the result of an embed call.
type Embedding struct {
	Vector     []float64 `json:"vector"`
	Dimensions int       `json:"dimensions"`
	Usage      *Usage    `json:"usage,omitempty"`
}

// Options are the recognized completion options. Unknown request fields
// are ignored upstream.
type Options struct {
	Tools       []ToolDefinition
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// Request is the input to a completion call.
type Request struct {
	Model    string
	Messages []Message
	Options  Options
}

// Adapter is the uniform surface over one provider wire format.
type Adapter interface {
	// Name returns the adapter type identifier ("openai", "anthropic", …).
	Name() string

	// CompleteStream drives a streaming completion, invoking onChunk for
	// every increment, and returns the reassembled completion.
	CompleteStream(ctx context.Context, req Request, onChunk func(Chunk)) (*Completion, error)

	// Complete is the non-streaming path; equivalent to draining the
	// stream and reassembling.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Embed computes an embedding vector for text.
	Embed(ctx context.Context, model, text string) (*Embedding, error)
}
