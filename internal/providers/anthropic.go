package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultAnthropicBase = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
	anthropicMaxTokens   = 4096 // the messages API requires max_tokens
)

// ErrEmbedUnsupported is returned by adapters that have no embedding API.
var ErrEmbedUnsupported = errors.New("embeddings are not supported by this adapter")

// AnthropicAdapter speaks the Anthropic messages wire format.
type AnthropicAdapter struct {
	apiKey      string
	baseURL     string
	client      *http.Client
	retryConfig RetryConfig
}

// NewAnthropicAdapter creates an adapter for endpoint. An empty apiKey
// falls back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicAdapter(endpoint, apiKey string) *AnthropicAdapter {
	if endpoint == "" {
		endpoint = defaultAnthropicBase
	}
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &AnthropicAdapter{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(endpoint, "/"),
		client:      &http.Client{Timeout: 300 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// --- wire types ---

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicMessageStartEvent struct {
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// splitSystem extracts the consecutive system-role prefix of msgs into a
// dedicated system string; the remainder keeps its order. A system message
// appearing later in the sequence is demoted to a user message, which is
// what the messages API can carry.
func splitSystem(msgs []Message) (string, []openAIMessage) {
	var system []string
	i := 0
	for ; i < len(msgs) && msgs[i].Role == "system"; i++ {
		system = append(system, msgs[i].Content)
	}
	rest := make([]openAIMessage, 0, len(msgs)-i)
	for _, m := range msgs[i:] {
		role := m.Role
		if role == "system" {
			role = "user"
		}
		rest = append(rest, openAIMessage{Role: role, Content: m.Content})
	}
	return strings.Join(system, "\n\n"), rest
}

func (a *AnthropicAdapter) buildRequestBody(req Request, stream bool) map[string]any {
	system, msgs := splitSystem(req.Messages)

	maxTokens := anthropicMaxTokens
	if req.Options.MaxTokens != nil {
		maxTokens = *req.Options.MaxTokens
	}
	body := map[string]any{
		"model":      req.Model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		body["system"] = system
	}
	if len(req.Options.Tools) > 0 {
		tools := make([]anthropicTool, len(req.Options.Tools))
		for i, t := range req.Options.Tools {
			tools[i] = anthropicTool{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: t.Function.Parameters,
			}
		}
		body["tools"] = tools
	}
	if req.Options.Temperature != nil {
		body["temperature"] = *req.Options.Temperature
	}
	if req.Options.TopP != nil {
		body["top_p"] = *req.Options.TopP
	}
	return body
}

func (a *AnthropicAdapter) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (a *AnthropicAdapter) CompleteStream(ctx context.Context, req Request, onChunk func(Chunk)) (*Completion, error) {
	body := a.buildRequestBody(req, true)

	respBody, err := RetryDo(ctx, a.retryConfig, func() (io.ReadCloser, error) {
		return a.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &Completion{}
	var asm Assembler
	usage := &Usage{}

	emit := func(c Chunk) {
		if onChunk != nil {
			onChunk(c)
		}
	}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEvent {
		case "message_start":
			var ev anthropicMessageStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			var ev anthropicContentBlockStartEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.ContentBlock.Type == "tool_use" {
				frag := ToolFragment{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				asm.Add(frag)
				emit(Chunk{Tool: &frag})
			}

		case "content_block_delta":
			var ev anthropicContentBlockDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				switch ev.Delta.Type {
				case "text_delta":
					result.Content += ev.Delta.Text
					emit(Chunk{Content: ev.Delta.Text})
				case "input_json_delta":
					// No id on deltas: binds to the most recent tool_use block.
					frag := ToolFragment{Arguments: ev.Delta.PartialJSON}
					asm.Add(frag)
					emit(Chunk{Tool: &frag})
				}
			}

		case "message_delta":
			var ev anthropicMessageDeltaEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				if ev.Usage.OutputTokens > 0 {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if err := json.Unmarshal([]byte(data), &ev); err == nil {
				return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}

		case "message_stop":
			// finished chunk emitted below
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	result.Usage = usage
	result.ToolCalls = asm.Calls()
	emit(Chunk{Done: true, Usage: usage})
	return result, nil
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Completion, error) {
	body := a.buildRequestBody(req, false)

	return RetryDo(ctx, a.retryConfig, func() (*Completion, error) {
		respBody, err := a.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}

		result := &Completion{Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}}
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				result.Content += block.Text
			case "tool_use":
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        block.ID,
					Name:      block.Name,
					Arguments: string(block.Input),
				})
			}
		}
		return result, nil
	})
}

// Embed is unsupported: the messages API has no embedding endpoint.
func (a *AnthropicAdapter) Embed(ctx context.Context, model, text string) (*Embedding, error) {
	return nil, ErrEmbedUnsupported
}
