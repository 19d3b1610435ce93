package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIAdapter speaks the OpenAI chat-completions wire format. It also
// serves the "custom" adapter type: every OpenAI-compatible endpoint
// (Groq, OpenRouter, DeepSeek, vLLM, …) goes through here.
type OpenAIAdapter struct {
	name        string
	apiKey      string
	baseURL     string
	chatPath    string
	embedPath   string
	client      *http.Client
	retryConfig RetryConfig
}

// NewOpenAIAdapter creates an adapter for endpoint. An empty apiKey falls
// back to the OPENAI_API_KEY environment variable.
func NewOpenAIAdapter(endpoint, apiKey string) *OpenAIAdapter {
	if endpoint == "" {
		endpoint = defaultOpenAIBase
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &OpenAIAdapter{
		name:        "openai",
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(endpoint, "/"),
		chatPath:    "/chat/completions",
		embedPath:   "/embeddings",
		client:      &http.Client{Timeout: 300 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

// WithName overrides the adapter type identifier (used for "custom").
func (a *OpenAIAdapter) WithName(name string) *OpenAIAdapter {
	a.name = name
	return a
}

func (a *OpenAIAdapter) Name() string { return a.name }

// --- wire types ---

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage *Usage `json:"usage"`
}

func (a *OpenAIAdapter) buildRequestBody(req Request, stream bool) map[string]any {
	msgs := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}
	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   stream,
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Options.Tools) > 0 {
		body["tools"] = req.Options.Tools
		body["tool_choice"] = "auto"
	}
	if req.Options.Temperature != nil {
		body["temperature"] = *req.Options.Temperature
	}
	if req.Options.MaxTokens != nil {
		body["max_tokens"] = *req.Options.MaxTokens
	}
	if req.Options.TopP != nil {
		body["top_p"] = *req.Options.TopP
	}
	return body
}

func (a *OpenAIAdapter) doRequest(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", a.name, err)
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

func (a *OpenAIAdapter) CompleteStream(ctx context.Context, req Request, onChunk func(Chunk)) (*Completion, error) {
	body := a.buildRequestBody(req, true)

	// Retry covers only the connection phase; once streaming starts there
	// is no replay.
	respBody, err := RetryDo(ctx, a.retryConfig, func() (io.ReadCloser, error) {
		return a.doRequest(ctx, a.chatPath, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &Completion{}
	var asm Assembler

	emit := func(c Chunk) {
		if onChunk != nil {
			onChunk(c)
		}
	}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			result.Content += delta.Content
			emit(Chunk{Content: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			frag := ToolFragment{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
			asm.Add(frag)
			emit(Chunk{Tool: &frag})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", a.name, err)
	}

	result.ToolCalls = asm.Calls()
	emit(Chunk{Done: true, Usage: result.Usage})
	return result, nil
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Completion, error) {
	body := a.buildRequestBody(req, false)

	return RetryDo(ctx, a.retryConfig, func() (*Completion, error) {
		respBody, err := a.doRequest(ctx, a.chatPath, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", a.name, err)
		}

		result := &Completion{Usage: resp.Usage}
		if len(resp.Choices) > 0 {
			msg := resp.Choices[0].Message
			result.Content = msg.Content
			for _, tc := range msg.ToolCalls {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: tc.Function.Arguments,
				})
			}
		}
		return result, nil
	})
}

func (a *OpenAIAdapter) Embed(ctx context.Context, model, text string) (*Embedding, error) {
	body := map[string]any{"model": model, "input": text}

	return RetryDo(ctx, a.retryConfig, func() (*Embedding, error) {
		respBody, err := a.doRequest(ctx, a.embedPath, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIEmbedResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode embedding: %w", a.name, err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("%s: empty embedding response", a.name)
		}
		vec := resp.Data[0].Embedding
		return &Embedding{Vector: vec, Dimensions: len(vec), Usage: resp.Usage}, nil
	})
}
