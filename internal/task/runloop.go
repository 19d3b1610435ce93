package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openagentos/agentos/internal/bus"
	"github.com/openagentos/agentos/internal/ledger"
	"github.com/openagentos/agentos/internal/providers"
	"github.com/openagentos/agentos/pkg/protocol"
)

// Abilities the run-loop consumes. Reaching collaborators by id keeps
// the packages decoupled; the assembly verifies presence at startup.
const (
	listLLMAbility = "model:listLLM"
	llmAbility     = "model:llm"
	shellSend      = "shell:send"
	shellEvent     = "shell:event"
)

// Modules excluded from the tool catalog. Introspection and the user
// relay are runtime plumbing, not tools for the LLM.
var catalogExcluded = map[string]bool{"bus": true, "shell": true}

// runLoop drives one task until a terminal status. Exactly one loop per
// task runs at a time; the scheduler guarantees it via isRunning.
func (m *Manager) runLoop(ctx context.Context, ts *taskState) {
	for iter := 0; ; iter++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		status, msgs := ts.snapshot()
		if status != "" {
			return
		}
		if iter >= m.cfg.MaxToolIterations {
			m.fail(ctx, ts, fmt.Sprintf("exceeded %d tool iterations", m.cfg.MaxToolIterations))
			return
		}

		provider, model, err := m.selectModel(ctx, ts.id)
		if err != nil {
			m.fail(ctx, ts, err.Error())
			return
		}

		tools, err := m.deriveTools(ctx, ts.id)
		if err != nil {
			m.fail(ctx, ts, err.Error())
			return
		}

		out, err := m.complete(ctx, ts.id, provider, model, msgs, tools)
		if err != nil {
			m.fail(ctx, ts, err.Error())
			return
		}

		if out.Content != "" {
			ts.append(ledger.RoleAssistant, out.Content)
			m.persistMessage(ctx, ts.id, ledger.RoleAssistant, out.Content)
		}

		if len(out.ToolCalls) == 0 {
			m.finish(ctx, ts)
			return
		}
		for _, call := range out.ToolCalls {
			m.invokeTool(ctx, ts, call)
		}
	}
}

// selectModel picks the first provider and its first model from the llm
// listing. The listing is sorted by provider name, so the choice is
// deterministic for a fixed configuration.
func (m *Manager) selectModel(ctx context.Context, taskID string) (string, string, error) {
	res := m.bus.Invoke(ctx, listLLMAbility, uuid.NewString(), taskID, nil)
	if !res.OK() {
		return "", "", fmt.Errorf("list models: %s", res.ErrMsg)
	}
	var out struct {
		Providers []struct {
			Provider string   `json:"providerName"`
			Models   []string `json:"models"`
		} `json:"providers"`
	}
	if err := res.Bind(&out); err != nil {
		return "", "", fmt.Errorf("list models: %w", err)
	}
	if len(out.Providers) == 0 || len(out.Providers[0].Models) == 0 {
		return "", "", fmt.Errorf("no llm models configured")
	}
	return out.Providers[0].Provider, out.Providers[0].Models[0], nil
}

// deriveTools rebuilds the tool catalog from bus introspection. Done per
// iteration so dynamically registered abilities appear without restart.
func (m *Manager) deriveTools(ctx context.Context, taskID string) ([]providers.ToolDefinition, error) {
	res := m.bus.Invoke(ctx, bus.AbilityList, uuid.NewString(), taskID, nil)
	if !res.OK() {
		return nil, fmt.Errorf("list modules: %s", res.ErrMsg)
	}
	var listing struct {
		Modules []bus.ModuleInfo `json:"modules"`
	}
	if err := res.Bind(&listing); err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}

	var tools []providers.ToolDefinition
	for _, mod := range listing.Modules {
		if catalogExcluded[mod.Module] {
			continue
		}
		input, _ := json.Marshal(map[string]string{"module": mod.Module})
		res = m.bus.Invoke(ctx, bus.AbilityAbilities, uuid.NewString(), taskID, input)
		if !res.OK() {
			return nil, fmt.Errorf("list abilities of %s: %s", mod.Module, res.ErrMsg)
		}
		var abilities struct {
			Abilities []bus.AbilityInfo `json:"abilities"`
		}
		if err := res.Bind(&abilities); err != nil {
			return nil, fmt.Errorf("list abilities of %s: %w", mod.Module, err)
		}

		for _, ab := range abilities.Abilities {
			input, _ = json.Marshal(map[string]string{"id": ab.ID})
			res = m.bus.Invoke(ctx, bus.AbilitySchema, uuid.NewString(), taskID, input)
			if !res.OK() {
				return nil, fmt.Errorf("schema of %s: %s", ab.ID, res.ErrMsg)
			}
			var pair bus.SchemaPair
			if err := res.Bind(&pair); err != nil {
				return nil, fmt.Errorf("schema of %s: %w", ab.ID, err)
			}
			tools = append(tools, providers.ToolDefinition{
				Type: "function",
				Function: providers.ToolFunctionSchema{
					Name:        EncodeToolName(ab.ID),
					Description: ab.Description,
					Parameters:  pair.Input,
				},
			})
		}
	}
	return tools, nil
}

type llmResult struct {
	Content   string               `json:"content"`
	ToolCalls []providers.ToolCall `json:"toolCalls"`
}

func (m *Manager) complete(ctx context.Context, taskID, provider, model string, msgs []providers.Message, tools []providers.ToolDefinition) (*llmResult, error) {
	req := map[string]any{
		"messages":     msgs,
		"provider":     provider,
		"model":        model,
		"streamToUser": true,
		"temperature":  m.cfg.Temperature,
	}
	if m.cfg.MaxTokens > 0 {
		req["maxTokens"] = m.cfg.MaxTokens
	}
	if len(tools) > 0 {
		req["tools"] = tools
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	res := m.bus.Invoke(ctx, llmAbility, uuid.NewString(), taskID, input)
	if !res.OK() {
		return nil, fmt.Errorf("completion: %s", res.ErrMsg)
	}
	var out llmResult
	if err := res.Bind(&out); err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	return &out, nil
}

// invokeTool runs one requested tool call and folds its outcome back
// into the message log as assistant-role text.
func (m *Manager) invokeTool(ctx context.Context, ts *taskState, call providers.ToolCall) {
	abilityID := DecodeToolName(call.Name)
	callID := call.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	args := call.Arguments
	if args == "" {
		args = "{}"
	}

	m.emitEvent(ctx, ts.id, protocol.EventToolCall, protocol.ToolCallPayload{
		TaskID: ts.id, AbilityID: abilityID, CallID: callID,
	})
	m.persistCall(ctx, ts.id, callID, abilityID, args, ledger.CallInProgress, "")

	res := m.bus.Invoke(ctx, abilityID, callID, ts.id, json.RawMessage(args))

	var text string
	if res.OK() {
		text = fmt.Sprintf("Tool %s result: %s", abilityID, string(res.Output))
		m.persistCall(ctx, ts.id, callID, abilityID, args, ledger.CallCompleted, "")
	} else {
		text = fmt.Sprintf("Tool %s failed: %s", abilityID, res.ErrMsg)
		m.persistCall(ctx, ts.id, callID, abilityID, args, ledger.CallFailed, res.ErrMsg)
	}

	ts.append(ledger.RoleAssistant, text)
	m.persistMessage(ctx, ts.id, ledger.RoleAssistant, text)
	m.emitEvent(ctx, ts.id, protocol.EventToolResult, protocol.ToolResultPayload{
		TaskID: ts.id, AbilityID: abilityID, CallID: callID, IsError: !res.OK(),
	})
}

func (m *Manager) persistCall(ctx context.Context, taskID, callID, abilityID, args, status, details string) {
	input, _ := json.Marshal(map[string]any{"call": ledger.Call{
		ID:          callID,
		TaskID:      taskID,
		AbilityName: abilityID,
		Parameters:  json.RawMessage(args),
		Status:      status,
		Details:     details,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}})
	if res := m.bus.Invoke(ctx, ledger.AbilityCallSave, uuid.NewString(), taskID, input); !res.OK() {
		m.logger.Warn("call persist failed", "taskId", taskID, "callId", callID, "error", res.ErrMsg)
	}
}

func (m *Manager) finish(ctx context.Context, ts *taskState) {
	if !ts.setStatus(ledger.StatusSuccess) {
		return
	}
	m.persistTask(ctx, ts)
	m.emitEvent(ctx, ts.id, protocol.EventEnd, protocol.EndPayload{TaskID: ts.id, Status: ledger.StatusSuccess})
	m.logger.Info("task completed", "taskId", ts.id)
}

// fail marks the task failed and tells the attached user, if any.
func (m *Manager) fail(ctx context.Context, ts *taskState, reason string) {
	status := "failed: " + reason
	if !ts.setStatus(status) {
		return
	}
	m.persistTask(ctx, ts)

	input, _ := json.Marshal(map[string]any{
		"content":   "Error: " + reason,
		"messageId": uuid.NewString(),
		"index":     protocol.TerminalIndex,
	})
	m.bus.Invoke(ctx, shellSend, uuid.NewString(), ts.id, input)
	m.emitEvent(ctx, ts.id, protocol.EventEnd, protocol.EndPayload{TaskID: ts.id, Status: status})
	m.logger.Error("task failed", "taskId", ts.id, "reason", reason)
}

// emitEvent pushes a non-content event through shell:event. A missing
// subscriber or unregistered transport is not an error.
func (m *Manager) emitEvent(ctx context.Context, taskID, eventType string, payload any) {
	if !m.bus.Has(shellEvent) {
		return
	}
	input, err := json.Marshal(map[string]any{"type": eventType, "payload": payload})
	if err != nil {
		return
	}
	m.bus.Invoke(ctx, shellEvent, uuid.NewString(), taskID, input)
}
