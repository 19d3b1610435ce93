package transport

import (
	"context"

	"github.com/openagentos/agentos/internal/bus"
	"github.com/openagentos/agentos/pkg/protocol"
)

// Ability ids exposed on the bus under the shell module.
const (
	AbilityShellSend  = "shell:send"
	AbilityShellEvent = "shell:event"
)

// RegisterCapabilities exposes the transport on the bus. The callerId of
// each invocation names the target task; no handler accepts a taskId.
func RegisterCapabilities(b *bus.Bus, table *Table) error {
	if err := b.Register(bus.Descriptor{
		ID:          AbilityShellSend,
		Description: "Send one content chunk to the calling task's subscriber",
		Input: bus.ObjectSchema(map[string]any{
			"content":   map[string]any{"type": "string"},
			"messageId": map[string]any{"type": "string"},
			"index":     map[string]any{"type": "integer"},
		}, "content", "messageId", "index"),
		Output: bus.ObjectSchema(map[string]any{
			"success": map[string]any{"type": "boolean"},
			"error":   map[string]any{"type": "string"},
		}, "success"),
	}, func(ctx context.Context, inv bus.Invocation) (any, error) {
		var in struct {
			Content   string `json:"content"`
			MessageID string `json:"messageId"`
			Index     int    `json:"index"`
		}
		if err := inv.Bind(&in); err != nil {
			return nil, err
		}

		taskID := inv.CallerID
		ok := table.Dispatch(taskID, protocol.Event{
			Type: protocol.EventContent,
			Payload: protocol.ContentPayload{
				TaskID:    taskID,
				MessageID: in.MessageID,
				Index:     in.Index,
				Content:   in.Content,
			},
		})
		if !ok {
			return map[string]any{
				"success": false,
				"error":   "no active subscriber for task " + taskID,
			}, nil
		}
		if in.Index < 0 {
			table.Dispatch(taskID, protocol.Event{
				Type:    protocol.EventMessageComplete,
				Payload: protocol.MessageCompletePayload{TaskID: taskID, MessageID: in.MessageID},
			})
		}
		return map[string]any{"success": true}, nil
	}); err != nil {
		return err
	}

	return b.Register(bus.Descriptor{
		ID:          AbilityShellEvent,
		Description: "Push a non-content event to the calling task's subscriber",
		Input: bus.ObjectSchema(map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []any{protocol.EventToolCall, protocol.EventToolResult, protocol.EventEnd},
			},
			"payload": map[string]any{"type": "object"},
		}, "type"),
		Output: bus.ObjectSchema(map[string]any{
			"success": map[string]any{"type": "boolean"},
			"error":   map[string]any{"type": "string"},
		}, "success"),
	}, func(ctx context.Context, inv bus.Invocation) (any, error) {
		var in struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := inv.Bind(&in); err != nil {
			return nil, err
		}

		taskID := inv.CallerID
		if !table.Dispatch(taskID, protocol.Event{Type: in.Type, Payload: in.Payload}) {
			return map[string]any{
				"success": false,
				"error":   "no active subscriber for task " + taskID,
			}, nil
		}
		return map[string]any{"success": true}, nil
	})
}
