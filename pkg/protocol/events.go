// Package protocol defines the wire protocol between the agentos runtime
// and stream subscribers (SSE and WebSocket clients).
package protocol

// ProtocolVersion is bumped on breaking changes to event payloads.
const ProtocolVersion = 1

// Event names pushed from server to a task's subscriber.
const (
	EventStart           = "start"
	EventContent         = "content"
	EventMessageComplete = "message_complete"
	EventToolCall        = "tool_call"
	EventToolResult      = "tool_result"
	EventEnd             = "end"
)

// TerminalIndex marks the final chunk of a message. Chunks of one message
// carry index 0,1,2,… and exactly one terminal chunk with index -1.
// Consumers concatenate all chunks up to and including the terminal one.
const TerminalIndex = -1

// Event is a single record on the subscriber stream.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StartPayload is sent once when a subscriber attaches.
type StartPayload struct {
	TaskID string `json:"taskId"`
}

// ContentPayload carries one chunk of an assistant message.
type ContentPayload struct {
	TaskID    string `json:"taskId"`
	MessageID string `json:"messageId"`
	Index     int    `json:"index"`
	Content   string `json:"content"`
}

// MessageCompletePayload follows the terminal chunk of a message.
type MessageCompletePayload struct {
	TaskID    string `json:"taskId"`
	MessageID string `json:"messageId"`
}

// ToolCallPayload announces a tool invocation made by the run-loop.
type ToolCallPayload struct {
	TaskID    string `json:"taskId"`
	AbilityID string `json:"abilityId"`
	CallID    string `json:"callId"`
}

// ToolResultPayload reports the outcome of a tool invocation.
type ToolResultPayload struct {
	TaskID    string `json:"taskId"`
	AbilityID string `json:"abilityId"`
	CallID    string `json:"callId"`
	IsError   bool   `json:"isError"`
}

// EndPayload is emitted when the task reaches a terminal status.
type EndPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}
