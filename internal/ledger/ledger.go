// Package ledger defines the persistence contract for tasks, messages and
// tool-invocation records. The runtime only depends on the Ledger
// interface; the default implementation is the no-op Stub and a
// SQLite-backed implementation can be selected via config.
package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Completion statuses written by the task manager. A failed task carries
// "failed: <reason>".
const (
	StatusSuccess   = "success"
	StatusCancelled = "cancelled"
)

// Task is the persisted task record. An empty CompletionStatus means the
// task is in progress; once set it is never unset.
type Task struct {
	ID               string    `json:"id"`
	ParentTaskID     string    `json:"parentTaskId,omitempty"`
	CompletionStatus string    `json:"completionStatus,omitempty"`
	SystemPrompt     string    `json:"systemPrompt"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Done reports whether the task has reached a terminal status.
func (t Task) Done() bool { return t.CompletionStatus != "" }

// Message is one immutable entry of a task's ordered message log.
type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Tool-invocation record statuses.
const (
	CallPending    = "pending"
	CallInProgress = "in_progress"
	CallCompleted  = "completed"
	CallFailed     = "failed"
)

// Call is the persisted tool-invocation record.
type Call struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"taskId"`
	AbilityName    string          `json:"abilityName"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Status         string          `json:"status"`
	Details        string          `json:"details,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	StartMessageID string          `json:"startMessageId,omitempty"`
	EndMessageID   string          `json:"endMessageId,omitempty"`
}

// TaskQuery filters queryTasks. A nil CompletionStatus matches any status;
// a pointer to "" matches only in-progress tasks.
type TaskQuery struct {
	CompletionStatus *string
	ParentTaskID     string
	From             time.Time
	To               time.Time
	Limit            int
	Offset           int
}

// Ledger is the persistence boundary. Writes succeed; reads return what
// was previously written, or nothing. Implementations with real
// persistence must preserve per-task message ordering and be durable
// across the SaveMessage return.
type Ledger interface {
	SaveTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	QueryTasks(ctx context.Context, q TaskQuery) ([]Task, error)

	SaveCall(ctx context.Context, c Call) error
	ListCalls(ctx context.Context, taskID string) ([]Call, error)

	// SaveMessage appends to the task's message log and returns the
	// assigned message id.
	SaveMessage(ctx context.Context, m Message) (string, error)
	ListMessages(ctx context.Context, taskID string, limit, offset int) ([]Message, error)

	Close() error
}
