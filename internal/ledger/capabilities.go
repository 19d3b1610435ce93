package ledger

import (
	"context"
	"time"

	"github.com/openagentos/agentos/internal/bus"
)

// Ability ids exposed on the bus under the ldg module.
const (
	AbilityTaskSave  = "ldg:task:save"
	AbilityTaskGet   = "ldg:task:get"
	AbilityTaskQuery = "ldg:task:query"
	AbilityCallSave  = "ldg:call:save"
	AbilityCallList  = "ldg:call:list"
	AbilityMsgSave   = "ldg:msg:save"
	AbilityMsgList   = "ldg:msg:list"
)

// Register exposes the ledger on the bus. All runtime components reach the
// ledger through these abilities, never through a direct reference.
func Register(b *bus.Bus, l Ledger) error {
	regs := []struct {
		desc    bus.Descriptor
		handler bus.Handler
	}{
		{
			bus.Descriptor{
				ID:          AbilityTaskSave,
				Description: "Persist a task record",
				Input: bus.ObjectSchema(map[string]any{
					"task": map[string]any{"type": "object"},
				}, "task"),
				Output: bus.EmptyObjectSchema(),
			},
			func(ctx context.Context, inv bus.Invocation) (any, error) {
				var in struct {
					Task Task `json:"task"`
				}
				if err := inv.Bind(&in); err != nil {
					return nil, err
				}
				if err := l.SaveTask(ctx, in.Task); err != nil {
					return nil, bus.Errorf("save task: %v", err)
				}
				return map[string]any{}, nil
			},
		},
		{
			bus.Descriptor{
				ID:          AbilityTaskGet,
				Description: "Fetch one task record by id",
				Input: bus.ObjectSchema(map[string]any{
					"taskId": map[string]any{"type": "string"},
				}, "taskId"),
				Output: bus.ObjectSchema(map[string]any{
					"task": map[string]any{},
				}),
			},
			func(ctx context.Context, inv bus.Invocation) (any, error) {
				var in struct {
					TaskID string `json:"taskId"`
				}
				if err := inv.Bind(&in); err != nil {
					return nil, err
				}
				t, err := l.GetTask(ctx, in.TaskID)
				if err != nil {
					return nil, bus.Errorf("get task: %v", err)
				}
				return map[string]any{"task": t}, nil
			},
		},
		{
			bus.Descriptor{
				ID:          AbilityTaskQuery,
				Description: "Query task records by status, parent and time range",
				Input: bus.ObjectSchema(map[string]any{
					"completionStatus": map[string]any{"type": "string"},
					"parentTaskId":     map[string]any{"type": "string"},
					"from":             map[string]any{"type": "string", "format": "date-time"},
					"to":               map[string]any{"type": "string", "format": "date-time"},
					"limit":            map[string]any{"type": "integer"},
					"offset":           map[string]any{"type": "integer"},
				}),
				Output: bus.ObjectSchema(map[string]any{
					"tasks": map[string]any{"type": "array"},
				}, "tasks"),
			},
			func(ctx context.Context, inv bus.Invocation) (any, error) {
				var in struct {
					CompletionStatus *string   `json:"completionStatus"`
					ParentTaskID     string    `json:"parentTaskId"`
					From             time.Time `json:"from"`
					To               time.Time `json:"to"`
					Limit            int       `json:"limit"`
					Offset           int       `json:"offset"`
				}
				if err := inv.Bind(&in); err != nil {
					return nil, err
				}
				tasks, err := l.QueryTasks(ctx, TaskQuery{
					CompletionStatus: in.CompletionStatus,
					ParentTaskID:     in.ParentTaskID,
					From:             in.From,
					To:               in.To,
					Limit:            in.Limit,
					Offset:           in.Offset,
				})
				if err != nil {
					return nil, bus.Errorf("query tasks: %v", err)
				}
				if tasks == nil {
					tasks = []Task{}
				}
				return map[string]any{"tasks": tasks}, nil
			},
		},
		{
			bus.Descriptor{
				ID:          AbilityCallSave,
				Description: "Persist a tool-invocation record",
				Input: bus.ObjectSchema(map[string]any{
					"call": map[string]any{"type": "object"},
				}, "call"),
				Output: bus.EmptyObjectSchema(),
			},
			func(ctx context.Context, inv bus.Invocation) (any, error) {
				var in struct {
					Call Call `json:"call"`
				}
				if err := inv.Bind(&in); err != nil {
					return nil, err
				}
				if err := l.SaveCall(ctx, in.Call); err != nil {
					return nil, bus.Errorf("save call: %v", err)
				}
				return map[string]any{}, nil
			},
		},
		{
			bus.Descriptor{
				ID:          AbilityCallList,
				Description: "List tool-invocation records for one task",
				Input: bus.ObjectSchema(map[string]any{
					"taskId": map[string]any{"type": "string"},
				}, "taskId"),
				Output: bus.ObjectSchema(map[string]any{
					"calls": map[string]any{"type": "array"},
				}, "calls"),
			},
			func(ctx context.Context, inv bus.Invocation) (any, error) {
				var in struct {
					TaskID string `json:"taskId"`
				}
				if err := inv.Bind(&in); err != nil {
					return nil, err
				}
				calls, err := l.ListCalls(ctx, in.TaskID)
				if err != nil {
					return nil, bus.Errorf("list calls: %v", err)
				}
				if calls == nil {
					calls = []Call{}
				}
				return map[string]any{"calls": calls}, nil
			},
		},
		{
			bus.Descriptor{
				ID:          AbilityMsgSave,
				Description: "Append one message to a task's message log",
				Input: bus.ObjectSchema(map[string]any{
					"message": map[string]any{"type": "object"},
				}, "message"),
				Output: bus.ObjectSchema(map[string]any{
					"messageId": map[string]any{"type": "string"},
				}, "messageId"),
			},
			func(ctx context.Context, inv bus.Invocation) (any, error) {
				var in struct {
					Message Message `json:"message"`
				}
				if err := inv.Bind(&in); err != nil {
					return nil, err
				}
				id, err := l.SaveMessage(ctx, in.Message)
				if err != nil {
					return nil, bus.Errorf("save message: %v", err)
				}
				return map[string]string{"messageId": id}, nil
			},
		},
		{
			bus.Descriptor{
				ID:          AbilityMsgList,
				Description: "List a task's messages in log order",
				Input: bus.ObjectSchema(map[string]any{
					"taskId": map[string]any{"type": "string"},
					"limit":  map[string]any{"type": "integer"},
					"offset": map[string]any{"type": "integer"},
				}, "taskId"),
				Output: bus.ObjectSchema(map[string]any{
					"messages": map[string]any{"type": "array"},
				}, "messages"),
			},
			func(ctx context.Context, inv bus.Invocation) (any, error) {
				var in struct {
					TaskID string `json:"taskId"`
					Limit  int    `json:"limit"`
					Offset int    `json:"offset"`
				}
				if err := inv.Bind(&in); err != nil {
					return nil, err
				}
				msgs, err := l.ListMessages(ctx, in.TaskID, in.Limit, in.Offset)
				if err != nil {
					return nil, bus.Errorf("list messages: %v", err)
				}
				if msgs == nil {
					msgs = []Message{}
				}
				return map[string]any{"messages": msgs}, nil
			},
		},
	}

	for _, r := range regs {
		if err := b.Register(r.desc, r.handler); err != nil {
			return err
		}
	}
	return nil
}
