// Package task owns task lifecycle and the think/act run-loop. All of
// its collaborators (ledger, model layer, transport) are reached through
// the bus, never by direct reference.
package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openagentos/agentos/internal/bus"
	"github.com/openagentos/agentos/internal/config"
	"github.com/openagentos/agentos/internal/ledger"
	"github.com/openagentos/agentos/internal/providers"
	"github.com/openagentos/agentos/pkg/protocol"
)

// Ability ids exposed on the bus under the task module.
const (
	AbilitySpawn  = "task:spawn"
	AbilitySend   = "task:send"
	AbilityCancel = "task:cancel"
	AbilityActive = "task:active"
)

const defaultActiveLimit = 100

const defaultSystemPrompt = "You are a capable autonomous agent. Use the available tools " +
	"to accomplish the user's goal, then answer with a final summary."

// taskState is the in-memory record of one task. All mutations go
// through its mutex; the lock is never held across a bus invocation.
type taskState struct {
	mu sync.Mutex

	id           string
	parentID     string
	goal         string
	systemPrompt string
	createdAt    time.Time
	lastActivity time.Time

	completionStatus string
	messages         []providers.Message
	isRunning        bool
}

// snapshot returns the message sequence and status without holding the
// lock afterward.
func (ts *taskState) snapshot() (string, []providers.Message) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	msgs := make([]providers.Message, len(ts.messages))
	copy(msgs, ts.messages)
	return ts.completionStatus, msgs
}

func (ts *taskState) append(role, content string) {
	ts.mu.Lock()
	ts.messages = append(ts.messages, providers.Message{Role: role, Content: content})
	ts.lastActivity = time.Now().UTC()
	ts.mu.Unlock()
}

// setStatus transitions an unset status to a terminal one. Cancelling an
// already-cancelled task reports success so task:cancel stays idempotent.
func (ts *taskState) setStatus(status string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.completionStatus != "" {
		return status == ledger.StatusCancelled && ts.completionStatus == ledger.StatusCancelled
	}
	ts.completionStatus = status
	ts.lastActivity = time.Now().UTC()
	return true
}

// Manager tracks live tasks and schedules their run-loops.
type Manager struct {
	bus    *bus.Bus
	cfg    config.AgentConfig
	logger *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*taskState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(b *bus.Bus, cfg config.AgentConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		tasks:   make(map[string]*taskState),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Shutdown stops scheduling and waits for in-flight run-loops to reach
// their next suspension point.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) get(id string) *taskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id]
}

// SpawnInput is the task:spawn request.
type SpawnInput struct {
	Goal         string `json:"goal"`
	ParentTaskID string `json:"parentTaskId,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// ActiveTask is one row of the task:active listing.
type ActiveTask struct {
	TaskID           string    `json:"taskId"`
	Goal             string    `json:"goal"`
	ParentTaskID     string    `json:"parentTaskId,omitempty"`
	MessageCount     int       `json:"messageCount"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityTime time.Time `json:"lastActivityTime"`
}

// Register exposes the task capabilities on the bus.
func (m *Manager) Register() error {
	regs := []struct {
		desc    bus.Descriptor
		handler bus.Handler
	}{
		{
			bus.Descriptor{
				ID:          AbilitySpawn,
				Description: "Spawn a new autonomous task pursuing a goal",
				Input: bus.ObjectSchema(map[string]any{
					"goal":         map[string]any{"type": "string", "minLength": 1},
					"parentTaskId": map[string]any{"type": "string"},
					"systemPrompt": map[string]any{"type": "string"},
				}, "goal"),
				Output: bus.ObjectSchema(map[string]any{
					"taskId": map[string]any{"type": "string"},
				}, "taskId"),
			},
			m.spawn,
		},
		{
			bus.Descriptor{
				ID:          AbilitySend,
				Description: "Deliver a user message to a running task",
				Input: bus.ObjectSchema(map[string]any{
					"receiverId": map[string]any{"type": "string"},
					"message":    map[string]any{"type": "string", "minLength": 1},
				}, "receiverId", "message"),
				Output: bus.EmptyObjectSchema(),
			},
			m.send,
		},
		{
			bus.Descriptor{
				ID:          AbilityCancel,
				Description: "Cancel a task at its next suspension point",
				Input: bus.ObjectSchema(map[string]any{
					"taskId": map[string]any{"type": "string"},
					"reason": map[string]any{"type": "string"},
				}, "taskId"),
				Output: bus.EmptyObjectSchema(),
			},
			m.cancelTask,
		},
		{
			bus.Descriptor{
				ID:          AbilityActive,
				Description: "List tasks that have not reached a terminal status",
				Input: bus.ObjectSchema(map[string]any{
					"limit": map[string]any{"type": "integer"},
				}),
				Output: bus.ObjectSchema(map[string]any{
					"tasks": map[string]any{"type": "array"},
				}, "tasks"),
			},
			m.active,
		},
	}
	for _, r := range regs {
		if err := m.bus.Register(r.desc, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) spawn(ctx context.Context, inv bus.Invocation) (any, error) {
	var in SpawnInput
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}

	sysPrompt := in.SystemPrompt
	if sysPrompt == "" {
		sysPrompt = m.cfg.SystemPrompt
	}
	if sysPrompt == "" {
		sysPrompt = defaultSystemPrompt
	}

	now := time.Now().UTC()
	ts := &taskState{
		id:           uuid.NewString(),
		parentID:     in.ParentTaskID,
		goal:         in.Goal,
		systemPrompt: sysPrompt,
		createdAt:    now,
		lastActivity: now,
		messages: []providers.Message{
			{Role: ledger.RoleSystem, Content: sysPrompt},
			{Role: ledger.RoleUser, Content: in.Goal},
		},
	}

	m.persistTask(ctx, ts)
	m.persistMessage(ctx, ts.id, ledger.RoleSystem, sysPrompt)
	m.persistMessage(ctx, ts.id, ledger.RoleUser, in.Goal)

	m.mu.Lock()
	m.tasks[ts.id] = ts
	m.mu.Unlock()

	m.logger.Info("task spawned", "taskId", ts.id, "parentTaskId", in.ParentTaskID)
	m.schedule(ts)
	return map[string]string{"taskId": ts.id}, nil
}

func (m *Manager) send(ctx context.Context, inv bus.Invocation) (any, error) {
	var in struct {
		ReceiverID string `json:"receiverId"`
		Message    string `json:"message"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}

	ts := m.get(in.ReceiverID)
	if ts == nil {
		return nil, bus.Errorf("unknown task %s", in.ReceiverID)
	}
	ts.mu.Lock()
	if ts.completionStatus != "" {
		status := ts.completionStatus
		ts.mu.Unlock()
		return nil, bus.Errorf("task %s already completed (%s)", in.ReceiverID, status)
	}
	ts.messages = append(ts.messages, providers.Message{Role: ledger.RoleUser, Content: in.Message})
	ts.lastActivity = time.Now().UTC()
	ts.mu.Unlock()

	m.persistMessage(ctx, ts.id, ledger.RoleUser, in.Message)
	m.schedule(ts)
	return map[string]any{}, nil
}

func (m *Manager) cancelTask(ctx context.Context, inv bus.Invocation) (any, error) {
	var in struct {
		TaskID string `json:"taskId"`
		Reason string `json:"reason"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}

	ts := m.get(in.TaskID)
	if ts == nil {
		return nil, bus.Errorf("unknown task %s", in.TaskID)
	}
	if !ts.setStatus(ledger.StatusCancelled) {
		ts.mu.Lock()
		status := ts.completionStatus
		ts.mu.Unlock()
		return nil, bus.Errorf("task %s already completed (%s)", in.TaskID, status)
	}
	m.persistTask(ctx, ts)
	m.emitEvent(ctx, ts.id, protocol.EventEnd, protocol.EndPayload{
		TaskID: ts.id, Status: ledger.StatusCancelled,
	})
	m.logger.Info("task cancelled", "taskId", in.TaskID, "reason", in.Reason)
	return map[string]any{}, nil
}

func (m *Manager) active(ctx context.Context, inv bus.Invocation) (any, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := inv.Bind(&in); err != nil {
		return nil, err
	}
	if in.Limit <= 0 {
		in.Limit = defaultActiveLimit
	}

	m.mu.RLock()
	states := make([]*taskState, 0, len(m.tasks))
	for _, ts := range m.tasks {
		states = append(states, ts)
	}
	m.mu.RUnlock()

	out := []ActiveTask{}
	for _, ts := range states {
		ts.mu.Lock()
		if ts.completionStatus == "" {
			out = append(out, ActiveTask{
				TaskID:           ts.id,
				Goal:             ts.goal,
				ParentTaskID:     ts.parentID,
				MessageCount:     len(ts.messages),
				CreatedAt:        ts.createdAt,
				LastActivityTime: ts.lastActivity,
			})
		}
		ts.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	if len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return map[string]any{"tasks": out}, nil
}

// persistTask writes the current task record through the ledger ability.
// Persistence failures are logged, never fatal to the loop.
func (m *Manager) persistTask(ctx context.Context, ts *taskState) {
	ts.mu.Lock()
	record := ledger.Task{
		ID:               ts.id,
		ParentTaskID:     ts.parentID,
		CompletionStatus: ts.completionStatus,
		SystemPrompt:     ts.systemPrompt,
		CreatedAt:        ts.createdAt,
		UpdatedAt:        time.Now().UTC(),
	}
	ts.mu.Unlock()

	input, _ := json.Marshal(map[string]any{"task": record})
	if res := m.bus.Invoke(ctx, ledger.AbilityTaskSave, uuid.NewString(), ts.id, input); !res.OK() {
		m.logger.Warn("task persist failed", "taskId", ts.id, "error", res.ErrMsg)
	}
}

func (m *Manager) persistMessage(ctx context.Context, taskID, role, content string) {
	input, _ := json.Marshal(map[string]any{"message": ledger.Message{
		TaskID:    taskID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}})
	if res := m.bus.Invoke(ctx, ledger.AbilityMsgSave, uuid.NewString(), taskID, input); !res.OK() {
		m.logger.Warn("message persist failed", "taskId", taskID, "error", res.ErrMsg)
	}
}

// schedule starts a run-loop for ts unless one is already running.
func (m *Manager) schedule(ts *taskState) {
	ts.mu.Lock()
	if ts.isRunning || ts.completionStatus != "" {
		ts.mu.Unlock()
		return
	}
	ts.isRunning = true
	ts.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			ts.mu.Lock()
			ts.isRunning = false
			ts.mu.Unlock()
		}()
		m.runLoop(m.baseCtx, ts)
	}()
}
