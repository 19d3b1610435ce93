package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Stub accepts every write and returns nothing on reads. It is the default
// ledger: the core gives no persistence guarantees.
type Stub struct{}

var _ Ledger = Stub{}

func NewStub() Stub { return Stub{} }

func (Stub) SaveTask(ctx context.Context, t Task) error            { return nil }
func (Stub) GetTask(ctx context.Context, id string) (*Task, error) { return nil, nil }
func (Stub) QueryTasks(ctx context.Context, q TaskQuery) ([]Task, error) {
	return nil, nil
}

func (Stub) SaveCall(ctx context.Context, c Call) error { return nil }
func (Stub) ListCalls(ctx context.Context, taskID string) ([]Call, error) {
	return nil, nil
}

func (Stub) SaveMessage(ctx context.Context, m Message) (string, error) {
	if m.ID == "" {
		return uuid.NewString(), nil
	}
	return m.ID, nil
}

func (Stub) ListMessages(ctx context.Context, taskID string, limit, offset int) ([]Message, error) {
	return nil, nil
}

func (Stub) Close() error { return nil }
