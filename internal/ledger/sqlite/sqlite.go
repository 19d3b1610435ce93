// Package sqlite implements ledger.Ledger on a local SQLite file using the
// pure-Go driver. Zero CGO required. Message order is preserved by
// (timestamp, rowid) and every write is committed before the call returns.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openagentos/agentos/internal/ledger"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Ledger is a SQLite-backed ledger.
type Ledger struct {
	db *sql.DB
}

var _ ledger.Ledger = (*Ledger)(nil)

// Open creates (or opens) the database at path and ensures the schema.
// All goroutines serialize through one connection so concurrent writers
// never hit SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("ledger.sqlite_opened", "path", path)
	return l, nil
}

func (l *Ledger) init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			parent_task_id TEXT,
			completion_status TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS calls (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			ability_name TEXT NOT NULL,
			parameters TEXT,
			status TEXT NOT NULL,
			details TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			start_message_id TEXT,
			end_message_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_task ON calls(task_id, created_at)`,
	}
	for _, ddl := range tables {
		if _, err := l.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (l *Ledger) SaveTask(ctx context.Context, t ledger.Task) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO tasks (id, parent_task_id, completion_status, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completion_status = excluded.completion_status,
			updated_at = excluded.updated_at`,
		t.ID, t.ParentTaskID, t.CompletionStatus, t.SystemPrompt,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (l *Ledger) GetTask(ctx context.Context, id string) (*ledger.Task, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, parent_task_id, completion_status, system_prompt, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (l *Ledger) QueryTasks(ctx context.Context, q ledger.TaskQuery) ([]ledger.Task, error) {
	query := `SELECT id, parent_task_id, completion_status, system_prompt, created_at, updated_at FROM tasks WHERE 1=1`
	var args []any
	if q.CompletionStatus != nil {
		query += ` AND completion_status = ?`
		args = append(args, *q.CompletionStatus)
	}
	if q.ParentTaskID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, q.ParentTaskID)
	}
	if !q.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, q.To.UnixNano())
	}
	query += ` ORDER BY created_at`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		// SQLite rejects OFFSET without LIMIT; -1 means unlimited.
		query += ` LIMIT -1`
	}
	if q.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, q.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []ledger.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (l *Ledger) SaveCall(ctx context.Context, c ledger.Call) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO calls (id, task_id, ability_name, parameters, status, details,
			created_at, updated_at, start_message_id, end_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			details = excluded.details,
			updated_at = excluded.updated_at,
			end_message_id = excluded.end_message_id`,
		c.ID, c.TaskID, c.AbilityName, string(c.Parameters), c.Status, c.Details,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), c.StartMessageID, c.EndMessageID)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (l *Ledger) ListCalls(ctx context.Context, taskID string) ([]ledger.Call, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, task_id, ability_name, parameters, status, details,
			created_at, updated_at, start_message_id, end_message_id
		FROM calls WHERE task_id = ? ORDER BY created_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var calls []ledger.Call
	for rows.Next() {
		var c ledger.Call
		var params sql.NullString
		var created, updated int64
		var startMsg, endMsg sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &c.AbilityName, &params, &c.Status,
			&c.Details, &created, &updated, &startMsg, &endMsg); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		if params.Valid {
			c.Parameters = []byte(params.String)
		}
		c.CreatedAt = time.Unix(0, created).UTC()
		c.UpdatedAt = time.Unix(0, updated).UTC()
		c.StartMessageID = startMsg.String
		c.EndMessageID = endMsg.String
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (l *Ledger) SaveMessage(ctx context.Context, m ledger.Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (id, task_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.TaskID, m.Role, m.Content, m.Timestamp.UnixNano())
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	return m.ID, nil
}

func (l *Ledger) ListMessages(ctx context.Context, taskID string, limit, offset int) ([]ledger.Message, error) {
	query := `SELECT id, task_id, role, content, timestamp
		FROM messages WHERE task_id = ? ORDER BY timestamp, rowid`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else if offset > 0 {
		query += ` LIMIT -1`
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []ledger.Message
	for rows.Next() {
		var m ledger.Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (l *Ledger) Close() error { return l.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (ledger.Task, error) {
	var t ledger.Task
	var parent sql.NullString
	var created, updated int64
	if err := s.Scan(&t.ID, &parent, &t.CompletionStatus, &t.SystemPrompt, &created, &updated); err != nil {
		return t, err
	}
	t.ParentTaskID = parent.String
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return t, nil
}
