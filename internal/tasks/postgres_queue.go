package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rectangular-labs/workspacesync/internal/postgres"
)

const (
	postgresQueueTableName    = "workspacesync_task_queue"
	postgresQueueKey          = "default"
	postgresQueuePollInterval = 25 * time.Millisecond
)

// PostgresQueue stores tasks as JSON rows. Dequeue claims the oldest row
// with FOR UPDATE SKIP LOCKED, so several servers can share one queue.
type PostgresQueue struct {
	db           *postgres.Lazy
	table        string
	queueKey     string
	capacity     int
	pollInterval time.Duration
}

func NewPostgresQueue(dsn string, capacity int) (*PostgresQueue, error) {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	table := postgres.QuoteIdentifier(postgresQueueTableName)
	lazy, err := postgres.NewLazy(dsn,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				task_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgres.QuoteIdentifier(postgresQueueTableName+"_queue_key_id_idx"), table),
	)
	if err != nil {
		return nil, err
	}
	return &PostgresQueue{
		db:           lazy,
		table:        table,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
	}, nil
}

func (q *PostgresQueue) TryEnqueue(task Task) bool {
	if q == nil || strings.TrimSpace(task.ID) == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	db, err := q.db.DB()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgres.OperationTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgres.LockKey(postgresQueueTableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", q.table)
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, task_id, payload, created_at) VALUES ($1, $2, $3, NOW())", q.table)
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, task.ID, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresQueue) Enqueue(ctx context.Context, task Task) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (Task, bool) {
	for {
		payload, ok := q.tryDequeue(ctx)
		if ok {
			var task Task
			if err := json.Unmarshal([]byte(payload), &task); err == nil && task.ID != "" {
				return task, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) tryDequeue(ctx context.Context) (string, bool) {
	db, err := q.db.DB()
	if err != nil {
		return "", false
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, q.table)
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if err != nil {
		return "", false
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", q.table), id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *PostgresQueue) Depth() int {
	db, err := q.db.DB()
	if err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgres.OperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", q.table)
	if err := db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) SnapshotTasks() []Task {
	db, err := q.db.DB()
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgres.OperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY id ASC", q.table)
	rows, err := db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var payload string
		if rows.Scan(&payload) != nil {
			continue
		}
		var task Task
		if json.Unmarshal([]byte(payload), &task) == nil && task.ID != "" {
			out = append(out, task)
		}
	}
	return out
}

func (q *PostgresQueue) Close() error {
	return q.db.Close()
}
