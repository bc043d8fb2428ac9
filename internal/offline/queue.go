package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"devscreen/internal/metrics"
	"devscreen/internal/models"
)

// Sender delivers one queued submission. A nil error confirms remote acceptance.
type Sender func(ctx context.Context, sub models.Submission) error

// PendingItem is a queued submission plus its replay bookkeeping
type PendingItem struct {
	Seq        int64             `json:"seq"`
	Submission models.Submission `json:"submission"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
}

// Queue is a durable FIFO of submissions that have not been confirmed by the
// backend. Items leave the queue only after the sender accepts them.
type Queue struct {
	store   *Store
	drainMu sync.Mutex
	metrics *metrics.Metrics
}

// NewQueue creates a queue on store
func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

// SetMetrics attaches Prometheus metrics
func (q *Queue) SetMetrics(m *metrics.Metrics) {
	q.metrics = m
}

// Enqueue appends a submission. Re-enqueueing an ID that is already pending is a no-op.
func (q *Queue) Enqueue(sub models.Submission) error {
	if sub.ID == "" {
		return fmt.Errorf("submission has no id")
	}
	if sub.EnqueuedAt.IsZero() {
		sub.EnqueuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}

	res, err := q.store.db.Exec(
		`INSERT OR IGNORE INTO pending_submissions (id, payload, enqueued_at) VALUES (?, ?, ?)`,
		sub.ID, string(payload), sub.EnqueuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to enqueue submission: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 && q.metrics != nil {
		q.metrics.SubmissionsQueued.Inc()
	}
	return nil
}

// Peek returns the oldest pending item
func (q *Queue) Peek() (*PendingItem, error) {
	row := q.store.db.QueryRow(
		`SELECT seq, payload, attempts, COALESCE(last_error, '') FROM pending_submissions ORDER BY seq ASC LIMIT 1`)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// List returns all pending items in FIFO order
func (q *Queue) List() ([]PendingItem, error) {
	rows, err := q.store.db.Query(
		`SELECT seq, payload, attempts, COALESCE(last_error, '') FROM pending_submissions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var items []PendingItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Remove deletes a submission by ID
func (q *Queue) Remove(id string) error {
	res, err := q.store.db.Exec(`DELETE FROM pending_submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Len returns the number of pending submissions
func (q *Queue) Len() (int, error) {
	var n int
	if err := q.store.db.QueryRow(`SELECT COUNT(*) FROM pending_submissions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Drain sends pending submissions oldest first. It stops at the first failure
// so a later item is never sent before an earlier one succeeds. It returns how
// many items were confirmed and removed.
func (q *Queue) Drain(ctx context.Context, send Sender) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		item, err := q.Peek()
		if errors.Is(err, ErrNotFound) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		if err := send(ctx, item.Submission); err != nil {
			q.recordAttempt(item.Seq, err)
			return sent, fmt.Errorf("replay of %s failed: %w", item.Submission.ID, err)
		}

		if _, err := q.store.db.Exec(`DELETE FROM pending_submissions WHERE seq = ?`, item.Seq); err != nil {
			// the item stays at the head and will be re-sent; the backend must accept duplicates
			return sent, fmt.Errorf("failed to remove replayed submission: %w", err)
		}

		sent++
		if q.metrics != nil {
			q.metrics.SubmissionsReplayed.Inc()
		}
	}
}

func (q *Queue) recordAttempt(seq int64, cause error) {
	_, err := q.store.db.Exec(
		`UPDATE pending_submissions SET attempts = attempts + 1, last_error = ? WHERE seq = ?`,
		truncate(cause.Error(), 500), seq)
	if err != nil {
		log.Printf("⚠️  [QUEUE] Failed to record replay attempt: %v", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*PendingItem, error) {
	var (
		item    PendingItem
		payload string
	)
	if err := row.Scan(&item.Seq, &payload, &item.Attempts, &item.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &item.Submission); err != nil {
		return nil, fmt.Errorf("failed to decode queued submission %d: %w", item.Seq, err)
	}
	return &item, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
