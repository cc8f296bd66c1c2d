package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	downlink "parkgrid-cloud/internal/downlink/domain"
	"parkgrid-cloud/internal/tenancy"
)

const defaultQueueTable = "downlink_queue"

const commandColumns = `id, tenant_id, device_id, dev_eui, command_type, payload, priority,
status, attempts, COALESCE(last_error, ''), next_attempt_at, sent_at, delivered_at, created_at, updated_at`

// QueueRepository is the Postgres command queue. Claiming uses row locks
// with SKIP LOCKED so multiple dispatchers never grab the same command.
type QueueRepository struct {
	db    *sql.DB
	table string
}

// NewQueueRepository constructs a repository.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db, table: defaultQueueTable}
}

// Enqueue inserts a queued command.
func (r *QueueRepository) Enqueue(ctx context.Context, cmd *downlink.Command) error {
	if r == nil || r.db == nil {
		return errors.New("downlink repo: nil db")
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, tenant_id, device_id, dev_eui, command_type, payload, priority, status)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
RETURNING id, next_attempt_at, created_at, updated_at`, r.table)

	payload := cmd.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := r.db.QueryRowContext(
		ctx,
		query,
		cmd.TenantID,
		cmd.DeviceID,
		cmd.DevEUI,
		cmd.CommandType,
		[]byte(payload),
		cmd.Priority,
		downlink.StatusQueued,
	).Scan(&cmd.ID, &cmd.NextAttemptAt, &cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return err
	}
	cmd.Status = downlink.StatusQueued
	cmd.NextAttemptAt = cmd.NextAttemptAt.UTC()
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.UpdatedAt = cmd.UpdatedAt.UTC()
	return nil
}

// ClaimNext locks and claims the next due command: priority first, then
// insertion order. Returns nil when the queue is drained.
func (r *QueueRepository) ClaimNext(ctx context.Context, now time.Time) (*downlink.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("downlink repo: nil db")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE status = $1 AND next_attempt_at <= $2
ORDER BY priority ASC, created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, commandColumns, r.table)

	cmd, err := scanCommand(tx.QueryRowContext(ctx, selectQuery, downlink.StatusQueued, now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	claimQuery := fmt.Sprintf(`
UPDATE %s
SET status = $2, attempts = attempts + 1, updated_at = NOW()
WHERE id = $1`, r.table)
	if _, err := tx.ExecContext(ctx, claimQuery, cmd.ID, downlink.StatusSending); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	cmd.Status = downlink.StatusSending
	cmd.Attempts++
	return cmd, nil
}

// MarkSent records a successful handoff to the network server.
func (r *QueueRepository) MarkSent(ctx context.Context, commandID string) error {
	if r == nil || r.db == nil {
		return errors.New("downlink repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, sent_at = NOW(), last_error = NULL, updated_at = NOW()
WHERE id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, commandID, downlink.StatusSent)
	return err
}

// MarkFailed requeues a failed attempt with backoff, or abandons the command
// once MaxAttempts is reached.
func (r *QueueRepository) MarkFailed(ctx context.Context, commandID string, attempts int, sendErr error, now time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("downlink repo: nil db")
	}
	message := ""
	if sendErr != nil {
		message = sendErr.Error()
	}

	if attempts >= downlink.MaxAttempts {
		query := fmt.Sprintf(`
UPDATE %s
SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
WHERE id = $1`, r.table)
		_, err := r.db.ExecContext(ctx, query, commandID, downlink.StatusAbandoned, message)
		return err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, last_error = NULLIF($3, ''), next_attempt_at = $4, updated_at = NOW()
WHERE id = $1`, r.table)
	next := now.UTC().Add(downlink.Backoff(attempts))
	_, err := r.db.ExecContext(ctx, query, commandID, downlink.StatusQueued, message, next)
	return err
}

// MarkDelivered records a device confirmation. Only sent commands, and the
// transient sending state, can confirm.
func (r *QueueRepository) MarkDelivered(ctx context.Context, scope tenancy.Scope, commandID string) (*downlink.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("downlink repo: nil db")
	}
	if commandID == "" {
		return nil, errors.New("downlink repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, scopeArgs := scope.Predicate("tenant_id", 5)
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, delivered_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status IN ($3, $4) AND %s
RETURNING %s`, r.table, predicate, commandColumns)

	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query,
		append([]any{commandID, downlink.StatusDelivered, downlink.StatusSent, downlink.StatusSending}, scopeArgs...)...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, downlink.ErrNotFound
		}
		return nil, err
	}
	return cmd, nil
}

// ReleaseStuckSending requeues claims orphaned by a dispatcher crash.
func (r *QueueRepository) ReleaseStuckSending(ctx context.Context, olderThan time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("downlink repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, updated_at = NOW()
WHERE status = $1 AND updated_at < $3`, r.table)
	res, err := r.db.ExecContext(ctx, query, downlink.StatusSending, downlink.StatusQueued, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// ListByDevice returns commands for a device, newest first.
func (r *QueueRepository) ListByDevice(ctx context.Context, scope tenancy.Scope, deviceID string, limit int) ([]downlink.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("downlink repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("downlink repo: empty device id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	predicate, scopeArgs := scope.Predicate("tenant_id", 3)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1 AND %s
ORDER BY created_at DESC
LIMIT $2`, commandColumns, r.table, predicate)

	rows, err := r.db.QueryContext(ctx, query, append([]any{deviceID, limit}, scopeArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []downlink.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListAbandoned surfaces commands that exhausted their retries.
func (r *QueueRepository) ListAbandoned(ctx context.Context, scope tenancy.Scope, limit int) ([]downlink.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("downlink repo: nil db")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	predicate, scopeArgs := scope.Predicate("tenant_id", 3)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE status = $1 AND %s
ORDER BY updated_at DESC
LIMIT $2`, commandColumns, r.table, predicate)

	rows, err := r.db.QueryContext(ctx, query, append([]any{downlink.StatusAbandoned, limit}, scopeArgs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []downlink.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ClearQueued deletes a device's not-yet-claimed commands and returns how
// many were removed. Commands already sending are left alone.
func (r *QueueRepository) ClearQueued(ctx context.Context, scope tenancy.Scope, deviceID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("downlink repo: nil db")
	}
	if deviceID == "" {
		return 0, errors.New("downlink repo: empty device id")
	}
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	predicate, scopeArgs := scope.Predicate("tenant_id", 3)
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE device_id = $1 AND status = $2 AND %s`, r.table, predicate)

	res, err := r.db.ExecContext(ctx, query, append([]any{deviceID, downlink.StatusQueued}, scopeArgs...)...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Depth counts commands still waiting to go out.
func (r *QueueRepository) Depth(ctx context.Context) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("downlink repo: nil db")
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status IN ($1, $2)`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query, downlink.StatusQueued, downlink.StatusSending).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*downlink.Command, error) {
	var cmd downlink.Command
	var payload []byte
	var sentAt, deliveredAt sql.NullTime
	if err := row.Scan(
		&cmd.ID,
		&cmd.TenantID,
		&cmd.DeviceID,
		&cmd.DevEUI,
		&cmd.CommandType,
		&payload,
		&cmd.Priority,
		&cmd.Status,
		&cmd.Attempts,
		&cmd.LastError,
		&cmd.NextAttemptAt,
		&sentAt,
		&deliveredAt,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cmd.Payload = payload
	cmd.NextAttemptAt = cmd.NextAttemptAt.UTC()
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		cmd.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		cmd.DeliveredAt = &t
	}
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	cmd.UpdatedAt = cmd.UpdatedAt.UTC()
	return &cmd, nil
}
