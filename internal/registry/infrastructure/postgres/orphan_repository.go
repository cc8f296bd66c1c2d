package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	registry "parkgrid-cloud/internal/registry/domain"
)

const orphansTable = "orphan_devices"

// OrphanRepository tracks uplinks from unregistered hardware.
type OrphanRepository struct {
	db    DBTX
	table string
}

// NewOrphanRepository constructs a repository.
func NewOrphanRepository(db DBTX) *OrphanRepository {
	return &OrphanRepository{db: db, table: orphansTable}
}

// Record upserts one sighting of an unknown EUI.
func (r *OrphanRepository) Record(ctx context.Context, devEUI string, payload json.RawMessage, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("orphan repo: nil db")
	}
	if devEUI == "" {
		return errors.New("orphan repo: empty dev_eui")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (dev_eui, first_seen, last_seen, message_count, last_payload)
VALUES ($1, $2, $2, 1, $3)
ON CONFLICT (dev_eui)
DO UPDATE SET
	last_seen = EXCLUDED.last_seen,
	message_count = %s.message_count + 1,
	last_payload = EXCLUDED.last_payload`, r.table, r.table)

	var raw any
	if len(payload) > 0 {
		raw = []byte(payload)
	}
	_, err := r.db.ExecContext(ctx, query, devEUI, at.UTC(), raw)
	return err
}

// List returns orphans, most recently heard first.
func (r *OrphanRepository) List(ctx context.Context, limit int) ([]registry.Orphan, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("orphan repo: nil db")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	query := fmt.Sprintf(`
SELECT dev_eui, first_seen, last_seen, message_count, last_payload
FROM %s
ORDER BY last_seen DESC
LIMIT $1`, r.table)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []registry.Orphan
	for rows.Next() {
		var orphan registry.Orphan
		var payload []byte
		if err := rows.Scan(
			&orphan.DevEUI,
			&orphan.FirstSeen,
			&orphan.LastSeen,
			&orphan.MessageCount,
			&payload,
		); err != nil {
			return nil, err
		}
		orphan.FirstSeen = orphan.FirstSeen.UTC()
		orphan.LastSeen = orphan.LastSeen.UTC()
		orphan.LastPayload = payload
		result = append(result, orphan)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes an orphan record, typically after registration.
func (r *OrphanRepository) Delete(ctx context.Context, devEUI string) error {
	if r == nil || r.db == nil {
		return errors.New("orphan repo: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE dev_eui = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, devEUI)
	return err
}
