package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "parkgrid-cloud/internal/telemetry/domain"
	"parkgrid-cloud/internal/tenancy"
)

const defaultReadingsTable = "sensor_readings"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadingRepository stores accepted sensor observations.
type ReadingRepository struct {
	db    DBTX
	table string
}

// NewReadingRepository constructs a repository.
func NewReadingRepository(db DBTX) *ReadingRepository {
	return &ReadingRepository{db: db, table: defaultReadingsTable}
}

// Insert stores one reading. A (device_id, fcnt) pair is stored at most once;
// re-inserting an existing pair returns false without error so spool replays
// stay idempotent.
func (r *ReadingRepository) Insert(ctx context.Context, reading *telemetry.Reading) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("reading repo: nil db")
	}
	if reading == nil {
		return false, errors.New("reading repo: nil reading")
	}
	if reading.TenantID == "" || reading.DeviceID == "" {
		return false, errors.New("reading repo: missing tenant or device")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, tenant_id, device_id, dev_eui, fcnt, occupied, rssi, snr, raw_payload, received_at)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (device_id, fcnt) DO NOTHING
RETURNING id`, r.table)

	var raw any
	if len(reading.Raw) > 0 {
		raw = []byte(reading.Raw)
	}
	err := r.db.QueryRowContext(
		ctx,
		query,
		reading.TenantID,
		reading.DeviceID,
		reading.DevEUI,
		reading.Fcnt,
		reading.Occupied,
		reading.RSSI,
		reading.SNR,
		raw,
		reading.ReceivedAt.UTC(),
	).Scan(&reading.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListByDevice returns recent readings for one device, newest first.
func (r *ReadingRepository) ListByDevice(ctx context.Context, scope tenancy.Scope, deviceID string, limit int) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("reading repo: empty device id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	predicate, args := scope.Predicate("tenant_id", 3)
	query := fmt.Sprintf(`
SELECT id, tenant_id, device_id, dev_eui, fcnt, occupied, COALESCE(rssi, 0), COALESCE(snr, 0), raw_payload, received_at
FROM %s
WHERE device_id = $1 AND %s
ORDER BY received_at DESC
LIMIT $2`, r.table, predicate)

	rows, err := r.db.QueryContext(ctx, query, append([]any{deviceID, limit}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Reading
	for rows.Next() {
		var reading telemetry.Reading
		var raw []byte
		if err := rows.Scan(
			&reading.ID,
			&reading.TenantID,
			&reading.DeviceID,
			&reading.DevEUI,
			&reading.Fcnt,
			&reading.Occupied,
			&reading.RSSI,
			&reading.SNR,
			&raw,
			&reading.ReceivedAt,
		); err != nil {
			return nil, err
		}
		reading.Raw = raw
		reading.ReceivedAt = reading.ReceivedAt.UTC()
		result = append(result, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
