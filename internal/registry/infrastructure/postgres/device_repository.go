package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	registry "parkgrid-cloud/internal/registry/domain"
	"parkgrid-cloud/internal/tenancy"
)

const (
	sensorDevicesTable  = "sensor_devices"
	displayDevicesTable = "display_devices"
)

const deviceColumns = `id, tenant_id, dev_eui, name, status, lifecycle_state,
COALESCE(assigned_space_id::text, ''), assigned_at, last_fcnt, last_seen_at, created_at, updated_at`

// DeviceRepository is a Postgres implementation for one device kind. Sensors
// and displays live in separate tables with the same shape.
type DeviceRepository struct {
	db    DBTX
	kind  registry.Kind
	table string
}

// NewDeviceRepository constructs a repository for the given kind.
func NewDeviceRepository(db DBTX, kind registry.Kind) (*DeviceRepository, error) {
	table, err := deviceTable(kind)
	if err != nil {
		return nil, err
	}
	return &DeviceRepository{db: db, kind: kind, table: table}, nil
}

func deviceTable(kind registry.Kind) (string, error) {
	switch kind {
	case registry.KindSensor:
		return sensorDevicesTable, nil
	case registry.KindDisplay:
		return displayDevicesTable, nil
	default:
		return "", fmt.Errorf("device repo: unknown kind %q", kind)
	}
}

// Kind returns the device kind this repository serves.
func (r *DeviceRepository) Kind() registry.Kind {
	return r.kind
}

// GetByEUI loads a device by its EUI. Ingestion calls this without a tenant
// scope; the device row itself names the tenant.
func (r *DeviceRepository) GetByEUI(ctx context.Context, devEUI string) (*registry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if devEUI == "" {
		return nil, errors.New("device repo: empty dev_eui")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE dev_eui = $1
LIMIT 1`, deviceColumns, r.table)

	device, err := r.scan(r.db.QueryRowContext(ctx, query, devEUI))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return device, nil
}

// Get loads a device by id within the scope.
func (r *DeviceRepository) Get(ctx context.Context, scope tenancy.Scope, id string) (*registry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, args := scope.Predicate("tenant_id", 2)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1 AND %s
LIMIT 1`, deviceColumns, r.table, predicate)

	device, err := r.scan(r.db.QueryRowContext(ctx, query, append([]any{id}, args...)...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return device, nil
}

// List returns the scope's devices, optionally filtered by status.
func (r *DeviceRepository) List(ctx context.Context, scope tenancy.Scope, status string) ([]registry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	predicate, args := scope.Predicate("tenant_id", 1)
	args = append(args, status == "", status)
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE %s
  AND ($3::boolean OR status = $4)
ORDER BY dev_eui ASC`, deviceColumns, r.table, predicate)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []registry.Device
	for rows.Next() {
		device, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Create registers a device. A racing duplicate EUI surfaces as ErrDuplicateEUI.
func (r *DeviceRepository) Create(ctx context.Context, device *registry.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if err := device.Validate(); err != nil {
		return err
	}
	if device.Kind != r.kind {
		return fmt.Errorf("device repo: kind mismatch: %s", device.Kind)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, tenant_id, dev_eui, name, status, lifecycle_state)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
RETURNING id, created_at, updated_at`, r.table)

	status := device.Status
	if status == "" {
		status = registry.StatusUnassigned
	}
	lifecycle := device.LifecycleState
	if lifecycle == "" {
		lifecycle = registry.LifecycleProvisioned
	}
	err := r.db.QueryRowContext(
		ctx,
		query,
		device.TenantID,
		device.DevEUI,
		device.Name,
		status,
		lifecycle,
	).Scan(&device.ID, &device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return registry.ErrDuplicateEUI
		}
		return err
	}
	device.Status = status
	device.LifecycleState = lifecycle
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return nil
}

// AdvanceFcnt accepts a frame counter only when it moves forward. Returns
// false for a replayed or reordered frame; the stored counter never
// decreases. This is the replay gate, so it runs as one compare-and-set.
func (r *DeviceRepository) AdvanceFcnt(ctx context.Context, deviceID string, fcnt int64, seenAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("device repo: nil db")
	}
	if deviceID == "" {
		return false, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET last_fcnt = $2,
	last_seen_at = $3,
	lifecycle_state = CASE WHEN lifecycle_state = $4 THEN $5 ELSE lifecycle_state END,
	updated_at = NOW()
WHERE id = $1 AND (last_fcnt IS NULL OR last_fcnt < $2)`, r.table)

	res, err := r.db.ExecContext(ctx, query, deviceID, fcnt, seenAt.UTC(),
		registry.LifecycleProvisioned, registry.LifecycleActive)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkSeen bumps last_seen_at without touching the frame counter. Used for
// join events and other non-data traffic.
func (r *DeviceRepository) MarkSeen(ctx context.Context, deviceID string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET last_seen_at = $2, updated_at = NOW()
WHERE id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, deviceID, at.UTC())
	return err
}

func (r *DeviceRepository) scan(row interface{ Scan(dest ...any) error }) (*registry.Device, error) {
	var device registry.Device
	var assignedAt, lastSeenAt sql.NullTime
	var lastFcnt sql.NullInt64
	if err := row.Scan(
		&device.ID,
		&device.TenantID,
		&device.DevEUI,
		&device.Name,
		&device.Status,
		&device.LifecycleState,
		&device.AssignedSpaceID,
		&assignedAt,
		&lastFcnt,
		&lastSeenAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		return nil, err
	}
	device.Kind = r.kind
	if assignedAt.Valid {
		t := assignedAt.Time.UTC()
		device.AssignedAt = &t
	}
	if lastFcnt.Valid {
		v := lastFcnt.Int64
		device.LastFcnt = &v
	}
	if lastSeenAt.Valid {
		t := lastSeenAt.Time.UTC()
		device.LastSeenAt = &t
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}
