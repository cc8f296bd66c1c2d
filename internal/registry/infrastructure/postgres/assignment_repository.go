package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	registry "parkgrid-cloud/internal/registry/domain"
	"parkgrid-cloud/internal/tenancy"
)

const assignmentsTable = "device_assignments"

// AssignmentRepository binds devices to spaces. Both sides of the binding
// and the history record commit in one transaction; the partial unique
// indexes turn concurrent assignment races into constraint errors.
type AssignmentRepository struct {
	db *sql.DB
}

// NewAssignmentRepository constructs a repository.
func NewAssignmentRepository(db *sql.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

func spaceDeviceColumn(kind registry.Kind) (string, error) {
	switch kind {
	case registry.KindSensor:
		return "sensor_device_id", nil
	case registry.KindDisplay:
		return "display_device_id", nil
	default:
		return "", fmt.Errorf("assignment repo: unknown kind %q", kind)
	}
}

// Assign opens an assignment for a device. Stale devices, occupied space
// slots, and concurrent winners all surface as typed errors.
func (r *AssignmentRepository) Assign(ctx context.Context, device *registry.Device, spaceID, assignedBy, reason string) error {
	if r == nil || r.db == nil {
		return errors.New("assignment repo: nil db")
	}
	if device == nil {
		return errors.New("assignment repo: nil device")
	}
	if spaceID == "" {
		return errors.New("assignment repo: empty space id")
	}
	deviceTable, err := deviceTable(device.Kind)
	if err != nil {
		return err
	}
	spaceColumn, err := spaceDeviceColumn(device.Kind)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// The open-assignment unique index serializes concurrent attempts for
	// the same device.
	insert := fmt.Sprintf(`
INSERT INTO %s (id, tenant_id, device_kind, device_id, dev_eui, space_id, assigned_by, assignment_reason)
VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)`, assignmentsTable)
	if _, err := tx.ExecContext(ctx, insert,
		device.TenantID, string(device.Kind), device.ID, device.DevEUI, spaceID, assignedBy, reason,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return registry.ErrAlreadyAssigned
		}
		return err
	}

	updateDevice := fmt.Sprintf(`
UPDATE %s
SET assigned_space_id = $2, status = $3, assigned_at = NOW(), updated_at = NOW()
WHERE id = $1 AND assigned_space_id IS NULL`, deviceTable)
	res, err := tx.ExecContext(ctx, updateDevice, device.ID, spaceID, registry.StatusAssigned)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return registry.ErrSpaceSlotTaken
		}
		return err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return registry.ErrAlreadyAssigned
	}

	updateSpace := fmt.Sprintf(`
UPDATE spaces
SET %s = $2, updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL AND %s IS NULL`, spaceColumn, spaceColumn)
	res, err = tx.ExecContext(ctx, updateSpace, spaceID, device.ID)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return registry.ErrSpaceSlotTaken
	}

	return tx.Commit()
}

// Unassign closes the open assignment and clears both sides. The device and
// space records survive; only the binding goes.
func (r *AssignmentRepository) Unassign(ctx context.Context, device *registry.Device, unassignedBy, reason string) error {
	if r == nil || r.db == nil {
		return errors.New("assignment repo: nil db")
	}
	if device == nil {
		return errors.New("assignment repo: nil device")
	}
	deviceTable, err := deviceTable(device.Kind)
	if err != nil {
		return err
	}
	spaceColumn, err := spaceDeviceColumn(device.Kind)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	closeAssignment := fmt.Sprintf(`
UPDATE %s
SET unassigned_at = NOW(), unassigned_by = $2, unassignment_reason = $3
WHERE device_id = $1 AND unassigned_at IS NULL`, assignmentsTable)
	res, err := tx.ExecContext(ctx, closeAssignment, device.ID, unassignedBy, reason)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return err
	} else if affected == 0 {
		return registry.ErrNotAssigned
	}

	clearDevice := fmt.Sprintf(`
UPDATE %s
SET assigned_space_id = NULL, status = $2, assigned_at = NULL, updated_at = NOW()
WHERE id = $1`, deviceTable)
	if _, err := tx.ExecContext(ctx, clearDevice, device.ID, registry.StatusUnassigned); err != nil {
		return err
	}

	clearSpace := fmt.Sprintf(`
UPDATE spaces
SET %s = NULL, updated_at = NOW()
WHERE %s = $1`, spaceColumn, spaceColumn)
	if _, err := tx.ExecContext(ctx, clearSpace, device.ID); err != nil {
		return err
	}

	return tx.Commit()
}

// History lists assignment records for a device, newest first.
func (r *AssignmentRepository) History(ctx context.Context, scope tenancy.Scope, deviceID string, limit int) ([]registry.Assignment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("assignment repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("assignment repo: empty device id")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	predicate, args := scope.Predicate("tenant_id", 3)
	query := fmt.Sprintf(`
SELECT id, tenant_id, device_kind, device_id, dev_eui, space_id,
	assigned_by, assignment_reason, assigned_at,
	COALESCE(unassigned_by, ''), COALESCE(unassignment_reason, ''), unassigned_at
FROM %s
WHERE device_id = $1 AND %s
ORDER BY assigned_at DESC
LIMIT $2`, assignmentsTable, predicate)

	rows, err := r.db.QueryContext(ctx, query, append([]any{deviceID, limit}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []registry.Assignment
	for rows.Next() {
		var a registry.Assignment
		var kind string
		var unassignedAt sql.NullTime
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&kind,
			&a.DeviceID,
			&a.DevEUI,
			&a.SpaceID,
			&a.AssignedBy,
			&a.AssignmentReason,
			&a.AssignedAt,
			&a.UnassignedBy,
			&a.UnassignmentReason,
			&unassignedAt,
		); err != nil {
			return nil, err
		}
		a.DeviceKind = registry.Kind(kind)
		a.AssignedAt = a.AssignedAt.UTC()
		if unassignedAt.Valid {
			t := unassignedAt.Time.UTC()
			a.UnassignedAt = &t
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
