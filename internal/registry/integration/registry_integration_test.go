package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	registry "parkgrid-cloud/internal/registry/domain"
	registryrepo "parkgrid-cloud/internal/registry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	testTenantID = "10000000-0000-0000-0000-000000000002"
	testSiteID   = "20000000-0000-0000-0000-000000000002"
	testSpaceID  = "30000000-0000-0000-0000-000000000003"
	testDevEUI   = "a81758fffe0300aa"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	path := filepath.Join(projectRoot(), "migrations", "0001_init.up.sql")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := db.Exec(string(content)); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Clean(filepath.Join(dir, "..", "..", ".."))
}

func seed(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()
	for _, query := range []string{
		"DELETE FROM sensor_readings WHERE tenant_id = $1",
		"DELETE FROM device_assignments WHERE tenant_id = $1",
		"UPDATE spaces SET sensor_device_id = NULL, display_device_id = NULL WHERE tenant_id = $1",
		"DELETE FROM sensor_devices WHERE tenant_id = $1",
		"DELETE FROM display_devices WHERE tenant_id = $1",
		"DELETE FROM state_changes WHERE tenant_id = $1",
		"DELETE FROM spaces WHERE tenant_id = $1",
		"DELETE FROM sites WHERE tenant_id = $1",
	} {
		_, _ = db.ExecContext(ctx, query, testTenantID)
	}
	_, _ = db.ExecContext(ctx, "DELETE FROM tenants WHERE id = $1", testTenantID)

	statements := []struct {
		query string
		args  []any
	}{
		{"INSERT INTO tenants (id, name, slug) VALUES ($1, 'Registry Test', 'registry-test')", []any{testTenantID}},
		{"INSERT INTO sites (id, tenant_id, name) VALUES ($1, $2, 'Garage South')", []any{testSiteID, testTenantID}},
		{"INSERT INTO spaces (id, tenant_id, site_id, code, name) VALUES ($1, $2, $3, 'B-01', 'B-01')", []any{testSpaceID, testTenantID, testSiteID}},
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestAdvanceFcntConcurrentReplay(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(ctx, t, db)

	repo, err := registryrepo.NewDeviceRepository(db, registry.KindSensor)
	if err != nil {
		t.Fatalf("device repo: %v", err)
	}
	device := &registry.Device{
		TenantID: testTenantID,
		DevEUI:   testDevEUI,
		Kind:     registry.KindSensor,
	}
	if err := repo.Create(ctx, device); err != nil {
		t.Fatalf("create device: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	accepted := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.AdvanceFcnt(ctx, device.ID, 5, time.Now().UTC())
			accepted[i] = ok
			errs[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if accepted[i] {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("%d workers advanced fcnt 5, want exactly 1", wins)
	}

	// A lower frame afterwards is a replay.
	if ok, err := repo.AdvanceFcnt(ctx, device.ID, 3, time.Now().UTC()); err != nil || ok {
		t.Fatalf("lower fcnt accepted=%v err=%v, want rejected", ok, err)
	}
	if ok, err := repo.AdvanceFcnt(ctx, device.ID, 6, time.Now().UTC()); err != nil || !ok {
		t.Fatalf("higher fcnt accepted=%v err=%v, want accepted", ok, err)
	}
}

func TestConcurrentAssignSameSpace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seed(ctx, t, db)

	deviceRepo, err := registryrepo.NewDeviceRepository(db, registry.KindSensor)
	if err != nil {
		t.Fatalf("device repo: %v", err)
	}
	assignRepo := registryrepo.NewAssignmentRepository(db)

	devices := make([]*registry.Device, 2)
	for i, eui := range []string{"a81758fffe0300b1", "a81758fffe0300b2"} {
		devices[i] = &registry.Device{
			TenantID: testTenantID,
			DevEUI:   eui,
			Kind:     registry.KindSensor,
		}
		if err := deviceRepo.Create(ctx, devices[i]); err != nil {
			t.Fatalf("create device %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = assignRepo.Assign(ctx, devices[i], testSpaceID, "tester", "race test")
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range results {
		if err == nil {
			winners++
			continue
		}
		if !errors.Is(err, registry.ErrSpaceSlotTaken) && !errors.Is(err, registry.ErrAlreadyAssigned) {
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("%d devices claimed the slot, want exactly 1", winners)
	}

	var assigned sql.NullString
	if err := db.QueryRowContext(ctx, "SELECT sensor_device_id FROM spaces WHERE id = $1", testSpaceID).Scan(&assigned); err != nil {
		t.Fatalf("read space: %v", err)
	}
	if !assigned.Valid {
		t.Fatalf("space has no sensor after assignment race")
	}
}
