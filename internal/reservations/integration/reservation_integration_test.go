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

	reservations "parkgrid-cloud/internal/reservations/domain"
	resrepo "parkgrid-cloud/internal/reservations/infrastructure/postgres"
	"parkgrid-cloud/internal/tenancy"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	testTenantID = "10000000-0000-0000-0000-000000000001"
	testSiteID   = "20000000-0000-0000-0000-000000000001"
	testSpaceID  = "30000000-0000-0000-0000-000000000001"
	otherSpaceID = "30000000-0000-0000-0000-000000000002"
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

	if err := applyMigrations(db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func applyMigrations(db *sql.DB) error {
	path := filepath.Join(projectRoot(), "migrations", "0001_init.up.sql")
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = db.Exec(string(content))
	return err
}

func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Clean(filepath.Join(dir, "..", "..", ".."))
}

func seedSpaces(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()
	_, _ = db.ExecContext(ctx, "DELETE FROM reservations WHERE tenant_id = $1", testTenantID)
	_, _ = db.ExecContext(ctx, "DELETE FROM state_changes WHERE tenant_id = $1", testTenantID)
	_, _ = db.ExecContext(ctx, "DELETE FROM spaces WHERE tenant_id = $1", testTenantID)
	_, _ = db.ExecContext(ctx, "DELETE FROM sites WHERE tenant_id = $1", testTenantID)
	_, _ = db.ExecContext(ctx, "DELETE FROM tenants WHERE id = $1", testTenantID)

	statements := []struct {
		query string
		args  []any
	}{
		{"INSERT INTO tenants (id, name, slug) VALUES ($1, 'Reservation Test', 'reservation-test')", []any{testTenantID}},
		{"INSERT INTO sites (id, tenant_id, name) VALUES ($1, $2, 'Garage North')", []any{testSiteID, testTenantID}},
		{"INSERT INTO spaces (id, tenant_id, site_id, code, name) VALUES ($1, $2, $3, 'A-01', 'A-01')", []any{testSpaceID, testTenantID, testSiteID}},
		{"INSERT INTO spaces (id, tenant_id, site_id, code, name) VALUES ($1, $2, $3, 'A-02', 'A-02')", []any{otherSpaceID, testTenantID, testSiteID}},
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func newReservation(spaceID, requestID string, start time.Time, hours int) *reservations.Reservation {
	return &reservations.Reservation{
		TenantID:       testTenantID,
		SpaceID:        spaceID,
		RequestID:      requestID,
		RequesterEmail: "driver@example.com",
		StartTime:      start,
		EndTime:        start.Add(time.Duration(hours) * time.Hour),
	}
}

func TestConcurrentCreateSameRequestID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSpaces(ctx, t, db)

	repo := resrepo.NewRepository(db)
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]string, workers)
	createdFlags := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, created, err := repo.Create(ctx, newReservation(testSpaceID, "req-concurrent-1", start, 2))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = res.ID
			createdFlags[i] = created
		}(i)
	}
	wg.Wait()

	createdCount := 0
	var canonical string
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if createdFlags[i] {
			createdCount++
		}
		if canonical == "" {
			canonical = ids[i]
		} else if ids[i] != canonical {
			t.Fatalf("workers observed different reservations: %s vs %s", canonical, ids[i])
		}
	}
	if createdCount != 1 {
		t.Fatalf("created %d reservations, want exactly 1", createdCount)
	}

	var rows int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reservations WHERE tenant_id = $1 AND request_id = $2", testTenantID, "req-concurrent-1").Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("stored %d rows, want 1", rows)
	}
}

func TestConcurrentCreateOverlappingWindows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSpaces(ctx, t, db)

	repo := resrepo.NewRepository(db)
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requestID := "req-overlap-" + string(rune('a'+i))
			_, _, err := repo.Create(ctx, newReservation(testSpaceID, requestID, start, 2))
			results[i] = err
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range results {
		if err == nil {
			winners++
			continue
		}
		var conflict *reservations.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
		if conflict.SpaceID != testSpaceID || conflict.CompetingID == "" {
			t.Fatalf("worker %d: conflict missing detail: %+v", i, conflict)
		}
	}
	if winners != 1 {
		t.Fatalf("%d reservations won the window, want exactly 1", winners)
	}
}

func TestOverlapAllowsAdjacentAndOtherSpace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSpaces(ctx, t, db)

	repo := resrepo.NewRepository(db)
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	if _, _, err := repo.Create(ctx, newReservation(testSpaceID, "req-base", start, 2)); err != nil {
		t.Fatalf("base create: %v", err)
	}

	// Half-open windows: back to back bookings never collide.
	if _, _, err := repo.Create(ctx, newReservation(testSpaceID, "req-adjacent", start.Add(2*time.Hour), 2)); err != nil {
		t.Fatalf("adjacent create: %v", err)
	}
	if _, _, err := repo.Create(ctx, newReservation(otherSpaceID, "req-other-space", start, 2)); err != nil {
		t.Fatalf("other space create: %v", err)
	}
}

func TestCancelReleasesWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedSpaces(ctx, t, db)

	repo := resrepo.NewRepository(db)
	scope := tenancy.Scope{TenantID: testTenantID}
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	res, _, err := repo.Create(ctx, newReservation(testSpaceID, "req-cancel", start, 2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.CancelActive(ctx, scope, res.ID, "operator", "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The exclusion constraint only guards active rows.
	if _, _, err := repo.Create(ctx, newReservation(testSpaceID, "req-rebook", start, 2)); err != nil {
		t.Fatalf("rebook after cancel: %v", err)
	}
}
