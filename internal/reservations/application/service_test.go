package application

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	reservations "parkgrid-cloud/internal/reservations/domain"
	respg "parkgrid-cloud/internal/reservations/infrastructure/postgres"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

type fakeStore struct {
	existing  *reservations.Reservation
	createErr error
	cancelErr error
}

func (f *fakeStore) Create(ctx context.Context, res *reservations.Reservation) (*reservations.Reservation, bool, error) {
	if f.createErr != nil {
		return nil, false, f.createErr
	}
	if f.existing != nil && f.existing.RequestID == res.RequestID {
		return f.existing, false, nil
	}
	res.ID = "res-1"
	res.Status = reservations.StatusActive
	return res, true, nil
}

func (f *fakeStore) Get(ctx context.Context, scope tenancy.Scope, id string) (*reservations.Reservation, error) {
	if f.existing != nil && f.existing.ID == id {
		return f.existing, nil
	}
	return nil, nil
}

func (f *fakeStore) List(ctx context.Context, scope tenancy.Scope, spaceID, status string) ([]reservations.Reservation, error) {
	return nil, nil
}

func (f *fakeStore) CancelActive(ctx context.Context, scope tenancy.Scope, id, actor, reason string) (*reservations.Reservation, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	if f.existing == nil || f.existing.ID != id {
		return nil, reservations.ErrNotFound
	}
	out := *f.existing
	out.Status = reservations.StatusCancelled
	return &out, nil
}

func (f *fakeStore) CheckIn(ctx context.Context, scope tenancy.Scope, id string, now time.Time) (*reservations.Reservation, error) {
	return nil, reservations.ErrNotFound
}

type recordingRecomputer struct {
	spaces  []string
	sources []string
}

func (r *recordingRecomputer) Recompute(ctx context.Context, spaceID, source, requestID string) (spacestate.State, error) {
	r.spaces = append(r.spaces, spaceID)
	r.sources = append(r.sources, source)
	return spacestate.StateReserved, nil
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(testWriter{t}, "", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func createReq() CreateRequest {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	return CreateRequest{
		SpaceID:   "space-1",
		StartTime: start,
		EndTime:   start.Add(2 * time.Hour),
		RequestID: "req-1",
	}
}

func TestCreate_TriggersRecompute(t *testing.T) {
	rec := &recordingRecomputer{}
	svc, err := NewService(&fakeStore{}, nil, rec, testLogger(t))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	result, err := svc.Create(context.Background(), tenancy.Scope{TenantID: "tenant-1"}, createReq())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !result.Created {
		t.Fatal("expected Created=true")
	}
	if result.Reservation.TenantID != "tenant-1" {
		t.Fatalf("tenant = %s", result.Reservation.TenantID)
	}
	if len(rec.spaces) != 1 || rec.spaces[0] != "space-1" {
		t.Fatalf("recompute spaces = %v", rec.spaces)
	}
	if rec.sources[0] != spacestate.SourceReservation {
		t.Fatalf("source = %s", rec.sources[0])
	}
}

func TestCreate_ReplayedRequestSkipsRecompute(t *testing.T) {
	existing := &reservations.Reservation{ID: "res-0", RequestID: "req-1", SpaceID: "space-1", Status: reservations.StatusActive}
	rec := &recordingRecomputer{}
	svc, err := NewService(&fakeStore{existing: existing}, nil, rec, testLogger(t))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	result, err := svc.Create(context.Background(), tenancy.Scope{TenantID: "tenant-1"}, createReq())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if result.Created {
		t.Fatal("replay must not report Created")
	}
	if result.Reservation.ID != "res-0" {
		t.Fatalf("reservation = %s, want original", result.Reservation.ID)
	}
	if len(rec.spaces) != 0 {
		t.Fatalf("replay must not recompute, got %v", rec.spaces)
	}
}

func TestCreate_ConflictSurfaces(t *testing.T) {
	conflict := &reservations.ConflictError{SpaceID: "space-1", CompetingID: "res-9"}
	svc, err := NewService(&fakeStore{createErr: conflict}, nil, &recordingRecomputer{}, testLogger(t))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.Create(context.Background(), tenancy.Scope{TenantID: "tenant-1"}, createReq())
	var got *reservations.ConflictError
	if !errors.As(err, &got) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if got.CompetingID != "res-9" {
		t.Fatalf("competing = %s", got.CompetingID)
	}
}

func TestCreate_RequiresTenantScope(t *testing.T) {
	svc, err := NewService(&fakeStore{}, nil, nil, testLogger(t))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.Create(context.Background(), tenancy.Platform(), createReq())
	var verr *reservations.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCancel_TerminalFails(t *testing.T) {
	svc, err := NewService(&fakeStore{cancelErr: reservations.ErrNotActive}, nil, &recordingRecomputer{}, testLogger(t))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.Cancel(context.Background(), tenancy.Scope{TenantID: "tenant-1"}, "res-1", "ops", "cleanup")
	if !errors.Is(err, reservations.ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestCancel_Recomputes(t *testing.T) {
	existing := &reservations.Reservation{ID: "res-1", SpaceID: "space-7", Status: reservations.StatusActive}
	rec := &recordingRecomputer{}
	svc, err := NewService(&fakeStore{existing: existing}, nil, rec, testLogger(t))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	res, err := svc.Cancel(context.Background(), tenancy.Scope{TenantID: "tenant-1"}, "res-1", "ops", "no longer needed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Status != reservations.StatusCancelled {
		t.Fatalf("status = %s", res.Status)
	}
	if len(rec.spaces) != 1 || rec.spaces[0] != "space-7" {
		t.Fatalf("recompute spaces = %v", rec.spaces)
	}
}

type fakeCloser struct {
	rows  []respg.ExpiredReservation
	calls int
}

func (f *fakeCloser) ExpireOverdue(ctx context.Context, now time.Time) ([]respg.ExpiredReservation, error) {
	f.calls++
	if f.calls > 1 {
		return nil, nil
	}
	return f.rows, nil
}

func TestExpireOnce_DedupesRecomputePerSpace(t *testing.T) {
	closer := &fakeCloser{rows: []respg.ExpiredReservation{
		{ID: "res-1", SpaceID: "space-1", Status: reservations.StatusExpired},
		{ID: "res-2", SpaceID: "space-1", Status: reservations.StatusExpired},
		{ID: "res-3", SpaceID: "space-2", Status: reservations.StatusCompleted},
	}}
	rec := &recordingRecomputer{}
	expirer, err := NewExpirer(closer, rec, time.Minute, testLogger(t))
	if err != nil {
		t.Fatalf("NewExpirer: %v", err)
	}

	count, err := expirer.ExpireOnce(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireOnce: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if len(rec.spaces) != 2 {
		t.Fatalf("recompute spaces = %v, want one per space", rec.spaces)
	}

	// Second pass finds nothing and must be a no-op.
	count, err = expirer.ExpireOnce(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireOnce second run: %v", err)
	}
	if count != 0 {
		t.Fatalf("second sweep closed %d rows", count)
	}
	if len(rec.spaces) != 2 {
		t.Fatalf("second sweep recomputed again: %v", rec.spaces)
	}
}
