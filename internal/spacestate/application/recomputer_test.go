package application

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

type fakeSpaceStore struct {
	space       *spacestate.Space
	applyOK     []bool
	applyCalls  int
	lastState   spacestate.State
	lastSource  string
	lastRequest string
}

func (f *fakeSpaceStore) Get(ctx context.Context, scope tenancy.Scope, id string) (*spacestate.Space, error) {
	if f.space == nil || f.space.ID != id {
		return nil, nil
	}
	clone := *f.space
	return &clone, nil
}

func (f *fakeSpaceStore) ApplyTransition(ctx context.Context, space *spacestate.Space, newState spacestate.State, source, requestID string) (bool, error) {
	f.applyCalls++
	f.lastState = newState
	f.lastSource = source
	f.lastRequest = requestID
	ok := true
	if len(f.applyOK) > 0 {
		ok = f.applyOK[0]
		f.applyOK = f.applyOK[1:]
	}
	if ok {
		f.space.CurrentState = newState
		f.space.Version++
	} else {
		// Simulates another writer advancing the row.
		f.space.Version++
	}
	return ok, nil
}

type fakeReservationReader struct {
	active bool
	err    error
	calls  int
}

func (f *fakeReservationReader) HasActiveNow(ctx context.Context, spaceID string, now time.Time) (bool, error) {
	f.calls++
	return f.active, f.err
}

type fakeNotifier struct {
	calls int
	last  string
	err   error
}

func (f *fakeNotifier) NotifyStateChange(ctx context.Context, tenantID, spaceID, displayDeviceID, state string) error {
	f.calls++
	f.last = state
	return f.err
}

func occupiedSpace() *spacestate.Space {
	occupied := true
	return &spacestate.Space{
		ID:              "space-1",
		TenantID:        "tenant-1",
		SiteID:          "site-1",
		Code:            "A-01",
		Enabled:         true,
		CurrentState:    spacestate.StateFree,
		SensorDeviceID:  "sensor-1",
		DisplayDeviceID: "display-1",
		SensorOccupied:  &occupied,
	}
}

func newTestRecomputer(t *testing.T, spaces SpaceStore, reservations ReservationReader, notifier DisplayNotifier) *Recomputer {
	t.Helper()
	rec, err := NewRecomputer(spaces, reservations, notifier, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("NewRecomputer: %v", err)
	}
	return rec
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestRecompute_SensorOccupied(t *testing.T) {
	store := &fakeSpaceStore{space: occupiedSpace()}
	notifier := &fakeNotifier{}
	rec := newTestRecomputer(t, store, &fakeReservationReader{}, notifier)

	state, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceSensor, "")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if state != spacestate.StateOccupied {
		t.Fatalf("state = %s, want occupied", state)
	}
	if store.applyCalls != 1 {
		t.Fatalf("applyCalls = %d, want 1", store.applyCalls)
	}
	if store.lastSource != spacestate.SourceSensor {
		t.Fatalf("source = %s", store.lastSource)
	}
	if notifier.calls != 1 || notifier.last != "occupied" {
		t.Fatalf("notifier calls=%d last=%s", notifier.calls, notifier.last)
	}
}

func TestRecompute_UnchangedWritesNothing(t *testing.T) {
	space := occupiedSpace()
	space.CurrentState = spacestate.StateOccupied
	store := &fakeSpaceStore{space: space}
	rec := newTestRecomputer(t, store, &fakeReservationReader{}, nil)

	state, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceSensor, "")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if state != spacestate.StateOccupied {
		t.Fatalf("state = %s", state)
	}
	if store.applyCalls != 0 {
		t.Fatalf("unchanged recompute wrote a transition")
	}
}

func TestRecompute_CancelledReservationFallsBackToSensor(t *testing.T) {
	// Space was reserved; the reservation is gone but the sensor still
	// reports occupied. The state must return to occupied, not free.
	space := occupiedSpace()
	space.CurrentState = spacestate.StateReserved
	store := &fakeSpaceStore{space: space}
	rec := newTestRecomputer(t, store, &fakeReservationReader{active: false}, nil)

	state, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceReservation, "req-9")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if state != spacestate.StateOccupied {
		t.Fatalf("state = %s, want occupied", state)
	}
	if store.lastRequest != "req-9" {
		t.Fatalf("request id not threaded: %s", store.lastRequest)
	}
}

func TestRecompute_ActiveReservationWins(t *testing.T) {
	store := &fakeSpaceStore{space: occupiedSpace()}
	rec := newTestRecomputer(t, store, &fakeReservationReader{active: true}, nil)

	state, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceReservation, "")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if state != spacestate.StateReserved {
		t.Fatalf("state = %s, want reserved", state)
	}
}

func TestRecompute_MaintenanceSkipsReservationLookup(t *testing.T) {
	space := occupiedSpace()
	space.Maintenance = true
	store := &fakeSpaceStore{space: space}
	reader := &fakeReservationReader{active: true}
	rec := newTestRecomputer(t, store, reader, nil)

	state, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceManual, "")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if state != spacestate.StateMaintenance {
		t.Fatalf("state = %s, want maintenance", state)
	}
	if reader.calls != 0 {
		t.Fatalf("reservation lookup ran under maintenance")
	}
}

func TestRecompute_RetriesOnVersionConflict(t *testing.T) {
	store := &fakeSpaceStore{space: occupiedSpace(), applyOK: []bool{false, true}}
	rec := newTestRecomputer(t, store, &fakeReservationReader{}, nil)

	state, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceSensor, "")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if state != spacestate.StateOccupied {
		t.Fatalf("state = %s", state)
	}
	if store.applyCalls != 2 {
		t.Fatalf("applyCalls = %d, want 2", store.applyCalls)
	}
}

func TestRecompute_ContentionExhausted(t *testing.T) {
	store := &fakeSpaceStore{space: occupiedSpace(), applyOK: []bool{false, false, false}}
	rec := newTestRecomputer(t, store, &fakeReservationReader{}, nil)

	_, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceSensor, "")
	if !errors.Is(err, spacestate.ErrContention) {
		t.Fatalf("err = %v, want ErrContention", err)
	}
}

func TestRecompute_NotFound(t *testing.T) {
	store := &fakeSpaceStore{}
	rec := newTestRecomputer(t, store, &fakeReservationReader{}, nil)

	_, err := rec.Recompute(context.Background(), "missing", spacestate.SourceSensor, "")
	if !errors.Is(err, spacestate.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecompute_NotifierFailureDoesNotFail(t *testing.T) {
	store := &fakeSpaceStore{space: occupiedSpace()}
	notifier := &fakeNotifier{err: errors.New("downlink down")}
	rec := newTestRecomputer(t, store, &fakeReservationReader{}, notifier)

	state, err := rec.Recompute(context.Background(), "space-1", spacestate.SourceSensor, "")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if state != spacestate.StateOccupied {
		t.Fatalf("state = %s", state)
	}
}
