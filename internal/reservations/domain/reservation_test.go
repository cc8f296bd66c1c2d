package reservations

import (
	"errors"
	"testing"
	"time"
)

func validReservation() *Reservation {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	return &Reservation{
		TenantID:  "tenant-1",
		SpaceID:   "space-1",
		StartTime: start,
		EndTime:   start.Add(2 * time.Hour),
	}
}

func TestReservationValidate(t *testing.T) {
	if err := validReservation().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	var verr *ValidationError

	swapped := validReservation()
	swapped.StartTime, swapped.EndTime = swapped.EndTime, swapped.StartTime
	if err := swapped.Validate(); !errors.As(err, &verr) {
		t.Fatalf("swapped window: err = %v, want ValidationError", err)
	}

	zero := validReservation()
	zero.EndTime = zero.StartTime
	if err := zero.Validate(); !errors.As(err, &verr) {
		t.Fatalf("zero-length window: err = %v, want ValidationError", err)
	}

	long := validReservation()
	long.EndTime = long.StartTime.Add(25 * time.Hour)
	if err := long.Validate(); !errors.As(err, &verr) {
		t.Fatalf("over-long window: err = %v, want ValidationError", err)
	}

	exact := validReservation()
	exact.EndTime = exact.StartTime.Add(24 * time.Hour)
	if err := exact.Validate(); err != nil {
		t.Fatalf("24h window must pass: %v", err)
	}
}

func TestReservationCovers(t *testing.T) {
	res := validReservation()
	if !res.Covers(res.StartTime) {
		t.Fatal("window start is inside")
	}
	if res.Covers(res.EndTime) {
		t.Fatal("window end is outside")
	}
	if res.Covers(res.StartTime.Add(-time.Minute)) {
		t.Fatal("before start is outside")
	}
	if !res.Covers(res.StartTime.Add(time.Hour)) {
		t.Fatal("midpoint is inside")
	}
}

func TestReservationTerminal(t *testing.T) {
	res := validReservation()
	res.Status = StatusActive
	if res.Terminal() {
		t.Fatal("active is not terminal")
	}
	for _, status := range []string{StatusCompleted, StatusCancelled, StatusExpired} {
		res.Status = status
		if !res.Terminal() {
			t.Fatalf("%s must be terminal", status)
		}
	}
}
