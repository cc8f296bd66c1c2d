package interfaces

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	reports "parkgrid-cloud/internal/reports/domain"
)

func testWindow() reports.Window {
	return reports.Window{
		From: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func sampleOccupancy() []reports.OccupancyRow {
	changed := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	return []reports.OccupancyRow{
		{SpaceID: "sp-1", SiteID: "site-1", Code: "A-01", Name: "Row A slot 1", CurrentState: "occupied", Transitions: 12, OccupiedEvents: 6, LastChangedAt: &changed},
		{SpaceID: "sp-2", SiteID: "site-1", Code: "A-02", Name: "Row A slot 2", CurrentState: "free", Transitions: 0, OccupiedEvents: 0},
	}
}

func TestBuildOccupancyCSV(t *testing.T) {
	payload, err := BuildOccupancyCSV(testWindow(), sampleOccupancy())
	if err != nil {
		t.Fatalf("BuildOccupancyCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if !strings.HasPrefix(lines[0], "space_id,site_id,code,name") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "A-01") || !strings.Contains(lines[1], "12,6") {
		t.Fatalf("unexpected first row: %s", lines[1])
	}
	if !strings.Contains(lines[2], "0,0,") {
		t.Fatalf("row without changes should carry zero counts: %s", lines[2])
	}
}

func TestBuildOccupancyXLSX(t *testing.T) {
	payload, err := BuildOccupancyXLSX(testWindow(), sampleOccupancy())
	if err != nil {
		t.Fatalf("BuildOccupancyXLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()

	if got, _ := f.GetCellValue("occupancy", "A1"); got != "Occupancy Report" {
		t.Fatalf("A1 = %q", got)
	}
	if got, _ := f.GetCellValue("occupancy", "A6"); got != "A-01" {
		t.Fatalf("A6 = %q, want A-01", got)
	}
	if got, _ := f.GetCellValue("occupancy", "D6"); got != "12" {
		t.Fatalf("D6 = %q, want 12", got)
	}
}

func TestBuildOccupancyPDF(t *testing.T) {
	payload, err := BuildOccupancyPDF(testWindow(), sampleOccupancy())
	if err != nil {
		t.Fatalf("BuildOccupancyPDF: %v", err)
	}
	if !bytes.HasPrefix(payload, []byte("%PDF")) {
		t.Fatalf("output is not a PDF")
	}
}

func TestBuildReservationCSV(t *testing.T) {
	rows := []reports.ReservationRow{
		{SpaceID: "sp-1", SiteID: "site-1", Code: "A-01", Name: "Row A slot 1", Total: 9, Completed: 5, Cancelled: 2, Expired: 2, CheckedIn: 5, BookedHrs: 18.5},
	}
	payload, err := BuildReservationCSV(testWindow(), rows)
	if err != nil {
		t.Fatalf("BuildReservationCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[1], "9,5,2,2,5,18.50") {
		t.Fatalf("unexpected row: %s", lines[1])
	}
}

func TestBuildReservationXLSX(t *testing.T) {
	rows := []reports.ReservationRow{
		{SpaceID: "sp-1", SiteID: "site-1", Code: "A-01", Name: "Row A slot 1", Total: 3, BookedHrs: 6},
	}
	payload, err := BuildReservationXLSX(testWindow(), rows)
	if err != nil {
		t.Fatalf("BuildReservationXLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()
	if got, _ := f.GetCellValue("reservations", "C6"); got != "3" {
		t.Fatalf("C6 = %q, want 3", got)
	}
}

func TestBuildReservationPDF(t *testing.T) {
	payload, err := BuildReservationPDF(testWindow(), nil)
	if err != nil {
		t.Fatalf("BuildReservationPDF: %v", err)
	}
	if !bytes.HasPrefix(payload, []byte("%PDF")) {
		t.Fatalf("output is not a PDF")
	}
}
