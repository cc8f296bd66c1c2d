package interfaces

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	reports "parkgrid-cloud/internal/reports/domain"
)

const dayLayout = "2006-01-02 15:04"

// BuildOccupancyCSV renders the occupancy report as CSV.
func BuildOccupancyCSV(window reports.Window, rows []reports.OccupancyRow) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	_ = writer.Write([]string{
		"space_id",
		"site_id",
		"code",
		"name",
		"current_state",
		"transitions",
		"occupied_events",
		"last_changed_at",
	})
	for _, row := range rows {
		lastChanged := ""
		if row.LastChangedAt != nil {
			lastChanged = row.LastChangedAt.Format(time.RFC3339)
		}
		_ = writer.Write([]string{
			row.SpaceID,
			row.SiteID,
			row.Code,
			row.Name,
			row.CurrentState,
			strconv.FormatInt(row.Transitions, 10),
			strconv.FormatInt(row.OccupiedEvents, 10),
			lastChanged,
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildOccupancyXLSX renders the occupancy report as a workbook.
func BuildOccupancyXLSX(window reports.Window, rows []reports.OccupancyRow) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "occupancy"
	f.SetSheetName("Sheet1", sheet)

	_ = f.SetCellValue(sheet, "A1", "Occupancy Report")
	_ = f.SetCellValue(sheet, "A2", "From")
	_ = f.SetCellValue(sheet, "B2", window.From.Format(dayLayout))
	_ = f.SetCellValue(sheet, "A3", "To")
	_ = f.SetCellValue(sheet, "B3", window.To.Format(dayLayout))

	headers := []string{"Code", "Name", "Current State", "Transitions", "Occupied Events", "Last Changed"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 5)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i, row := range rows {
		line := i + 6
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", line), row.Code)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", line), row.Name)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", line), row.CurrentState)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", line), row.Transitions)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", line), row.OccupiedEvents)
		if row.LastChangedAt != nil {
			_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", line), row.LastChangedAt.Format(dayLayout))
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildOccupancyPDF renders the occupancy report as a minimal PDF.
func BuildOccupancyPDF(window reports.Window, rows []reports.OccupancyRow) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Occupancy Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("From: %s", window.From.Format(dayLayout)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("To: %s", window.To.Format(dayLayout)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(25, 6, "Code", "1", 0, "C", false, 0, "")
	pdf.CellFormat(55, 6, "Name", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "State", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Transitions", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Occupied", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, row := range rows {
		pdf.CellFormat(25, 6, row.Code, "1", 0, "L", false, 0, "")
		pdf.CellFormat(55, 6, row.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, row.CurrentState, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, strconv.FormatInt(row.Transitions, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, strconv.FormatInt(row.OccupiedEvents, 10), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReservationCSV renders the reservation report as CSV.
func BuildReservationCSV(window reports.Window, rows []reports.ReservationRow) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	_ = writer.Write([]string{
		"space_id",
		"site_id",
		"code",
		"name",
		"total",
		"completed",
		"cancelled",
		"expired",
		"checked_in",
		"booked_hours",
	})
	for _, row := range rows {
		_ = writer.Write([]string{
			row.SpaceID,
			row.SiteID,
			row.Code,
			row.Name,
			strconv.FormatInt(row.Total, 10),
			strconv.FormatInt(row.Completed, 10),
			strconv.FormatInt(row.Cancelled, 10),
			strconv.FormatInt(row.Expired, 10),
			strconv.FormatInt(row.CheckedIn, 10),
			strconv.FormatFloat(row.BookedHrs, 'f', 2, 64),
		})
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReservationXLSX renders the reservation report as a workbook.
func BuildReservationXLSX(window reports.Window, rows []reports.ReservationRow) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "reservations"
	f.SetSheetName("Sheet1", sheet)

	_ = f.SetCellValue(sheet, "A1", "Reservation Report")
	_ = f.SetCellValue(sheet, "A2", "From")
	_ = f.SetCellValue(sheet, "B2", window.From.Format(dayLayout))
	_ = f.SetCellValue(sheet, "A3", "To")
	_ = f.SetCellValue(sheet, "B3", window.To.Format(dayLayout))

	headers := []string{"Code", "Name", "Total", "Completed", "Cancelled", "Expired", "Checked In", "Booked Hours"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 5)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i, row := range rows {
		line := i + 6
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", line), row.Code)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", line), row.Name)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", line), row.Total)
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", line), row.Completed)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", line), row.Cancelled)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", line), row.Expired)
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", line), row.CheckedIn)
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", line), row.BookedHrs)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildReservationPDF renders the reservation report as a minimal PDF.
func BuildReservationPDF(window reports.Window, rows []reports.ReservationRow) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Reservation Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("From: %s", window.From.Format(dayLayout)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("To: %s", window.To.Format(dayLayout)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(22, 6, "Code", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Name", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Total", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Completed", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Cancelled", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Expired", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Hours", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, row := range rows {
		pdf.CellFormat(22, 6, row.Code, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, row.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(20, 6, strconv.FormatInt(row.Total, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, strconv.FormatInt(row.Completed, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, strconv.FormatInt(row.Cancelled, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, strconv.FormatInt(row.Expired, 10), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, strconv.FormatFloat(row.BookedHrs, 'f', 2, 64), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
