package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	reports "parkgrid-cloud/internal/reports/domain"
	"parkgrid-cloud/internal/tenancy"
)

// ReportSource runs the aggregate queries behind the exports.
type ReportSource interface {
	Occupancy(ctx context.Context, scope tenancy.Scope, siteID string, window reports.Window) ([]reports.OccupancyRow, error)
	Reservations(ctx context.Context, scope tenancy.Scope, siteID string, window reports.Window) ([]reports.ReservationRow, error)
}

// Handler serves operator report exports under /api/v1/reports.
type Handler struct {
	source ReportSource
}

// NewHandler constructs a report handler.
func NewHandler(source ReportSource) (*Handler, error) {
	if source == nil {
		return nil, errors.New("reports handler: nil source")
	}
	return &Handler{source: source}, nil
}

// ServeHTTP handles GET /api/v1/reports/{occupancy|reservations}.{csv|xlsx|pdf}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/reports"), "/")
	report, format, ok := strings.Cut(rest, ".")
	if !ok {
		http.Error(w, "unknown report", http.StatusNotFound)
		return
	}
	switch format {
	case "csv", "xlsx", "pdf":
	default:
		http.Error(w, "unsupported format", http.StatusBadRequest)
		return
	}

	window, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	siteID := r.URL.Query().Get("site_id")

	var payload []byte
	switch report {
	case "occupancy":
		rows, qErr := h.source.Occupancy(r.Context(), scope, siteID, window)
		if qErr != nil {
			h.respondQueryError(w, qErr)
			return
		}
		payload, err = renderOccupancy(format, window, rows)
	case "reservations":
		rows, qErr := h.source.Reservations(r.Context(), scope, siteID, window)
		if qErr != nil {
			h.respondQueryError(w, qErr)
			return
		}
		payload, err = renderReservations(format, window, rows)
	default:
		http.Error(w, "unknown report", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "report render error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%s.%s",
		report, window.From.Format("20060102"), format))
	_, _ = w.Write(payload)
}

func (h *Handler) respondQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, tenancy.ErrEmptyScope) {
		http.Error(w, "tenant scope required", http.StatusForbidden)
		return
	}
	http.Error(w, "report query error", http.StatusInternalServerError)
}

func renderOccupancy(format string, window reports.Window, rows []reports.OccupancyRow) ([]byte, error) {
	switch format {
	case "csv":
		return BuildOccupancyCSV(window, rows)
	case "xlsx":
		return BuildOccupancyXLSX(window, rows)
	case "pdf":
		return BuildOccupancyPDF(window, rows)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

func renderReservations(format string, window reports.Window, rows []reports.ReservationRow) ([]byte, error) {
	switch format {
	case "csv":
		return BuildReservationCSV(window, rows)
	case "xlsx":
		return BuildReservationXLSX(window, rows)
	case "pdf":
		return BuildReservationPDF(window, rows)
	}
	return nil, fmt.Errorf("unsupported format %q", format)
}

func contentType(format string) string {
	switch format {
	case "csv":
		return "text/csv; charset=utf-8"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		return "application/pdf"
	}
	return "application/octet-stream"
}

func parseWindow(r *http.Request) (reports.Window, error) {
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		return reports.Window{}, err
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		return reports.Window{}, err
	}
	window := reports.Window{From: from, To: to}
	return window, window.Validate()
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", key)
	}
	return t.UTC(), nil
}
