package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"parkgrid-cloud/internal/audit"
	"parkgrid-cloud/internal/auth"
	"parkgrid-cloud/internal/observability/metrics"
	resapp "parkgrid-cloud/internal/reservations/application"
	reservations "parkgrid-cloud/internal/reservations/domain"
	"parkgrid-cloud/internal/tenancy"
)

// Handler provides reservation endpoints under /api/v1/reservations.
type Handler struct {
	service     *resapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *resapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("reservations handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

type reservationResponse struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	SpaceID            string     `json:"space_id"`
	RequestID          string     `json:"request_id,omitempty"`
	RequesterEmail     string     `json:"requester_email,omitempty"`
	RequesterName      string     `json:"requester_name,omitempty"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            time.Time  `json:"end_time"`
	Status             string     `json:"status"`
	CheckedIn          bool       `json:"checked_in"`
	CheckedInAt        *time.Time `json:"checked_in_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func toReservationResponse(res *reservations.Reservation) reservationResponse {
	return reservationResponse{
		ID:                 res.ID,
		TenantID:           res.TenantID,
		SpaceID:            res.SpaceID,
		RequestID:          res.RequestID,
		RequesterEmail:     res.RequesterEmail,
		RequesterName:      res.RequesterName,
		StartTime:          res.StartTime,
		EndTime:            res.EndTime,
		Status:             res.Status,
		CheckedIn:          res.CheckedIn,
		CheckedInAt:        res.CheckedInAt,
		CancelledAt:        res.CancelledAt,
		CancelledBy:        res.CancelledBy,
		CancellationReason: res.CancellationReason,
		Notes:              res.Notes,
		CreatedAt:          res.CreatedAt,
	}
}

// ServeHTTP routes /api/v1/reservations and /api/v1/reservations/{id}[/cancel|/checkin].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/reservations"), "/")
	if rest == "" {
		switch r.Method {
		case http.MethodPost:
			h.handleCreate(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleGet(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r, id)
	case action == "checkin" && r.Method == http.MethodPost:
		h.handleCheckIn(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req resapp.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	result, err := h.service.Create(r.Context(), scope, req)
	if err != nil {
		respondError(w, err)
		return
	}
	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, toReservationResponse(result.Reservation))
	if result.Created {
		meta, _ := json.Marshal(map[string]any{
			"space_id": result.Reservation.SpaceID,
			"start":    result.Reservation.StartTime,
			"end":      result.Reservation.EndTime,
		})
		h.logAudit(r, result.Reservation.TenantID, "reservation.create", result.Reservation.ID, result.Reservation.SpaceID, meta)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	scope := tenancy.FromContext(r.Context())
	list, err := h.service.List(r.Context(), scope, r.URL.Query().Get("space_id"), r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]reservationResponse, 0, len(list))
	for i := range list {
		out = append(out, toReservationResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	scope := tenancy.FromContext(r.Context())
	res, err := h.service.Get(r.Context(), scope, id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	scope := tenancy.FromContext(r.Context())
	actor := auth.SubjectFromContext(r.Context())
	res, err := h.service.Cancel(r.Context(), scope, id, actor, req.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
	meta, _ := json.Marshal(map[string]any{"reason": req.Reason})
	h.logAudit(r, res.TenantID, "reservation.cancel", res.ID, res.SpaceID, meta)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request, id string) {
	scope := tenancy.FromContext(r.Context())
	res, err := h.service.CheckIn(r.Context(), scope, id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
	h.logAudit(r, res.TenantID, "reservation.checkin", res.ID, res.SpaceID, nil)
}

func (h *Handler) logAudit(r *http.Request, tenantID, action, resourceID, spaceID string, meta json.RawMessage) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "reservation",
		ResourceID:   resourceID,
		SpaceID:      spaceID,
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	var conflict *reservations.ConflictError
	var validation *reservations.ValidationError
	switch {
	case errors.As(err, &conflict):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":                 "reservation conflict",
			"space_id":              conflict.SpaceID,
			"competing_reservation": conflict.CompetingID,
		})
	case errors.As(err, &validation):
		http.Error(w, validation.Error(), http.StatusBadRequest)
	case errors.Is(err, reservations.ErrNotFound), errors.Is(err, tenancy.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, reservations.ErrNotActive):
		http.Error(w, "reservation is not active", http.StatusConflict)
	case errors.Is(err, tenancy.ErrTenantMismatch):
		metrics.IncTenantViolation()
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, tenancy.ErrEmptyScope):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
