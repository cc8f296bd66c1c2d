package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parkgrid-cloud/internal/audit"
	"parkgrid-cloud/internal/auth"
	"parkgrid-cloud/internal/observability/metrics"
	spacesapp "parkgrid-cloud/internal/spacestate/application"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
	"parkgrid-cloud/internal/tenancy"
)

// HistoryReader lists recorded state transitions.
type HistoryReader interface {
	ListBySpace(ctx context.Context, scope tenancy.Scope, spaceID string, limit int) ([]spacestate.StateChange, error)
}

// Handler provides space HTTP endpoints under /api/v1/spaces.
type Handler struct {
	service     *spacesapp.Service
	history     HistoryReader
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *spacesapp.Service, history HistoryReader, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("spaces handler: nil service")
	}
	return &Handler{service: service, history: history, auditLogger: auditLogger}, nil
}

type spaceResponse struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	SiteID             string     `json:"site_id"`
	Code               string     `json:"code"`
	Name               string     `json:"name"`
	Enabled            bool       `json:"enabled"`
	CurrentState       string     `json:"current_state"`
	SensorOccupied     *bool      `json:"sensor_occupied"`
	Maintenance        bool       `json:"maintenance"`
	MaintenanceReason  string     `json:"maintenance_reason,omitempty"`
	AutoReleaseMinutes int        `json:"auto_release_minutes,omitempty"`
	SensorDeviceID     string     `json:"sensor_device_id,omitempty"`
	DisplayDeviceID    string     `json:"display_device_id,omitempty"`
	StateChangedAt     *time.Time `json:"state_changed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toSpaceResponse(space *spacestate.Space) spaceResponse {
	resp := spaceResponse{
		ID:                 space.ID,
		TenantID:           space.TenantID,
		SiteID:             space.SiteID,
		Code:               space.Code,
		Name:               space.Name,
		Enabled:            space.Enabled,
		CurrentState:       string(space.CurrentState),
		SensorOccupied:     space.SensorOccupied,
		Maintenance:        space.Maintenance,
		MaintenanceReason:  space.MaintenanceReason,
		AutoReleaseMinutes: space.AutoReleaseMinutes,
		SensorDeviceID:     space.SensorDeviceID,
		DisplayDeviceID:    space.DisplayDeviceID,
		CreatedAt:          space.CreatedAt,
		UpdatedAt:          space.UpdatedAt,
	}
	if !space.StateChangedAt.IsZero() {
		t := space.StateChangedAt
		resp.StateChangedAt = &t
	}
	return resp
}

// ServeHTTP routes /api/v1/spaces and /api/v1/spaces/{id}[/override|/state|/history].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/spaces"), "/")
	if rest == "" {
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	spaceID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleGet(w, r, spaceID)
	case action == "" && r.Method == http.MethodDelete:
		h.handleDelete(w, r, spaceID)
	case action == "state" && r.Method == http.MethodGet:
		h.handleState(w, r, spaceID)
	case action == "override" && r.Method == http.MethodPost:
		h.handleOverride(w, r, spaceID)
	case action == "enabled" && r.Method == http.MethodPut:
		h.handleEnabled(w, r, spaceID)
	case action == "history" && r.Method == http.MethodGet:
		h.handleHistory(w, r, spaceID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	scope := tenancy.FromContext(r.Context())
	list, err := h.service.List(r.Context(), scope, r.URL.Query().Get("site_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]spaceResponse, 0, len(list))
	for i := range list {
		out = append(out, toSpaceResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req spacesapp.CreateSpaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	space, err := h.service.Create(r.Context(), scope, req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSpaceResponse(space))
	h.logAudit(r, space.TenantID, "space.create", space.ID, nil)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, spaceID string) {
	scope := tenancy.FromContext(r.Context())
	space, err := h.service.Get(r.Context(), scope, spaceID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSpaceResponse(space))
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request, spaceID string) {
	scope := tenancy.FromContext(r.Context())
	space, err := h.service.Get(r.Context(), scope, spaceID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"space_id":         space.ID,
		"current_state":    string(space.CurrentState),
		"state_changed_at": space.StateChangedAt,
	})
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request, spaceID string) {
	var req spacesapp.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	state, err := h.service.Override(r.Context(), scope, spaceID, req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"space_id":      spaceID,
		"current_state": string(state),
	})
	meta, _ := json.Marshal(map[string]any{"maintenance": req.Maintenance, "reason": req.Reason})
	h.logAudit(r, scope.TenantID, "space.override", spaceID, meta)
}

func (h *Handler) handleEnabled(w http.ResponseWriter, r *http.Request, spaceID string) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	state, err := h.service.SetEnabled(r.Context(), scope, spaceID, req.Enabled)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"space_id":      spaceID,
		"enabled":       req.Enabled,
		"current_state": string(state),
	})
	meta, _ := json.Marshal(map[string]any{"enabled": req.Enabled})
	h.logAudit(r, scope.TenantID, "space.enabled", spaceID, meta)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, spaceID string) {
	scope := tenancy.FromContext(r.Context())
	if err := h.service.Delete(r.Context(), scope, spaceID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logAudit(r, scope.TenantID, "space.delete", spaceID, nil)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, spaceID string) {
	if h.history == nil {
		http.Error(w, "history unavailable", http.StatusNotFound)
		return
	}
	limit := 0
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	scope := tenancy.FromContext(r.Context())
	changes, err := h.history.ListBySpace(r.Context(), scope, spaceID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	type changeResponse struct {
		ID            int64     `json:"id"`
		SpaceID       string    `json:"space_id"`
		PreviousState string    `json:"previous_state"`
		NewState      string    `json:"new_state"`
		Source        string    `json:"source"`
		RequestID     string    `json:"request_id,omitempty"`
		ChangedAt     time.Time `json:"changed_at"`
	}
	out := make([]changeResponse, 0, len(changes))
	for _, change := range changes {
		out = append(out, changeResponse{
			ID:            change.ID,
			SpaceID:       change.SpaceID,
			PreviousState: string(change.PreviousState),
			NewState:      string(change.NewState),
			Source:        change.Source,
			RequestID:     change.RequestID,
			ChangedAt:     change.ChangedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) logAudit(r *http.Request, tenantID, action, spaceID string, meta json.RawMessage) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "space",
		ResourceID:   spaceID,
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
	switch {
	case errors.Is(err, spacestate.ErrNotFound), errors.Is(err, tenancy.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, tenancy.ErrTenantMismatch):
		metrics.IncTenantViolation()
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, spacestate.ErrDuplicateCode):
		http.Error(w, "space code already exists", http.StatusConflict)
	case errors.Is(err, spacestate.ErrHasActiveReservations):
		http.Error(w, "space has active reservations", http.StatusConflict)
	case errors.Is(err, spacestate.ErrContention):
		http.Error(w, "state contention, retry", http.StatusConflict)
	case errors.Is(err, tenancy.ErrEmptyScope):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, spacestate.ErrInvalidInput), errors.Is(err, spacestate.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
