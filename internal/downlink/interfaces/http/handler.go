package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parkgrid-cloud/internal/audit"
	"parkgrid-cloud/internal/auth"
	downlinkapp "parkgrid-cloud/internal/downlink/application"
	downlink "parkgrid-cloud/internal/downlink/domain"
	"parkgrid-cloud/internal/observability/metrics"
	registry "parkgrid-cloud/internal/registry/domain"
	"parkgrid-cloud/internal/tenancy"
)

// Handler provides downlink endpoints under /api/v1/downlinks.
type Handler struct {
	service     *downlinkapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *downlinkapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("downlink handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

type commandResponse struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	DeviceID      string          `json:"device_id"`
	DevEUI        string          `json:"dev_eui"`
	CommandType   string          `json:"command_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toCommandResponse(cmd *downlink.Command) commandResponse {
	return commandResponse{
		ID:            cmd.ID,
		TenantID:      cmd.TenantID,
		DeviceID:      cmd.DeviceID,
		DevEUI:        cmd.DevEUI,
		CommandType:   cmd.CommandType,
		Payload:       cmd.Payload,
		Priority:      cmd.Priority,
		Status:        cmd.Status,
		Attempts:      cmd.Attempts,
		LastError:     cmd.LastError,
		NextAttemptAt: cmd.NextAttemptAt,
		SentAt:        cmd.SentAt,
		DeliveredAt:   cmd.DeliveredAt,
		CreatedAt:     cmd.CreatedAt,
	}
}

// ServeHTTP routes /api/v1/downlinks, /api/v1/downlinks/abandoned, and
// /api/v1/downlinks/{id}/confirm.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/downlinks"), "/")
	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.handleEnqueue(w, r)
	case rest == "" && r.Method == http.MethodGet:
		h.handleHistory(w, r)
	case rest == "" && r.Method == http.MethodDelete:
		h.handleClear(w, r)
	case rest == "abandoned" && r.Method == http.MethodGet:
		h.handleAbandoned(w, r)
	case strings.HasSuffix(rest, "/confirm") && r.Method == http.MethodPost:
		h.handleConfirm(w, r, strings.TrimSuffix(rest, "/confirm"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req downlinkapp.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	cmd, err := h.service.Enqueue(r.Context(), scope, req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommandResponse(cmd))
	meta, _ := json.Marshal(map[string]any{"command_type": cmd.CommandType, "priority": cmd.Priority})
	h.logAudit(r, cmd.TenantID, "downlink.enqueue", cmd.ID, meta)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r)
	scope := tenancy.FromContext(r.Context())
	list, err := h.service.History(r.Context(), scope, deviceID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]commandResponse, 0, len(list))
	for i := range list {
		out = append(out, toCommandResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAbandoned(w http.ResponseWriter, r *http.Request) {
	scope := tenancy.FromContext(r.Context())
	list, err := h.service.Abandoned(r.Context(), scope, parseLimit(r))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]commandResponse, 0, len(list))
	for i := range list {
		out = append(out, toCommandResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id required", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	cleared, err := h.service.ClearQueue(r.Context(), scope, deviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
	meta, _ := json.Marshal(map[string]any{"device_id": deviceID, "cleared": cleared})
	h.logAudit(r, scope.TenantID, "downlink.clear", deviceID, meta)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request, commandID string) {
	scope := tenancy.FromContext(r.Context())
	cmd, err := h.service.Confirm(r.Context(), scope, commandID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommandResponse(cmd))
}

func parseLimit(r *http.Request) int {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func (h *Handler) logAudit(r *http.Request, tenantID, action, resourceID string, meta json.RawMessage) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "downlink",
		ResourceID:   resourceID,
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
	case errors.Is(err, downlink.ErrNotFound), errors.Is(err, registry.ErrNotFound), errors.Is(err, tenancy.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, tenancy.ErrTenantMismatch):
		metrics.IncTenantViolation()
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, tenancy.ErrEmptyScope):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, downlink.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
