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
	"parkgrid-cloud/internal/observability/metrics"
	registryapp "parkgrid-cloud/internal/registry/application"
	registry "parkgrid-cloud/internal/registry/domain"
	"parkgrid-cloud/internal/tenancy"
)

// Handler provides device registry endpoints under /api/v1/devices and
// /api/v1/orphans.
type Handler struct {
	service     *registryapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *registryapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("registry handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

type deviceResponse struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Kind            string     `json:"kind"`
	DevEUI          string     `json:"dev_eui"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	LifecycleState  string     `json:"lifecycle_state"`
	AssignedSpaceID string     `json:"assigned_space_id,omitempty"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	LastFcnt        *int64     `json:"last_fcnt,omitempty"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toDeviceResponse(device *registry.Device) deviceResponse {
	return deviceResponse{
		ID:              device.ID,
		TenantID:        device.TenantID,
		Kind:            string(device.Kind),
		DevEUI:          device.DevEUI,
		Name:            device.Name,
		Status:          device.Status,
		LifecycleState:  device.LifecycleState,
		AssignedSpaceID: device.AssignedSpaceID,
		AssignedAt:      device.AssignedAt,
		LastFcnt:        device.LastFcnt,
		LastSeenAt:      device.LastSeenAt,
		CreatedAt:       device.CreatedAt,
		UpdatedAt:       device.UpdatedAt,
	}
}

// ServeHTTP routes device and orphan endpoints.
//
//	GET  /api/v1/devices/{kind}
//	POST /api/v1/devices
//	GET  /api/v1/devices/{kind}/{id}
//	POST /api/v1/devices/{kind}/{id}/assign
//	POST /api/v1/devices/{kind}/{id}/unassign
//	GET  /api/v1/devices/{kind}/{id}/history
//	GET  /api/v1/orphans
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/v1/orphans") {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleOrphans(w, r)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/devices"), "/")
	if rest == "" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRegister(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	if !registry.ValidKind(parts[0]) {
		http.Error(w, "unknown device kind", http.StatusNotFound)
		return
	}
	kind := registry.Kind(parts[0])

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleList(w, r, kind)
	case len(parts) == 2 && r.Method == http.MethodGet:
		h.handleGet(w, r, kind, parts[1])
	case len(parts) == 3 && parts[2] == "assign" && r.Method == http.MethodPost:
		h.handleAssign(w, r, kind, parts[1])
	case len(parts) == 3 && parts[2] == "unassign" && r.Method == http.MethodPost:
		h.handleUnassign(w, r, kind, parts[1])
	case len(parts) == 3 && parts[2] == "history" && r.Method == http.MethodGet:
		h.handleHistory(w, r, kind, parts[1])
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registryapp.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	device, err := h.service.Register(r.Context(), scope, req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeviceResponse(device))
	h.logAudit(r, device.TenantID, "device.register", device.ID, map[string]any{
		"kind": string(device.Kind), "dev_eui": device.DevEUI,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, kind registry.Kind) {
	scope := tenancy.FromContext(r.Context())
	list, err := h.service.List(r.Context(), scope, kind, r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]deviceResponse, 0, len(list))
	for i := range list {
		out = append(out, toDeviceResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, kind registry.Kind, deviceID string) {
	scope := tenancy.FromContext(r.Context())
	device, err := h.service.Get(r.Context(), scope, kind, deviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(device))
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request, kind registry.Kind, deviceID string) {
	var req registryapp.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	device, err := h.service.Assign(r.Context(), scope, kind, deviceID, req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(device))
	h.logAudit(r, device.TenantID, "device.assign", device.ID, map[string]any{
		"space_id": req.SpaceID, "reason": req.Reason,
	})
}

func (h *Handler) handleUnassign(w http.ResponseWriter, r *http.Request, kind registry.Kind, deviceID string) {
	var req registryapp.UnassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	scope := tenancy.FromContext(r.Context())
	device, err := h.service.Unassign(r.Context(), scope, kind, deviceID, req)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(device))
	h.logAudit(r, device.TenantID, "device.unassign", device.ID, map[string]any{
		"reason": req.Reason,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, kind registry.Kind, deviceID string) {
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
	history, err := h.service.History(r.Context(), scope, kind, deviceID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleOrphans(w http.ResponseWriter, r *http.Request) {
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
	orphans, err := h.service.Orphans(r.Context(), scope, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	type orphanResponse struct {
		DevEUI       string          `json:"dev_eui"`
		FirstSeen    time.Time       `json:"first_seen"`
		LastSeen     time.Time       `json:"last_seen"`
		MessageCount int64           `json:"message_count"`
		LastPayload  json.RawMessage `json:"last_payload,omitempty"`
	}
	out := make([]orphanResponse, 0, len(orphans))
	for _, orphan := range orphans {
		out = append(out, orphanResponse{
			DevEUI:       orphan.DevEUI,
			FirstSeen:    orphan.FirstSeen,
			LastSeen:     orphan.LastSeen,
			MessageCount: orphan.MessageCount,
			LastPayload:  orphan.LastPayload,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) logAudit(r *http.Request, tenantID, action, resourceID string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	raw, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "device",
		ResourceID:   resourceID,
		Metadata:     raw,
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
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, tenancy.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, tenancy.ErrTenantMismatch):
		metrics.IncTenantViolation()
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, tenancy.ErrEmptyScope):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, registry.ErrDuplicateEUI),
		errors.Is(err, registry.ErrAlreadyAssigned),
		errors.Is(err, registry.ErrSpaceSlotTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, registry.ErrNotAssigned), errors.Is(err, registry.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
