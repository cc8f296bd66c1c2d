package chirpstack

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	telapp "parkgrid-cloud/internal/telemetry/application"
	telemetry "parkgrid-cloud/internal/telemetry/domain"
)

// Handler receives ChirpStack event webhooks on /webhooks/chirpstack.
// Signature verification happens upstream in the webhook auth middleware.
type Handler struct {
	ingestor *telapp.Ingestor
	logger   *log.Logger
}

// NewHandler constructs a webhook handler.
func NewHandler(ingestor *telapp.Ingestor, logger *log.Logger) (*Handler, error) {
	if ingestor == nil {
		return nil, errors.New("chirpstack handler: nil ingestor")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{ingestor: ingestor, logger: logger}, nil
}

// ServeHTTP handles POST /webhooks/chirpstack?event=up|join. Unknown event
// types are acknowledged and dropped so the network server never retries
// traffic we do not care about.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	event := r.URL.Query().Get("event")
	var outcome telapp.Outcome
	switch event {
	case "up":
		outcome, err = h.ingestor.IngestUplink(r.Context(), body)
	case "join":
		outcome, err = h.ingestor.IngestJoin(r.Context(), body)
	default:
		h.respond(w, http.StatusOK, telapp.OutcomeIgnored)
		return
	}

	if err != nil {
		if errors.Is(err, telemetry.ErrMalformedUplink) {
			http.Error(w, "malformed event payload", http.StatusBadRequest)
			return
		}
		// Processing failed and nothing was spooled; let the network
		// server retry delivery.
		h.logger.Printf("chirpstack webhook: event=%s: %v", event, err)
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}
	h.respond(w, http.StatusOK, outcome)
}

func (h *Handler) respond(w http.ResponseWriter, status int, outcome telapp.Outcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": string(outcome)})
}

// BacklogCounter reports how many spooled payloads await replay.
type BacklogCounter interface {
	Backlog() (int, error)
}

// HealthHandler serves GET /webhooks/health with the spool backlog so the
// network server operator can see whether uplinks are piling up on disk.
type HealthHandler struct {
	spool BacklogCounter
}

// NewHealthHandler constructs a health handler. A nil spool reports the
// spool as disabled.
func NewHealthHandler(spool BacklogCounter) *HealthHandler {
	return &HealthHandler{spool: spool}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{"status": "ok"}
	if h.spool == nil {
		resp["spool"] = "disabled"
	} else {
		backlog, err := h.spool.Backlog()
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		resp["spool_backlog"] = backlog
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
