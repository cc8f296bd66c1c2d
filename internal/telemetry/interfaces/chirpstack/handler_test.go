package chirpstack

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"parkgrid-cloud/internal/auth"
	registry "parkgrid-cloud/internal/registry/domain"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
	telapp "parkgrid-cloud/internal/telemetry/application"
	telemetry "parkgrid-cloud/internal/telemetry/domain"
)

type stubDeviceSource struct {
	device *registry.Device
	fcnt   int64
}

func (s *stubDeviceSource) GetByEUI(_ context.Context, devEUI string) (*registry.Device, error) {
	if s.device != nil && s.device.DevEUI == devEUI {
		clone := *s.device
		if s.fcnt > 0 {
			last := s.fcnt
			clone.LastFcnt = &last
		}
		return &clone, nil
	}
	return nil, nil
}

func (s *stubDeviceSource) AdvanceFcnt(_ context.Context, _ string, fcnt int64, _ time.Time) (bool, error) {
	if fcnt <= s.fcnt {
		return false, nil
	}
	s.fcnt = fcnt
	return true, nil
}

func (s *stubDeviceSource) MarkSeen(context.Context, string, time.Time) error { return nil }

type stubOrphanSink struct{ count int }

func (s *stubOrphanSink) Record(context.Context, string, json.RawMessage, time.Time) error {
	s.count++
	return nil
}

type stubReadingStore struct {
	count int
	keys  map[string]struct{}
}

func (s *stubReadingStore) Insert(_ context.Context, reading *telemetry.Reading) (bool, error) {
	if s.keys == nil {
		s.keys = make(map[string]struct{})
	}
	key := fmt.Sprintf("%s/%d", reading.DeviceID, reading.Fcnt)
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = struct{}{}
	s.count++
	return true, nil
}

type stubSpaceUpdater struct{ calls int }

func (s *stubSpaceUpdater) RecordSensorState(context.Context, string, bool, time.Time) (spacestate.State, error) {
	s.calls++
	return spacestate.StateOccupied, nil
}

func newTestHandler(t *testing.T, devices *stubDeviceSource, orphans *stubOrphanSink, spaces *stubSpaceUpdater) *Handler {
	t.Helper()
	logger := log.New(testWriter{t}, "", 0)
	ingestor, err := telapp.NewIngestor(devices, orphans, &stubReadingStore{}, spaces, nil, logger)
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	handler, err := NewHandler(ingestor, logger)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return handler
}

func uplinkBody(devEUI string, fcnt int64) []byte {
	data := base64.StdEncoding.EncodeToString([]byte{0x01})
	return []byte(fmt.Sprintf(`{"deviceInfo":{"devEui":%q},"fCnt":%d,"data":%q}`, devEUI, fcnt, data))
}

func postEvent(t *testing.T, handler http.Handler, event string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/chirpstack?event="+event, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload["status"]
}

func TestWebhookUplinkProcessed(t *testing.T) {
	devices := &stubDeviceSource{device: &registry.Device{ID: "dev-1", TenantID: "tenant-1", DevEUI: "a81758fffe030001", AssignedSpaceID: "space-1"}}
	spaces := &stubSpaceUpdater{}
	handler := newTestHandler(t, devices, &stubOrphanSink{}, spaces)

	rec := postEvent(t, handler, "up", uplinkBody("a81758fffe030001", 3))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeStatus(t, rec); got != string(telapp.OutcomeProcessed) {
		t.Fatalf("status body = %s, want processed", got)
	}
	if spaces.calls != 1 {
		t.Fatalf("space not updated")
	}
}

func TestWebhookDuplicateFrameAcked(t *testing.T) {
	devices := &stubDeviceSource{device: &registry.Device{ID: "dev-1", TenantID: "tenant-1", DevEUI: "a81758fffe030001", AssignedSpaceID: "space-1"}}
	spaces := &stubSpaceUpdater{}
	handler := newTestHandler(t, devices, &stubOrphanSink{}, spaces)

	body := uplinkBody("a81758fffe030001", 5)
	if rec := postEvent(t, handler, "up", body); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rec.Code)
	}
	rec := postEvent(t, handler, "up", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rec.Code)
	}
	if got := decodeStatus(t, rec); got != string(telapp.OutcomeDuplicate) {
		t.Fatalf("status body = %s, want duplicate", got)
	}
}

func TestWebhookOrphanAcked(t *testing.T) {
	orphans := &stubOrphanSink{}
	handler := newTestHandler(t, &stubDeviceSource{}, orphans, &stubSpaceUpdater{})

	rec := postEvent(t, handler, "up", uplinkBody("ffffffffffffffff", 1))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if orphans.count != 1 {
		t.Fatalf("orphan not recorded")
	}
}

func TestWebhookMalformedRejected(t *testing.T) {
	handler := newTestHandler(t, &stubDeviceSource{}, &stubOrphanSink{}, &stubSpaceUpdater{})

	rec := postEvent(t, handler, "up", []byte(`{"deviceInfo":{"devEui":"short"}}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookUnknownEventIgnored(t *testing.T) {
	handler := newTestHandler(t, &stubDeviceSource{}, &stubOrphanSink{}, &stubSpaceUpdater{})

	rec := postEvent(t, handler, "ack", []byte(`{}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decodeStatus(t, rec); got != string(telapp.OutcomeIgnored) {
		t.Fatalf("status body = %s, want ignored", got)
	}
}

func TestWebhookSignatureEnforcement(t *testing.T) {
	devices := &stubDeviceSource{device: &registry.Device{ID: "dev-1", TenantID: "tenant-1", DevEUI: "a81758fffe030001"}}
	handler := newTestHandler(t, devices, &stubOrphanSink{}, &stubSpaceUpdater{})

	secret := []byte("webhook-secret")
	wrapped := auth.NewWebhookAuthMiddleware(secret, nil).Wrap(handler)
	body := uplinkBody("a81758fffe030001", 1)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/chirpstack?event=up", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/chirpstack?event=up", bytes.NewReader(body))
	req.Header.Set("X-Signature", auth.ComputeWebhookSignature(secret, body))
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed request status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/chirpstack?event=up", bytes.NewReader(body))
	req.Header.Set("X-Signature", auth.ComputeWebhookSignature([]byte("wrong"), body))
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("badly signed request status = %d, want 401", rec.Code)
	}
}

type stubBacklog struct {
	backlog int
	err     error
}

func (s *stubBacklog) Backlog() (int, error) { return s.backlog, s.err }

func TestHealthHandlerReportsBacklog(t *testing.T) {
	handler := NewHealthHandler(&stubBacklog{backlog: 3})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", resp["status"])
	}
	if got := resp["spool_backlog"]; got != float64(3) {
		t.Fatalf("spool_backlog = %v, want 3", got)
	}
}

func TestHealthHandlerSpoolDisabled(t *testing.T) {
	handler := NewHealthHandler(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["spool"] != "disabled" {
		t.Fatalf("spool field = %v, want disabled", resp["spool"])
	}
}

func TestHealthHandlerBacklogError(t *testing.T) {
	handler := NewHealthHandler(&stubBacklog{err: fmt.Errorf("unreadable dir")})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/health", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
