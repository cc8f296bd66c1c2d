package application

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	downlink "parkgrid-cloud/internal/downlink/domain"
)

type fakeQueue struct {
	pending  []*downlink.Command
	sent     []string
	failed   []string
	abandons []string
}

func (f *fakeQueue) ClaimNext(ctx context.Context, now time.Time) (*downlink.Command, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	cmd := f.pending[0]
	f.pending = f.pending[1:]
	cmd.Attempts++
	cmd.Status = downlink.StatusSending
	return cmd, nil
}

func (f *fakeQueue) MarkSent(ctx context.Context, commandID string) error {
	f.sent = append(f.sent, commandID)
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, commandID string, attempts int, sendErr error, now time.Time) error {
	if attempts >= downlink.MaxAttempts {
		f.abandons = append(f.abandons, commandID)
	} else {
		f.failed = append(f.failed, commandID)
	}
	return nil
}

func (f *fakeQueue) ReleaseStuckSending(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

func (f *fakeQueue) Depth(ctx context.Context) (int, error) {
	return len(f.pending), nil
}

type fakeSender struct {
	failures int
	calls    int
	euis     []string
}

func (f *fakeSender) Send(ctx context.Context, cmd *downlink.Command) error {
	f.calls++
	f.euis = append(f.euis, cmd.DevEUI)
	if f.failures > 0 {
		f.failures--
		return errors.New("network server unavailable")
	}
	return nil
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(testWriter{t}, "", 0)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func queuedCommand(id string) *downlink.Command {
	return &downlink.Command{
		ID:          id,
		TenantID:    "tenant-1",
		DeviceID:    "device-1",
		DevEUI:      "a1b2c3d4e5f60708",
		CommandType: downlink.CommandTypeDisplay,
		Payload:     []byte(`{"color":"green"}`),
		Priority:    downlink.PriorityNormal,
		Status:      downlink.StatusQueued,
	}
}

func TestDispatchOnce_SendsQueuedCommands(t *testing.T) {
	queue := &fakeQueue{pending: []*downlink.Command{queuedCommand("cmd-1"), queuedCommand("cmd-2")}}
	sender := &fakeSender{}
	d, err := NewDispatcher(queue, sender, time.Second, testLogger(t))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	attempted := d.DispatchOnce(context.Background())
	if attempted != 2 {
		t.Fatalf("attempted = %d, want 2", attempted)
	}
	if len(queue.sent) != 2 {
		t.Fatalf("sent = %v", queue.sent)
	}
	if sender.calls != 2 {
		t.Fatalf("sender calls = %d", sender.calls)
	}
}

func TestDispatchOnce_FailureRequeues(t *testing.T) {
	queue := &fakeQueue{pending: []*downlink.Command{queuedCommand("cmd-1")}}
	sender := &fakeSender{failures: 1}
	d, err := NewDispatcher(queue, sender, time.Second, testLogger(t))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	d.DispatchOnce(context.Background())
	if len(queue.failed) != 1 || queue.failed[0] != "cmd-1" {
		t.Fatalf("failed = %v", queue.failed)
	}
	if len(queue.abandons) != 0 {
		t.Fatalf("abandoned too early: %v", queue.abandons)
	}
}

func TestDispatchOnce_ExhaustedRetriesAbandon(t *testing.T) {
	cmd := queuedCommand("cmd-1")
	cmd.Attempts = downlink.MaxAttempts - 1
	queue := &fakeQueue{pending: []*downlink.Command{cmd}}
	sender := &fakeSender{failures: 1}
	d, err := NewDispatcher(queue, sender, time.Second, testLogger(t))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	d.DispatchOnce(context.Background())
	if len(queue.abandons) != 1 || queue.abandons[0] != "cmd-1" {
		t.Fatalf("abandons = %v", queue.abandons)
	}
	if len(queue.failed) != 0 {
		t.Fatalf("requeued an exhausted command: %v", queue.failed)
	}
}
