package downlink

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()
	cases := map[string]DisplayRule{
		"free":        {Color: "green", Pattern: "solid"},
		"occupied":    {Color: "red", Pattern: "solid"},
		"reserved":    {Color: "blue", Pattern: "blink"},
		"maintenance": {Color: "orange", Pattern: "solid"},
		"unknown":     {Color: "yellow", Pattern: "slow_blink"},
	}
	for state, want := range cases {
		got := policy.RuleFor(state)
		if got != want {
			t.Fatalf("RuleFor(%s) = %+v, want %+v", state, got, want)
		}
	}
}

func TestRuleFor_UnknownStateFallsBack(t *testing.T) {
	policy := DefaultPolicy()
	if got := policy.RuleFor("nonsense"); got != policy.States["unknown"] {
		t.Fatalf("fallback rule = %+v", got)
	}
}

func TestLoadPolicy_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "display.yaml")
	content := []byte("states:\n  reserved:\n    color: purple\n    pattern: blink\n  occupied:\n    color: crimson\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if got := policy.RuleFor("reserved"); got.Color != "purple" || got.Pattern != "blink" {
		t.Fatalf("reserved rule = %+v", got)
	}
	if got := policy.RuleFor("occupied"); got.Color != "crimson" || got.Pattern != "solid" {
		t.Fatalf("occupied rule should default pattern, got %+v", got)
	}
	if got := policy.RuleFor("free"); got.Color != "green" {
		t.Fatalf("untouched state changed: %+v", got)
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	if _, err := LoadPolicy("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBackoff(t *testing.T) {
	if Backoff(1) >= Backoff(2) || Backoff(2) >= Backoff(3) {
		t.Fatal("backoff must grow with attempts")
	}
}

func TestCommandValidate(t *testing.T) {
	cmd := &Command{
		TenantID:    "tenant-1",
		DeviceID:    "device-1",
		CommandType: CommandTypeDisplay,
		Payload:     []byte(`{"color":"green"}`),
		Priority:    PriorityNormal,
	}
	if err := cmd.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := *cmd
	bad.Payload = []byte(`{broken`)
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invalid payload rejected")
	}

	bad = *cmd
	bad.Priority = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected out-of-range priority rejected")
	}
}
