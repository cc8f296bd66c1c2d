package registry

import "testing"

func TestNormalizeEUI(t *testing.T) {
	cases := map[string]string{
		"A1B2C3D4E5F60708":        "a1b2c3d4e5f60708",
		"a1:b2:c3:d4:e5:f6:07:08": "a1b2c3d4e5f60708",
		"a1-b2-c3-d4-e5-f6-07-08": "a1b2c3d4e5f60708",
		" a1b2c3d4e5f60708 ":      "a1b2c3d4e5f60708",
	}
	for input, want := range cases {
		got := NormalizeEUI(input)
		if got != want {
			t.Fatalf("NormalizeEUI(%q) = %q, want %q", input, got, want)
		}
		if !ValidEUI(got) {
			t.Fatalf("normalized EUI %q not valid", got)
		}
	}
}

func TestValidEUI(t *testing.T) {
	for _, bad := range []string{"", "xyz", "a1b2c3d4e5f607", "A1B2C3D4E5F60708", "a1b2c3d4e5f6070809"} {
		if ValidEUI(bad) {
			t.Fatalf("ValidEUI(%q) = true", bad)
		}
	}
}

func TestDeviceValidate(t *testing.T) {
	device := &Device{
		TenantID: "tenant-1",
		Kind:     KindSensor,
		DevEUI:   "a1b2c3d4e5f60708",
	}
	if err := device.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := *device
	bad.Kind = "gateway"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invalid kind rejected")
	}

	bad = *device
	bad.DevEUI = "not-an-eui"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected invalid eui rejected")
	}

	bad = *device
	bad.TenantID = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected empty tenant rejected")
	}
}
