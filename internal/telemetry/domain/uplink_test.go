package telemetry

import (
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
)

func uplinkBody(devEUI string, fcnt int, data []byte) []byte {
	return []byte(fmt.Sprintf(
		`{"time":"2025-06-01T12:00:00Z","deviceInfo":{"devEui":"%s"},"fCnt":%d,"data":"%s","rxInfo":[{"rssi":-97,"snr":7.5}]}`,
		devEUI, fcnt, base64.StdEncoding.EncodeToString(data),
	))
}

func TestParseUplink_PayloadByte(t *testing.T) {
	uplink, err := ParseUplink(uplinkBody("A1B2C3D4E5F60708", 5, []byte{0x01, 0x42}))
	if err != nil {
		t.Fatalf("ParseUplink: %v", err)
	}
	if uplink.DevEUI != "a1b2c3d4e5f60708" {
		t.Fatalf("dev_eui = %s", uplink.DevEUI)
	}
	if uplink.Fcnt != 5 {
		t.Fatalf("fcnt = %d", uplink.Fcnt)
	}
	if !uplink.Occupied {
		t.Fatal("expected occupied")
	}
	if uplink.RSSI != -97 || uplink.SNR != 7.5 {
		t.Fatalf("radio = %v/%v", uplink.RSSI, uplink.SNR)
	}
	if uplink.ReceivedAt.IsZero() {
		t.Fatal("received_at not set")
	}

	uplink, err = ParseUplink(uplinkBody("a1b2c3d4e5f60708", 6, []byte{0x00}))
	if err != nil {
		t.Fatalf("ParseUplink: %v", err)
	}
	if uplink.Occupied {
		t.Fatal("expected free")
	}
}

func TestParseUplink_DecodedObjectWins(t *testing.T) {
	body := []byte(`{"deviceInfo":{"devEui":"a1b2c3d4e5f60708"},"fCnt":9,"data":"AA==","object":{"occupied":true}}`)
	uplink, err := ParseUplink(body)
	if err != nil {
		t.Fatalf("ParseUplink: %v", err)
	}
	if !uplink.Occupied {
		t.Fatal("decoded object must win over raw byte")
	}
}

func TestParseUplink_Malformed(t *testing.T) {
	cases := [][]byte{
		[]byte(`{broken`),
		[]byte(`{"deviceInfo":{"devEui":""},"fCnt":1,"data":"AQ=="}`),
		[]byte(`{"deviceInfo":{"devEui":"a1b2c3d4e5f60708"},"data":"AQ=="}`),
		[]byte(`{"deviceInfo":{"devEui":"a1b2c3d4e5f60708"},"fCnt":-1,"data":"AQ=="}`),
		[]byte(`{"deviceInfo":{"devEui":"a1b2c3d4e5f60708"},"fCnt":1}`),
		[]byte(`{"deviceInfo":{"devEui":"a1b2c3d4e5f60708"},"fCnt":1,"data":"!!!"}`),
	}
	for _, body := range cases {
		if _, err := ParseUplink(body); !errors.Is(err, ErrMalformedUplink) {
			t.Fatalf("body %s: err = %v, want ErrMalformedUplink", body, err)
		}
	}
}

func TestParseJoin(t *testing.T) {
	event, err := ParseJoin([]byte(`{"time":"2025-06-01T12:00:00Z","deviceInfo":{"devEui":"A1B2C3D4E5F60708"}}`))
	if err != nil {
		t.Fatalf("ParseJoin: %v", err)
	}
	if event.DevEUI != "a1b2c3d4e5f60708" {
		t.Fatalf("dev_eui = %s", event.DevEUI)
	}
	if _, err := ParseJoin([]byte(`{"deviceInfo":{"devEui":"nope"}}`)); !errors.Is(err, ErrMalformedUplink) {
		t.Fatalf("err = %v", err)
	}
}
