package telemetry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	registry "parkgrid-cloud/internal/registry/domain"
)

// Uplink is one decoded sensor frame from the network server webhook.
type Uplink struct {
	DevEUI     string
	Fcnt       int64
	Occupied   bool
	RSSI       float64
	SNR        float64
	ReceivedAt time.Time
	Raw        json.RawMessage
}

type uplinkEnvelope struct {
	Time       string `json:"time"`
	DeviceInfo struct {
		DevEUI string `json:"devEui"`
	} `json:"deviceInfo"`
	FCnt   *int64          `json:"fCnt"`
	Data   string          `json:"data"`
	Object json.RawMessage `json:"object"`
	RxInfo []struct {
		RSSI float64 `json:"rssi"`
		SNR  float64 `json:"snr"`
	} `json:"rxInfo"`
}

// ErrMalformedUplink rejects a payload the parser cannot make sense of.
var ErrMalformedUplink = errors.New("telemetry: malformed uplink")

// ParseUplink decodes a ChirpStack-style uplink event. Occupancy comes from
// the decoded object when the codec ran on the network server, otherwise
// from the first raw payload byte.
func ParseUplink(raw []byte) (*Uplink, error) {
	var envelope uplinkEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, ErrMalformedUplink
	}
	devEUI := registry.NormalizeEUI(envelope.DeviceInfo.DevEUI)
	if !registry.ValidEUI(devEUI) {
		return nil, ErrMalformedUplink
	}
	if envelope.FCnt == nil || *envelope.FCnt < 0 {
		return nil, ErrMalformedUplink
	}

	uplink := &Uplink{
		DevEUI:     devEUI,
		Fcnt:       *envelope.FCnt,
		ReceivedAt: time.Now().UTC(),
		Raw:        append(json.RawMessage(nil), raw...),
	}
	if envelope.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, envelope.Time); err == nil {
			uplink.ReceivedAt = t.UTC()
		}
	}
	if len(envelope.RxInfo) > 0 {
		uplink.RSSI = envelope.RxInfo[0].RSSI
		uplink.SNR = envelope.RxInfo[0].SNR
	}

	occupied, err := decodeOccupancy(envelope)
	if err != nil {
		return nil, err
	}
	uplink.Occupied = occupied
	return uplink, nil
}

func decodeOccupancy(envelope uplinkEnvelope) (bool, error) {
	if len(envelope.Object) > 0 {
		var object struct {
			Occupied *bool `json:"occupied"`
		}
		if err := json.Unmarshal(envelope.Object, &object); err == nil && object.Occupied != nil {
			return *object.Occupied, nil
		}
	}
	if envelope.Data == "" {
		return false, ErrMalformedUplink
	}
	payload, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil || len(payload) == 0 {
		return false, ErrMalformedUplink
	}
	return payload[0] == 0x01, nil
}

// Reading is one accepted sensor observation.
type Reading struct {
	ID         string
	TenantID   string
	DeviceID   string
	DevEUI     string
	Fcnt       int64
	Occupied   bool
	RSSI       float64
	SNR        float64
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// JoinEvent is a device join notification, used only to refresh liveness.
type JoinEvent struct {
	DevEUI     string
	ReceivedAt time.Time
}

// ParseJoin decodes a join event.
func ParseJoin(raw []byte) (*JoinEvent, error) {
	var envelope struct {
		Time       string `json:"time"`
		DeviceInfo struct {
			DevEUI string `json:"devEui"`
		} `json:"deviceInfo"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, ErrMalformedUplink
	}
	devEUI := registry.NormalizeEUI(envelope.DeviceInfo.DevEUI)
	if !registry.ValidEUI(devEUI) {
		return nil, ErrMalformedUplink
	}
	event := &JoinEvent{DevEUI: devEUI, ReceivedAt: time.Now().UTC()}
	if envelope.Time != "" {
		if t, err := time.Parse(time.RFC3339Nano, envelope.Time); err == nil {
			event.ReceivedAt = t.UTC()
		}
	}
	return event, nil
}
