package application

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"parkgrid-cloud/internal/observability/metrics"
	registry "parkgrid-cloud/internal/registry/domain"
	spacestate "parkgrid-cloud/internal/spacestate/domain"
	telemetry "parkgrid-cloud/internal/telemetry/domain"
)

// Outcome classifies what the ingestor did with one uplink.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeOrphan     Outcome = "orphan"
	OutcomeUnassigned Outcome = "unassigned"
	OutcomeSpooled    Outcome = "spooled"
	OutcomeIgnored    Outcome = "ignored"
)

// DeviceSource resolves sensor devices and advances their frame counter.
type DeviceSource interface {
	GetByEUI(ctx context.Context, devEUI string) (*registry.Device, error)
	AdvanceFcnt(ctx context.Context, deviceID string, fcnt int64, seenAt time.Time) (bool, error)
	MarkSeen(ctx context.Context, deviceID string, at time.Time) error
}

// OrphanSink records uplinks from devices nobody registered.
type OrphanSink interface {
	Record(ctx context.Context, devEUI string, payload json.RawMessage, at time.Time) error
}

// ReadingStore persists accepted observations. Insert reports false when a
// reading for the same device and frame counter already exists.
type ReadingStore interface {
	Insert(ctx context.Context, reading *telemetry.Reading) (bool, error)
}

// SpaceUpdater applies a sensor observation to the assigned space.
type SpaceUpdater interface {
	RecordSensorState(ctx context.Context, spaceID string, occupied bool, at time.Time) (spacestate.State, error)
}

// Spooler keeps raw payloads that could not be processed.
type Spooler interface {
	Write(devEUI string, raw []byte) error
}

// Ingestor turns webhook payloads into readings and space updates.
type Ingestor struct {
	devices  DeviceSource
	orphans  OrphanSink
	readings ReadingStore
	spaces   SpaceUpdater
	spool    Spooler
	logger   *log.Logger
}

// NewIngestor constructs an ingestor.
func NewIngestor(devices DeviceSource, orphans OrphanSink, readings ReadingStore, spaces SpaceUpdater, spool Spooler, logger *log.Logger) (*Ingestor, error) {
	if devices == nil {
		return nil, errors.New("telemetry ingestor: nil device source")
	}
	if orphans == nil {
		return nil, errors.New("telemetry ingestor: nil orphan sink")
	}
	if readings == nil {
		return nil, errors.New("telemetry ingestor: nil reading store")
	}
	if spaces == nil {
		return nil, errors.New("telemetry ingestor: nil space updater")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{
		devices:  devices,
		orphans:  orphans,
		readings: readings,
		spaces:   spaces,
		spool:    spool,
		logger:   logger,
	}, nil
}

// IngestUplink processes one uplink event payload. Malformed payloads are the
// only hard failure; everything past parsing resolves to an Outcome so the
// webhook can always be acknowledged.
func (i *Ingestor) IngestUplink(ctx context.Context, raw []byte) (Outcome, error) {
	started := time.Now()
	outcome, err := i.ingestUplink(ctx, raw)
	metrics.ObserveUplink(err, time.Since(started))
	return outcome, err
}

func (i *Ingestor) ingestUplink(ctx context.Context, raw []byte) (Outcome, error) {
	uplink, err := telemetry.ParseUplink(raw)
	if err != nil {
		metrics.IncUplinkError("malformed")
		return OutcomeIgnored, err
	}

	device, err := i.devices.GetByEUI(ctx, uplink.DevEUI)
	if err != nil {
		return i.spoolUplink(uplink, raw, err)
	}
	if device == nil {
		if err := i.orphans.Record(ctx, uplink.DevEUI, uplink.Raw, uplink.ReceivedAt); err != nil {
			i.logger.Printf("telemetry: orphan record dev_eui=%s: %v", uplink.DevEUI, err)
		}
		metrics.IncOrphanUplink()
		return OutcomeOrphan, nil
	}

	accepted, err := i.devices.AdvanceFcnt(ctx, device.ID, uplink.Fcnt, uplink.ReceivedAt)
	if err != nil {
		return i.spoolUplink(uplink, raw, err)
	}
	if !accepted {
		return i.ingestRejected(ctx, uplink, raw)
	}
	return i.applyAccepted(ctx, device, uplink, raw)
}

// ingestRejected handles a frame the counter CAS refused. Usually that is a
// replayed delivery, but it is also how a spooled payload comes back after
// the counter advanced and the writes behind it failed: in that case the
// stored counter still equals this frame and no reading exists for it, so
// the write side is finished here instead of being dropped.
func (i *Ingestor) ingestRejected(ctx context.Context, uplink *telemetry.Uplink, raw []byte) (Outcome, error) {
	device, err := i.devices.GetByEUI(ctx, uplink.DevEUI)
	if err == nil && device != nil && device.LastFcnt != nil && *device.LastFcnt == uplink.Fcnt {
		return i.applyAccepted(ctx, device, uplink, raw)
	}
	metrics.IncDuplicateFrame()
	return OutcomeDuplicate, nil
}

// applyAccepted persists the reading and applies the observation to the
// assigned space. Any storage failure spools the raw payload so the frame
// survives the outage; the reading insert is idempotent per (device, fcnt),
// so replaying after a partial failure never double-records.
func (i *Ingestor) applyAccepted(ctx context.Context, device *registry.Device, uplink *telemetry.Uplink, raw []byte) (Outcome, error) {
	reading := &telemetry.Reading{
		TenantID:   device.TenantID,
		DeviceID:   device.ID,
		DevEUI:     uplink.DevEUI,
		Fcnt:       uplink.Fcnt,
		Occupied:   uplink.Occupied,
		RSSI:       uplink.RSSI,
		SNR:        uplink.SNR,
		Raw:        uplink.Raw,
		ReceivedAt: uplink.ReceivedAt,
	}
	inserted, err := i.readings.Insert(ctx, reading)
	if err != nil {
		return i.spoolUplink(uplink, raw, err)
	}

	if device.AssignedSpaceID == "" {
		if !inserted {
			metrics.IncDuplicateFrame()
			return OutcomeDuplicate, nil
		}
		return OutcomeUnassigned, nil
	}
	if _, err := i.spaces.RecordSensorState(ctx, device.AssignedSpaceID, uplink.Occupied, uplink.ReceivedAt); err != nil {
		return i.spoolUplink(uplink, raw, err)
	}
	if !inserted {
		// Redelivery of the newest frame. The recompute above re-derived
		// the same state without writing anything, so nothing changed.
		metrics.IncDuplicateFrame()
		return OutcomeDuplicate, nil
	}
	return OutcomeProcessed, nil
}

func (i *Ingestor) spoolUplink(uplink *telemetry.Uplink, raw []byte, cause error) (Outcome, error) {
	if i.spool == nil {
		return OutcomeIgnored, cause
	}
	if err := i.spool.Write(uplink.DevEUI, raw); err != nil {
		i.logger.Printf("telemetry: spool write dev_eui=%s: %v (original: %v)", uplink.DevEUI, err, cause)
		metrics.IncUplinkError("spool_write")
		return OutcomeIgnored, cause
	}
	i.logger.Printf("telemetry: spooled dev_eui=%s fcnt=%d: %v", uplink.DevEUI, uplink.Fcnt, cause)
	metrics.IncSpooledUplink()
	return OutcomeSpooled, nil
}

// IngestJoin refreshes device liveness from a join event. Joins from unknown
// devices land in the orphan log like uplinks do.
func (i *Ingestor) IngestJoin(ctx context.Context, raw []byte) (Outcome, error) {
	event, err := telemetry.ParseJoin(raw)
	if err != nil {
		return OutcomeIgnored, err
	}

	device, err := i.devices.GetByEUI(ctx, event.DevEUI)
	if err != nil {
		return OutcomeIgnored, err
	}
	if device == nil {
		if err := i.orphans.Record(ctx, event.DevEUI, raw, event.ReceivedAt); err != nil {
			i.logger.Printf("telemetry: orphan record dev_eui=%s: %v", event.DevEUI, err)
		}
		metrics.IncOrphanUplink()
		return OutcomeOrphan, nil
	}
	if err := i.devices.MarkSeen(ctx, device.ID, event.ReceivedAt); err != nil {
		i.logger.Printf("telemetry: mark seen dev_eui=%s: %v", event.DevEUI, err)
	}
	return OutcomeProcessed, nil
}
