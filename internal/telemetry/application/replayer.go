package application

import (
	"context"
	"errors"
	"log"
	"time"

	"parkgrid-cloud/internal/observability/metrics"
	"parkgrid-cloud/internal/telemetry/infrastructure/spool"
)

// Replayer periodically drains the uplink spool back through the ingestor.
type Replayer struct {
	spool    *spool.Spool
	ingestor *Ingestor
	interval time.Duration
	logger   *log.Logger
}

// NewReplayer constructs a replayer. A zero interval defaults to one minute.
func NewReplayer(s *spool.Spool, ingestor *Ingestor, interval time.Duration, logger *log.Logger) (*Replayer, error) {
	if s == nil {
		return nil, errors.New("telemetry replayer: nil spool")
	}
	if ingestor == nil {
		return nil, errors.New("telemetry replayer: nil ingestor")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Replayer{spool: s, ingestor: ingestor, interval: interval, logger: logger}, nil
}

// Start runs the replay loop until ctx is done.
func (r *Replayer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.ReplayOnce(ctx); err != nil {
				r.logger.Printf("telemetry: spool replay: %v", err)
			} else if n > 0 {
				r.logger.Printf("telemetry: replayed %d spooled uplinks", n)
			}
		}
	}
}

// ReplayOnce drains the spool. A duplicate or orphan outcome still counts as
// a successful replay; the file has served its purpose either way.
func (r *Replayer) ReplayOnce(ctx context.Context) (int, error) {
	replayed, err := r.spool.ReplayAll(ctx, func(ctx context.Context, raw []byte) error {
		_, ingestErr := r.ingestor.IngestUplink(ctx, raw)
		metrics.ObserveSpoolReplay(ingestErr == nil)
		return ingestErr
	})

	if backlog, blErr := r.spool.Backlog(); blErr == nil {
		metrics.SetSpoolBacklog(backlog)
	}
	return replayed, err
}
