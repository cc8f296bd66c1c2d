package application

import (
	"context"
	"errors"
	"log"
	"time"

	downlink "parkgrid-cloud/internal/downlink/domain"
	"parkgrid-cloud/internal/observability/metrics"
)

// Sender hands one command to the network server.
type Sender interface {
	Send(ctx context.Context, cmd *downlink.Command) error
}

// DispatchQueue is the repository surface the dispatcher drives.
type DispatchQueue interface {
	ClaimNext(ctx context.Context, now time.Time) (*downlink.Command, error)
	MarkSent(ctx context.Context, commandID string) error
	MarkFailed(ctx context.Context, commandID string, attempts int, sendErr error, now time.Time) error
	ReleaseStuckSending(ctx context.Context, olderThan time.Time) (int, error)
	Depth(ctx context.Context) (int, error)
}

const stuckClaimAge = 5 * time.Minute

// Dispatcher drains the command queue. Several dispatchers can run against
// the same queue; the claim lock keeps them off each other's commands.
type Dispatcher struct {
	queue    DispatchQueue
	sender   Sender
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(queue DispatchQueue, sender Sender, interval time.Duration, logger *log.Logger) (*Dispatcher, error) {
	if queue == nil {
		return nil, errors.New("dispatcher: nil queue")
	}
	if sender == nil {
		return nil, errors.New("dispatcher: nil sender")
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		queue:    queue,
		sender:   sender,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce drains every due command. Returns how many it attempted.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	now := d.now()
	if released, err := d.queue.ReleaseStuckSending(ctx, now.Add(-stuckClaimAge)); err != nil {
		d.logger.Printf("downlink dispatch: release stuck: %v", err)
	} else if released > 0 {
		d.logger.Printf("downlink dispatch: requeued %d stuck commands", released)
	}

	attempted := 0
	for {
		cmd, err := d.queue.ClaimNext(ctx, d.now())
		if err != nil {
			d.logger.Printf("downlink dispatch: claim: %v", err)
			break
		}
		if cmd == nil {
			break
		}
		attempted++
		d.attempt(ctx, cmd)
	}

	if depth, err := d.queue.Depth(ctx); err == nil {
		metrics.SetDownlinkDepth(depth)
	}
	return attempted
}

func (d *Dispatcher) attempt(ctx context.Context, cmd *downlink.Command) {
	if err := d.sender.Send(ctx, cmd); err != nil {
		if cmd.Attempts >= downlink.MaxAttempts {
			d.logger.Printf("downlink dispatch: abandoning command=%s device=%s after %d attempts: %v",
				cmd.ID, cmd.DevEUI, cmd.Attempts, err)
			metrics.IncDownlinkResult(downlink.StatusAbandoned)
		} else {
			metrics.IncDownlinkResult("retry")
		}
		if merr := d.queue.MarkFailed(ctx, cmd.ID, cmd.Attempts, err, d.now()); merr != nil {
			d.logger.Printf("downlink dispatch: mark failed command=%s: %v", cmd.ID, merr)
		}
		return
	}
	if err := d.queue.MarkSent(ctx, cmd.ID); err != nil {
		d.logger.Printf("downlink dispatch: mark sent command=%s: %v", cmd.ID, err)
		return
	}
	metrics.IncDownlinkResult(downlink.StatusSent)
}
