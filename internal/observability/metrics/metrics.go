package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "parkgrid_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	uplinkRequests *prometheus.CounterVec
	uplinkErrors   *prometheus.CounterVec
	uplinkLatency  *prometheus.HistogramVec

	duplicateFrames  prometheus.Counter
	orphanUplinks    prometheus.Counter
	spooledUplinks   prometheus.Counter
	spoolReplayTotal *prometheus.CounterVec
	spoolBacklog     prometheus.Gauge

	stateTransitions   *prometheus.CounterVec
	recomputeConflicts prometheus.Counter
	recomputeLatency   *prometheus.HistogramVec

	reservationCreated   prometheus.Counter
	reservationConflicts *prometheus.CounterVec
	reservationExpired   prometheus.Counter

	downlinkEnqueued prometheus.Counter
	downlinkResults  *prometheus.CounterVec
	downlinkDepth    prometheus.Gauge

	tenantViolations prometheus.Counter
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		uplinkRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "uplink_requests_total",
				Help: "Total uplink webhook requests by result",
			},
			[]string{"result"},
		)
		uplinkErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "uplink_errors_total",
				Help: "Total uplink errors by reason",
			},
			[]string{"reason"},
		)
		uplinkLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "uplink_latency_seconds",
				Help:    "Uplink processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		duplicateFrames = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "uplink_duplicate_frames_total",
				Help: "Total uplinks discarded by frame counter dedup",
			},
		)
		orphanUplinks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "uplink_orphan_total",
				Help: "Total uplinks from unknown devices",
			},
		)
		spooledUplinks = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "uplink_spooled_total",
				Help: "Total uplinks written to the durable spool",
			},
		)
		spoolReplayTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "spool_replay_total",
				Help: "Total spool replay attempts by result",
			},
			[]string{"result"},
		)
		spoolBacklog = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "spool_backlog",
				Help: "Number of uplinks waiting in the spool",
			},
		)

		stateTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "space_state_transitions_total",
				Help: "Total space state transitions by new state",
			},
			[]string{"state"},
		)
		recomputeConflicts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "space_recompute_conflicts_total",
				Help: "Total optimistic recompute retries due to version conflicts",
			},
		)
		recomputeLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "space_recompute_latency_seconds",
				Help:    "Space recompute latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		reservationCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reservations_created_total",
				Help: "Total reservations created",
			},
		)
		reservationConflicts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reservation_conflicts_total",
				Help: "Total reservation conflicts by kind",
			},
			[]string{"kind"},
		)
		reservationExpired = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reservations_expired_total",
				Help: "Total reservations moved to a terminal state by the sweep",
			},
		)

		downlinkEnqueued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "downlink_enqueued_total",
				Help: "Total downlink commands enqueued",
			},
		)
		downlinkResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "downlink_results_total",
				Help: "Total downlink dispatch results by status",
			},
			[]string{"status"},
		)
		downlinkDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "downlink_queue_depth",
				Help: "Number of queued downlink commands",
			},
		)

		tenantViolations = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "tenant_isolation_violations_total",
				Help: "Requests rejected for crossing a tenant boundary",
			},
		)

		prometheus.MustRegister(
			uplinkRequests, uplinkErrors, uplinkLatency,
			duplicateFrames, orphanUplinks, spooledUplinks,
			spoolReplayTotal, spoolBacklog,
			stateTransitions, recomputeConflicts, recomputeLatency,
			reservationCreated, reservationConflicts, reservationExpired,
			downlinkEnqueued, downlinkResults, downlinkDepth,
			tenantViolations,
		)

		if db != nil {
			prometheus.MustRegister(prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: metricPrefix + "downlink_abandoned",
					Help: "Downlink commands abandoned after retry exhaustion",
				},
				func() float64 {
					var count float64
					row := db.QueryRow(`SELECT COUNT(*) FROM downlink_queue WHERE status = 'abandoned'`)
					if err := row.Scan(&count); err != nil && logger != nil {
						logger.Printf("metrics: abandoned gauge query error: %v", err)
					}
					return count
				},
			))
		}
	})
}

// ObserveUplink records one uplink request.
func ObserveUplink(err error, duration time.Duration) {
	if uplinkRequests == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	uplinkRequests.WithLabelValues(result).Inc()
	uplinkLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// IncUplinkError counts an uplink error by reason.
func IncUplinkError(reason string) {
	if uplinkErrors != nil {
		uplinkErrors.WithLabelValues(reason).Inc()
	}
}

// IncDuplicateFrame counts a discarded replayed frame.
func IncDuplicateFrame() {
	if duplicateFrames != nil {
		duplicateFrames.Inc()
	}
}

// IncOrphanUplink counts an uplink from an unknown device.
func IncOrphanUplink() {
	if orphanUplinks != nil {
		orphanUplinks.Inc()
	}
}

// IncSpooledUplink counts an uplink diverted to the spool.
func IncSpooledUplink() {
	if spooledUplinks != nil {
		spooledUplinks.Inc()
	}
}

// ObserveSpoolReplay records one spool replay attempt.
func ObserveSpoolReplay(ok bool) {
	if spoolReplayTotal == nil {
		return
	}
	if ok {
		spoolReplayTotal.WithLabelValues(resultSuccess).Inc()
	} else {
		spoolReplayTotal.WithLabelValues(resultError).Inc()
	}
}

// SetSpoolBacklog sets the spool backlog gauge.
func SetSpoolBacklog(count int) {
	if spoolBacklog != nil {
		spoolBacklog.Set(float64(count))
	}
}

// IncStateTransition counts one applied space state transition.
func IncStateTransition(state string) {
	if stateTransitions != nil {
		stateTransitions.WithLabelValues(state).Inc()
	}
}

// IncRecomputeConflict counts one optimistic retry.
func IncRecomputeConflict() {
	if recomputeConflicts != nil {
		recomputeConflicts.Inc()
	}
}

// ObserveRecompute records one recompute call.
func ObserveRecompute(err error, duration time.Duration) {
	if recomputeLatency == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	recomputeLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// IncReservationCreated counts one created reservation.
func IncReservationCreated() {
	if reservationCreated != nil {
		reservationCreated.Inc()
	}
}

// IncReservationConflict counts one reservation conflict by kind.
func IncReservationConflict(kind string) {
	if reservationConflicts != nil {
		reservationConflicts.WithLabelValues(kind).Inc()
	}
}

// AddReservationsExpired counts reservations closed by the expiry sweep.
func AddReservationsExpired(count int) {
	if reservationExpired != nil && count > 0 {
		reservationExpired.Add(float64(count))
	}
}

// IncDownlinkEnqueued counts one enqueued downlink command.
func IncDownlinkEnqueued() {
	if downlinkEnqueued != nil {
		downlinkEnqueued.Inc()
	}
}

// IncDownlinkResult counts one dispatch outcome by status.
func IncDownlinkResult(status string) {
	if downlinkResults != nil {
		downlinkResults.WithLabelValues(status).Inc()
	}
}

// SetDownlinkDepth sets the queue depth gauge.
func SetDownlinkDepth(count int) {
	if downlinkDepth != nil {
		downlinkDepth.Set(float64(count))
	}
}

// IncTenantViolation counts a rejected cross-tenant access.
func IncTenantViolation() {
	if tenantViolations != nil {
		tenantViolations.Inc()
	}
}
