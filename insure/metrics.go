package insure

import "github.com/remiges-tech/sureq/metrics"

// Metric names emitted by the worker.
const (
	metricAttemptsTotal  = "sureq_attempts_total"
	metricAttemptSeconds = "sureq_attempt_duration_seconds"
	metricClaimSeconds   = "sureq_claim_duration_seconds"
	metricClaimedRows    = "sureq_claimed_rows"
	metricPromotedTotal  = "sureq_promoted_total"
	metricStateRows      = "sureq_requests"
)

// RegisterWorkerMetrics registers the engine metric set on the given
// sink. Call once at startup before attaching the sink to a Worker.
func RegisterWorkerMetrics(m metrics.Metrics) {
	m.RegisterWithLabels(metricAttemptsTotal, "Counter",
		"Delivery attempts by outcome class", []string{"outcome"})
	m.Register(metricAttemptSeconds, "Histogram",
		"Wall time of one delivery attempt")
	m.Register(metricClaimSeconds, "Histogram",
		"Duration of the batch claim transaction")
	m.Register(metricClaimedRows, "Histogram",
		"Rows claimed per cycle")
	m.Register(metricPromotedTotal, "Counter",
		"Waiting rows promoted back to ready")
	m.RegisterWithLabels(metricStateRows, "Gauge",
		"Requests currently in each state", []string{"state"})
}

// RecordStateCounts publishes per-state row counts, typically sampled
// by the admin service's monitor endpoint.
func RecordStateCounts(m metrics.Metrics, counts map[RequestState]int64) {
	for state, n := range counts {
		m.RecordWithLabels(metricStateRows, float64(n), string(state))
	}
}
