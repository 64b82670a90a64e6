package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics captures request-level counters for the facilitator's HTTP surface.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	verificationMetricsOnce sync.Once
	verificationRegistry    *VerificationMetrics

	riskMetricsOnce sync.Once
	riskRegistry    *RiskMetrics

	fcrMetricsOnce sync.Once
	fcrRegistry    *FCRMetrics

	bondMetricsOnce sync.Once
	bondRegistry    *BondMetrics

	voucherMetricsOnce sync.Once
	voucherRegistry    *VoucherMetrics
)

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "facilitator",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an HTTP request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = orUnknown(route)
	method = orUnknown(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, statusLabel(status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and reason.
func (m *HTTPMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(orUnknown(route), orUnspecified(reason)).Inc()
}

// SettlementMetrics tracks the lifecycle of on-chain settlement submissions.
type SettlementMetrics struct {
	submitted   *prometheus.CounterVec
	confirmed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	pending     prometheus.Gauge
	submitLat   prometheus.Histogram
	confirmLat  *prometheus.HistogramVec
	workerTicks prometheus.Counter
}

// Settlement returns the singleton settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "submitted_total",
				Help:      "Count of settlement transactions submitted to the chain.",
			}, []string{"asset"}),
			confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "confirmed_total",
				Help:      "Count of settlements confirmed segmented by final FCR level.",
			}, []string{"level"}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "failed_total",
				Help:      "Count of settlements that failed segmented by reason.",
			}, []string{"reason"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "retries_total",
				Help:      "Count of resubmission attempts by the confirmation worker.",
			}, []string{"reason"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "pending_count",
				Help:      "Number of settlements awaiting confirmation.",
			}),
			submitLat: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "submit_duration_seconds",
				Help:      "Latency of the synchronous submission path.",
				Buckets:   prometheus.DefBuckets,
			}),
			confirmLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "confirm_duration_seconds",
				Help:      "Time from submission to reaching the final confirmation level.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
			}, []string{"level"}),
			workerTicks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "settlement",
				Name:      "worker_ticks_total",
				Help:      "Count of background confirmation worker ticks.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.submitted,
			settlementRegistry.confirmed,
			settlementRegistry.failed,
			settlementRegistry.retries,
			settlementRegistry.pending,
			settlementRegistry.submitLat,
			settlementRegistry.confirmLat,
			settlementRegistry.workerTicks,
		)
	})
	return settlementRegistry
}

// RecordSubmit records a successful submission and its wall-clock latency.
func (m *SettlementMetrics) RecordSubmit(asset string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(orUnknown(asset)).Inc()
	m.submitLat.Observe(d.Seconds())
}

// RecordConfirmed records a settlement reaching a terminal confirmation level.
func (m *SettlementMetrics) RecordConfirmed(level string, sinceSubmit time.Duration) {
	if m == nil {
		return
	}
	lvl := orUnknown(level)
	m.confirmed.WithLabelValues(lvl).Inc()
	m.confirmLat.WithLabelValues(lvl).Observe(sinceSubmit.Seconds())
}

// RecordFailure increments the failure counter for the supplied reason.
func (m *SettlementMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(orUnspecified(reason)).Inc()
}

// RecordRetry increments the retry counter for the supplied reason.
func (m *SettlementMetrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(orUnspecified(reason)).Inc()
}

// SetPending sets the current count of settlements awaiting confirmation.
func (m *SettlementMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// TickWorker increments the background worker tick counter.
func (m *SettlementMetrics) TickWorker() {
	if m == nil {
		return
	}
	m.workerTicks.Inc()
}

// VerificationMetrics tracks the outcome of EIP-3009 authorization verification.
type VerificationMetrics struct {
	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
}

// Verification returns the singleton verification metrics registry.
func Verification() *VerificationMetrics {
	verificationMetricsOnce.Do(func() {
		verificationRegistry = &VerificationMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "verification",
				Name:      "outcomes_total",
				Help:      "Count of authorization verification attempts segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "facilitator",
				Subsystem: "verification",
				Name:      "duration_seconds",
				Help:      "Latency of the verification pipeline.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(verificationRegistry.outcomes, verificationRegistry.latency)
	})
	return verificationRegistry
}

// RecordOutcome records a verification attempt result and its latency.
func (m *VerificationMetrics) RecordOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(orUnknown(outcome)).Inc()
	m.latency.Observe(d.Seconds())
}

// RiskMetrics tracks the risk gate's accept/reject decisions.
type RiskMetrics struct {
	rejections *prometheus.CounterVec
	reserved   *prometheus.GaugeVec
	dailyUsed  *prometheus.GaugeVec
}

// Risk returns the singleton risk metrics registry.
func Risk() *RiskMetrics {
	riskMetricsOnce.Do(func() {
		riskRegistry = &RiskMetrics{
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "risk",
				Name:      "rejections_total",
				Help:      "Count of payments rejected by the risk gate segmented by reason.",
			}, []string{"reason"}),
			reserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "facilitator",
				Subsystem: "risk",
				Name:      "pending_reserved",
				Help:      "Amount currently reserved against a wallet's pending exposure.",
			}, []string{"wallet"}),
			dailyUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "facilitator",
				Subsystem: "risk",
				Name:      "daily_used",
				Help:      "Amount consumed against a wallet's rolling daily allowance.",
			}, []string{"wallet"}),
		}
		prometheus.MustRegister(riskRegistry.rejections, riskRegistry.reserved, riskRegistry.dailyUsed)
	})
	return riskRegistry
}

// RecordRejection increments the rejection counter for the supplied reason.
func (m *RiskMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(orUnspecified(reason)).Inc()
}

// SetReserved sets the pending reservation gauge for a wallet. Intended for a
// bounded set of watched wallets, not unbounded label cardinality.
func (m *RiskMetrics) SetReserved(wallet string, amount float64) {
	if m == nil {
		return
	}
	m.reserved.WithLabelValues(orUnknown(wallet)).Set(amount)
}

// SetDailyUsed sets the daily allowance consumption gauge for a wallet.
func (m *RiskMetrics) SetDailyUsed(wallet string, amount float64) {
	if m == nil {
		return
	}
	m.dailyUsed.WithLabelValues(orUnknown(wallet)).Set(amount)
}

// FCRMetrics exposes the confirmation lattice's observed state.
type FCRMetrics struct {
	currentLevel   *prometheus.GaugeVec
	certAge        prometheus.Gauge
	instanceLag    prometheus.Gauge
	monitorErrors  prometheus.Counter
	levelDurations *prometheus.HistogramVec
}

// FCR returns the singleton fast confirmation rule metrics registry.
func FCR() *FCRMetrics {
	fcrMetricsOnce.Do(func() {
		fcrRegistry = &FCRMetrics{
			currentLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "facilitator",
				Subsystem: "fcr",
				Name:      "payment_level",
				Help:      "Highest confirmation level currently reached, per payment id (1 while active).",
			}, []string{"payment_id", "level"}),
			certAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "facilitator",
				Subsystem: "fcr",
				Name:      "certificate_age_seconds",
				Help:      "Age of the most recently observed finality certificate.",
			}),
			instanceLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "facilitator",
				Subsystem: "fcr",
				Name:      "instance_lag",
				Help:      "Difference between the chain head instance and the last finalized instance.",
			}),
			monitorErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "fcr",
				Name:      "monitor_errors_total",
				Help:      "Count of errors encountered while polling consensus subprotocol state.",
			}),
			levelDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "facilitator",
				Subsystem: "fcr",
				Name:      "level_reach_seconds",
				Help:      "Time since submission at which a given confirmation level was reached.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			}, []string{"level"}),
		}
		prometheus.MustRegister(
			fcrRegistry.currentLevel,
			fcrRegistry.certAge,
			fcrRegistry.instanceLag,
			fcrRegistry.monitorErrors,
			fcrRegistry.levelDurations,
		)
	})
	return fcrRegistry
}

// RecordCertificateAge updates the finality certificate age gauge.
func (m *FCRMetrics) RecordCertificateAge(age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.certAge.Set(age.Seconds())
}

// RecordInstanceLag updates the consensus instance lag gauge.
func (m *FCRMetrics) RecordInstanceLag(lag int64) {
	if m == nil {
		return
	}
	m.instanceLag.Set(float64(lag))
}

// RecordMonitorError increments the monitor error counter.
func (m *FCRMetrics) RecordMonitorError() {
	if m == nil {
		return
	}
	m.monitorErrors.Inc()
}

// RecordLevelReached records the time-to-level for a payment and sets its gauge entry.
func (m *FCRMetrics) RecordLevelReached(paymentID, level string, sinceSubmit time.Duration) {
	if m == nil {
		return
	}
	lvl := orUnknown(level)
	m.currentLevel.WithLabelValues(orUnknown(paymentID), lvl).Set(1)
	m.levelDurations.WithLabelValues(lvl).Observe(sinceSubmit.Seconds())
}

// ClearPayment removes the per-payment gauge entry once terminal state is reached.
func (m *FCRMetrics) ClearPayment(paymentID string, level string) {
	if m == nil {
		return
	}
	m.currentLevel.DeleteLabelValues(orUnknown(paymentID), orUnknown(level))
}

// BondMetrics tracks the collateral ledger backing settlement guarantees.
type BondMetrics struct {
	committed *prometheus.CounterVec
	released  *prometheus.CounterVec
	claimed   *prometheus.CounterVec
	exposure  prometheus.Gauge
}

// Bond returns the singleton bond ledger metrics registry.
func Bond() *BondMetrics {
	bondMetricsOnce.Do(func() {
		bondRegistry = &BondMetrics{
			committed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "bond",
				Name:      "committed_total",
				Help:      "Count of bond commitments opened against settlements.",
			}, []string{"asset"}),
			released: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "bond",
				Name:      "released_total",
				Help:      "Count of bond commitments released without claim.",
			}, []string{"asset"}),
			claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "bond",
				Name:      "claimed_total",
				Help:      "Count of bond commitments claimed against a defaulted settlement.",
			}, []string{"asset"}),
			exposure: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "facilitator",
				Subsystem: "bond",
				Name:      "exposure_total",
				Help:      "Total collateral currently committed across open settlements.",
			}),
		}
		prometheus.MustRegister(
			bondRegistry.committed,
			bondRegistry.released,
			bondRegistry.claimed,
			bondRegistry.exposure,
		)
	})
	return bondRegistry
}

// RecordCommit records a new bond commitment.
func (m *BondMetrics) RecordCommit(asset string) {
	if m == nil {
		return
	}
	m.committed.WithLabelValues(orUnknown(asset)).Inc()
}

// RecordRelease records a bond commitment released back to the facilitator.
func (m *BondMetrics) RecordRelease(asset string) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(orUnknown(asset)).Inc()
}

// RecordClaim records a bond commitment claimed against a default.
func (m *BondMetrics) RecordClaim(asset string) {
	if m == nil {
		return
	}
	m.claimed.WithLabelValues(orUnknown(asset)).Inc()
}

// SetExposure sets the aggregate outstanding collateral gauge.
func (m *BondMetrics) SetExposure(total float64) {
	if m == nil {
		return
	}
	m.exposure.Set(total)
}

// VoucherMetrics tracks the deferred payment voucher store.
type VoucherMetrics struct {
	issued  *prometheus.CounterVec
	settled *prometheus.CounterVec
	stale   prometheus.Counter
}

// Voucher returns the singleton voucher store metrics registry.
func Voucher() *VoucherMetrics {
	voucherMetricsOnce.Do(func() {
		voucherRegistry = &VoucherMetrics{
			issued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "voucher",
				Name:      "issued_total",
				Help:      "Count of deferred payment vouchers accepted into the store.",
			}, []string{"buyer"}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "voucher",
				Name:      "settled_total",
				Help:      "Count of vouchers settled on-chain via escrow collect.",
			}, []string{"buyer"}),
			stale: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "facilitator",
				Subsystem: "voucher",
				Name:      "stale_rejections_total",
				Help:      "Count of vouchers rejected for a non-monotonic nonce or valueAggregate.",
			}),
		}
		prometheus.MustRegister(voucherRegistry.issued, voucherRegistry.settled, voucherRegistry.stale)
	})
	return voucherRegistry
}

// RecordIssued increments the issued counter for a buyer.
func (m *VoucherMetrics) RecordIssued(buyer string) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(orUnknown(buyer)).Inc()
}

// RecordSettled increments the settled counter for a buyer.
func (m *VoucherMetrics) RecordSettled(buyer string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(orUnknown(buyer)).Inc()
}

// RecordStale increments the stale-nonce rejection counter.
func (m *VoucherMetrics) RecordStale() {
	if m == nil {
		return
	}
	m.stale.Inc()
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}

func orUnspecified(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unspecified"
	}
	return v
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
