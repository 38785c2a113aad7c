package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Quota update metrics
	quotaUpdatesTotal *prometheus.CounterVec

	// Subscriber metrics
	subscribersActive *prometheus.GaugeVec

	// Virtual address pool metrics
	fakeIPAllocations prometheus.Counter
	fakeIPPoolSize    prometheus.Gauge
	fakeIPPoolWraps   prometheus.Gauge

	// Flow table metrics
	ruleOperations *prometheus.CounterVec

	// MAC resolution metrics
	macResolutions        *prometheus.CounterVec
	macResolutionAttempts prometheus.Histogram

	// Lifecycle metrics
	setupTotal      *prometheus.CounterVec
	switchConnected prometheus.Gauge
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		quotaUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkquota_quota_updates_total",
				Help: "Total quota updates by type and result",
			},
			[]string{"type", "result"},
		),

		subscribersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "checkquota_subscribers_active",
				Help: "Number of redirected subscribers by quota state",
			},
			[]string{"quota"},
		),

		fakeIPAllocations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "checkquota_fake_ip_allocations_total",
				Help: "Total virtual addresses handed out",
			},
		),

		fakeIPPoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkquota_fake_ip_pool_size",
				Help: "Number of host addresses in the virtual address pool",
			},
		),

		fakeIPPoolWraps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkquota_fake_ip_pool_wraps",
				Help: "Times the virtual address cursor wrapped around",
			},
		),

		ruleOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkquota_rule_operations_total",
				Help: "Flow table operations by kind and result",
			},
			[]string{"op", "result"},
		),

		macResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkquota_mac_resolutions_total",
				Help: "MAC resolution outcomes",
			},
			[]string{"result"},
		),

		macResolutionAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkquota_mac_resolution_attempts",
				Help:    "Directory lookups needed to resolve a device MAC",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 20},
			},
		),

		setupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkquota_setup_total",
				Help: "Setup requests by result",
			},
			[]string{"result"},
		),

		switchConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "checkquota_switch_connected",
				Help: "Whether a switch datapath is connected",
			},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.quotaUpdatesTotal,
		m.subscribersActive,
		m.fakeIPAllocations,
		m.fakeIPPoolSize,
		m.fakeIPPoolWraps,
		m.ruleOperations,
		m.macResolutions,
		m.macResolutionAttempts,
		m.setupTotal,
		m.switchConnected,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordQuotaUpdate records the outcome of one quota update.
func (m *Metrics) RecordQuotaUpdate(updateType, result string) {
	if m == nil {
		return
	}
	m.quotaUpdatesTotal.WithLabelValues(updateType, result).Inc()
}

// SetSubscribers sets the count of redirected subscribers.
func (m *Metrics) SetSubscribers(hasQuota, noQuota int) {
	if m == nil {
		return
	}
	m.subscribersActive.WithLabelValues("has_quota").Set(float64(hasQuota))
	m.subscribersActive.WithLabelValues("no_quota").Set(float64(noQuota))
}

// RecordFakeIPAllocation records a virtual address allocation and the pool state.
func (m *Metrics) RecordFakeIPAllocation(poolSize int, wraps uint64) {
	if m == nil {
		return
	}
	m.fakeIPAllocations.Inc()
	m.fakeIPPoolSize.Set(float64(poolSize))
	m.fakeIPPoolWraps.Set(float64(wraps))
}

// RecordRuleOperation records a flow table operation.
func (m *Metrics) RecordRuleOperation(op string, err error) {
	if m == nil {
		return
	}
	m.ruleOperations.WithLabelValues(op, result(err)).Inc()
}

// RecordMACResolution records how a MAC resolution ended.
func (m *Metrics) RecordMACResolution(outcome string) {
	if m == nil {
		return
	}
	m.macResolutions.WithLabelValues(outcome).Inc()
}

// ObserveMACResolutionAttempts records the lookups a resolution took.
func (m *Metrics) ObserveMACResolutionAttempts(attempts int) {
	if m == nil {
		return
	}
	m.macResolutionAttempts.Observe(float64(attempts))
}

// RecordSetup records a setup request.
func (m *Metrics) RecordSetup(res string) {
	if m == nil {
		return
	}
	m.setupTotal.WithLabelValues(res).Inc()
}

// SetSwitchConnected records the switch connection state.
func (m *Metrics) SetSwitchConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.switchConnected.Set(1)
	} else {
		m.switchConnected.Set(0)
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
