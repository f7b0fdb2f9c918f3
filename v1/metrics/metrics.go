package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EnterCounter tracks successful Enter calls, re-entries included.
	EnterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "critsec_enter_total",
		Help: "Total number of critical section entries",
	}, []string{"lock"})
	// ReentryCounter tracks Enter calls satisfied by the current owner.
	ReentryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "critsec_reentry_total",
		Help: "Total number of recursive entries by the current owner",
	}, []string{"lock"})
	// ContendedCounter tracks Enter calls that found the lock held by another owner.
	ContendedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "critsec_contended_total",
		Help: "Total number of entries that had to wait for another owner",
	}, []string{"lock"})
	// LeaveCounter tracks successful Leave calls.
	LeaveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "critsec_leave_total",
		Help: "Total number of critical section leaves",
	}, []string{"lock"})
	// FailureCounter tracks unrecoverable failures by operation.
	FailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "critsec_failures_total",
		Help: "Total number of unrecoverable critical section failures",
	}, []string{"lock", "op"})
	// WaitHistogram observes how long a non-recursive Enter waited for the backend.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "critsec_wait_seconds",
		Help:    "Time spent waiting to acquire the backend",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"lock"})
	// DepthGauge reports the current recursion depth.
	DepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "critsec_depth",
		Help: "Current recursion depth of the owner",
	}, []string{"lock"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCritsecMetrics registers critical section metrics on the provided registry.
func RegisterCritsecMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		EnterCounter,
		ReentryCounter,
		ContendedCounter,
		LeaveCounter,
		FailureCounter,
		WaitHistogram,
		DepthGauge,
	)
}

// Forget drops every series labelled with the given lock name.
func Forget(lock string) {
	labels := prometheus.Labels{"lock": lock}
	EnterCounter.DeletePartialMatch(labels)
	ReentryCounter.DeletePartialMatch(labels)
	ContendedCounter.DeletePartialMatch(labels)
	LeaveCounter.DeletePartialMatch(labels)
	FailureCounter.DeletePartialMatch(labels)
	WaitHistogram.DeletePartialMatch(labels)
	DepthGauge.DeletePartialMatch(labels)
}
