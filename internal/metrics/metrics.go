// Package metrics exposes the orchestration engine's Prometheus collectors:
// queue depth, reinit duration, flash outcomes, and test outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector registered by the daemon.
type Metrics struct {
	QueueDepth        *prometheus.GaugeVec
	ReinitDuration    prometheus.Histogram
	FlashAttempts     *prometheus.CounterVec
	TestOutcomes      *prometheus.CounterVec
	RunnerCrashes     prometheus.Counter
	RunnerTimeouts    prometheus.Counter
	HardwareExclusive prometheus.Gauge
}

// New builds an unregistered Metrics value.
func New() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hive_task_queue_depth",
			Help: "Number of tasks currently queued, by kind.",
		}, []string{"kind"}),

		ReinitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hive_reinit_duration_seconds",
			Help:    "Wall-clock duration of a hardware reinitialisation pass.",
			Buckets: prometheus.DefBuckets,
		}),

		FlashAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_flash_attempts_total",
			Help: "Flash attempts, by result.",
		}, []string{"result"}),

		TestOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hive_test_outcomes_total",
			Help: "Executed test outcomes, by test name and outcome.",
		}, []string{"test_name", "outcome"}),

		RunnerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_runner_crashes_total",
			Help: "Runner child processes that exited before a terminal IPC frame.",
		}),

		RunnerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hive_runner_timeouts_total",
			Help: "Runner child processes killed after exceeding the reap deadline.",
		}),

		HardwareExclusive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_hardware_exclusive_held",
			Help: "Whether the hardware-exclusive lock is currently held (0 or 1).",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		m.QueueDepth, m.ReinitDuration, m.FlashAttempts, m.TestOutcomes,
		m.RunnerCrashes, m.RunnerTimeouts, m.HardwareExclusive,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveTestResult records one executed test's outcome.
func (m *Metrics) ObserveTestResult(testName, outcome string) {
	m.TestOutcomes.WithLabelValues(testName, outcome).Inc()
}

// ObserveFlash records one flash attempt's result ("ok" or "error").
func (m *Metrics) ObserveFlash(result string) {
	m.FlashAttempts.WithLabelValues(result).Inc()
}
