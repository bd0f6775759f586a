package robot

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report dispatch activity per
// robot.
type Metrics struct {
	commandsSent *prometheus.CounterVec
	results      *prometheus.CounterVec
	faults       *prometheus.CounterVec
	ackLatency   *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once so
// that many handles in one process share them.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided
// registerer. Registration errors panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	commandsSent := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmi",
			Subsystem: "dispatch",
			Name:      "commands_sent_total",
			Help:      "Commands published to a robot's command stream.",
		},
		[]string{"robot", "kind"},
	)
	results := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmi",
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Results received on a robot's result stream, by status (success, failure, ignored).",
		},
		[]string{"robot", "status"},
	)
	faults := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmi",
			Subsystem: "dispatch",
			Name:      "faults_total",
			Help:      "Faults latched on a robot handle.",
		},
		[]string{"robot", "reason"},
	)
	ackLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rmi",
			Subsystem: "dispatch",
			Name:      "ack_latency_seconds",
			Help:      "Time from publishing a command to its acknowledgment.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"robot"},
	)
	inFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rmi",
			Subsystem: "dispatch",
			Name:      "commands_in_flight",
			Help:      "Commands published and not yet acknowledged.",
		},
		[]string{"robot"},
	)

	collectors := []prometheus.Collector{commandsSent, results, faults, ackLatency, inFlight}
	for _, c := range collectors {
		reg.MustRegister(c)
	}

	return &Metrics{
		commandsSent: commandsSent,
		results:      results,
		faults:       faults,
		ackLatency:   ackLatency,
		inFlight:     inFlight,
	}
}

func (m *Metrics) sent(robot string, kind Kind) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(robot, kind.String()).Inc()
}

func (m *Metrics) result(robot, status string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(robot, status).Inc()
}

func (m *Metrics) acked(robot string, sentAt time.Time) {
	if m == nil {
		return
	}
	m.ackLatency.WithLabelValues(robot).Observe(time.Since(sentAt).Seconds())
}

func (m *Metrics) setInFlight(robot string, n int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(robot).Set(float64(n))
}

func (m *Metrics) fault(robot string, err error) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(robot, faultReason(err)).Inc()
}

func faultReason(err error) string {
	switch {
	case errors.Is(err, ErrControllerFault):
		return "controller"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
