package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/w1xm/mount_interface/motion"
)

var _ Recorder = (*Metrics)(nil)

// Metrics exports device status and operation outcomes to Prometheus.
type Metrics struct {
	gatherer prometheus.Gatherer

	Status     *prometheus.GaugeVec
	Operations *prometheus.CounterVec
	Durations  *prometheus.HistogramVec
}

// NewMetrics registers the metrics against reg, defaulting to the global
// registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	status := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mount_status",
		Help: "1 for the current motion status of each device, 0 otherwise.",
	}, []string{"device", "status"})
	if err := register(reg, &status, "mount_status"); err != nil {
		return nil, err
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mount_operations_total",
		Help: "Finished motion operations, labeled by device, operation and outcome code.",
	}, []string{"device", "op", "code"})
	if err := register(reg, &operations, "mount_operations_total"); err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mount_operation_duration_seconds",
		Help:    "Motion operation duration in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"device", "op"})
	if err := register(reg, &durations, "mount_operation_duration_seconds"); err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:   gatherer,
		Status:     status,
		Operations: operations,
		Durations:  durations,
	}, nil
}

// register registers *c, replacing it with an identical collector that is
// already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C, name string) error {
	if err := reg.Register(*c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				*c = existing
				return nil
			}
			return fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return err
	}
	return nil
}

// Handler exposes the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetStatus publishes status as the current status of device.
func (m *Metrics) SetStatus(device string, status motion.Status) {
	for _, s := range motion.AllStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.Status.WithLabelValues(device, string(s)).Set(v)
	}
}

func (m *Metrics) RecordStatus(change StatusChange) {
	m.SetStatus(change.Device, change.Status)
}

func (m *Metrics) RecordOperation(op motion.Operation) {
	m.Operations.WithLabelValues(op.Device, op.Name, string(op.Code)).Inc()
	m.Durations.WithLabelValues(op.Device, op.Name).Observe(op.Duration.Seconds())
}
