package eventload

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/tamirms/eventload")

// loadMetrics are the Prometheus collectors of a coordinator.
type loadMetrics struct {
	banks         *prometheus.CounterVec
	events        prometheus.Counter
	badTofs       prometheus.Counter
	discarded     prometheus.Counter
	decodeSeconds prometheus.Histogram
	bucketSeconds prometheus.Histogram
}

// newLoadMetrics creates the collectors and registers them on reg when it is
// not nil. Collectors already registered by another coordinator are shared.
func newLoadMetrics(reg prometheus.Registerer) (*loadMetrics, error) {
	m := &loadMetrics{
		banks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventload",
			Name:      "banks_total",
			Help:      "Banks processed, by result (loaded or skipped).",
		}, []string{"result"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventload",
			Name:      "events_appended_total",
			Help:      "Events appended to destination buckets.",
		}),
		badTofs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventload",
			Name:      "bad_tofs_total",
			Help:      "Events dropped because their time-of-flight is corrupt.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventload",
			Name:      "discarded_events_total",
			Help:      "Events dropped because their detector has no destination.",
		}),
		decodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eventload",
			Name:      "bank_decode_seconds",
			Help:      "Time spent reading one bank from the container.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		bucketSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eventload",
			Name:      "bucket_task_seconds",
			Help:      "Time spent bucketing one task.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.banks, err = register(reg, m.banks)
	if err != nil {
		return nil, err
	}
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}
	if m.badTofs, err = register(reg, m.badTofs); err != nil {
		return nil, err
	}
	if m.discarded, err = register(reg, m.discarded); err != nil {
		return nil, err
	}
	if m.decodeSeconds, err = register(reg, m.decodeSeconds); err != nil {
		return nil, err
	}
	if m.bucketSeconds, err = register(reg, m.bucketSeconds); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, returning the existing collector when an identical
// one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var alreadyErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyErr) {
			if existing, ok := alreadyErr.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// record adds the counters of a completed task.
func (m *loadMetrics) record(agg LoadAggregate) {
	m.events.Add(float64(agg.Events))
	m.badTofs.Add(float64(agg.BadTofs))
	m.discarded.Add(float64(agg.DiscardedEvents))
}
