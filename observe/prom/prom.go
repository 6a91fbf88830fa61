// Package prom turns observe events into Prometheus metrics.
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
)

const defaultNamespace = "agent_runtime"

type Sink struct {
	events       *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	runsInFlight prometheus.Gauge
	logger       *zap.Logger
}

type Option func(*options)

type options struct {
	namespace string
	registry  prometheus.Registerer
	logger    *zap.Logger
}

func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithRegisterer registers the collectors on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func NewSink(opts ...Option) *Sink {
	o := options{namespace: defaultNamespace, registry: prometheus.DefaultRegisterer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registry)

	return &Sink{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "events_total",
				Help:      "Runtime events by kind and status",
			},
			[]string{"kind", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: o.namespace,
				Name:      "duration_seconds",
				Help:      "Duration of completed runs, steps and tool calls",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		runsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "runs_in_flight",
			Help:      "Runs started and not yet finished",
		}),
		logger: o.logger.With(zap.String("component", "metrics")),
	}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	s.events.WithLabelValues(string(event.Kind), string(event.Status)).Inc()

	if event.DurationMs > 0 && event.Terminal() {
		s.duration.WithLabelValues(string(event.Kind)).Observe((time.Duration(event.DurationMs) * time.Millisecond).Seconds())
	}

	if event.Kind == observe.KindRun {
		switch event.Status {
		case observe.StatusStarted:
			s.runsInFlight.Inc()
		case observe.StatusCompleted, observe.StatusFailed, observe.StatusSuspended:
			s.runsInFlight.Dec()
		}
	}
	if event.Status == observe.StatusFailed {
		s.logger.Debug("failure recorded",
			zap.String("kind", string(event.Kind)),
			zap.String("run_id", event.RunID),
			zap.String("error", event.Error),
		)
	}
	return nil
}
