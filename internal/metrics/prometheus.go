package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink with Prometheus collectors. Registration
// errors are logged, never propagated.
type PrometheusSink struct {
	runsCreated      *prometheus.CounterVec
	runTransitions   *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	webhookRejected  *prometheus.CounterVec
	dispatchInFlight prometheus.Gauge
	dispatchRejected *prometheus.CounterVec

	logger *slog.Logger
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}

	s.runsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nucleus_runs_created_total",
		Help: "Runs created, by trigger source.",
	}, []string{"source"})
	s.runTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nucleus_run_transitions_total",
		Help: "Run status transitions, by target status.",
	}, []string{"status"})
	s.stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nucleus_sandbox_executions_total",
		Help: "Sandboxed tool invocations, by outcome.",
	}, []string{"outcome"})
	s.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nucleus_sandbox_execution_duration_seconds",
		Help:    "Wall time of sandboxed tool invocations.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})
	s.webhookRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nucleus_webhook_rejected_total",
		Help: "Webhook deliveries rejected, by reason.",
	}, []string{"reason"})
	s.dispatchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nucleus_dispatch_in_flight",
		Help: "Execution loops currently running.",
	})
	s.dispatchRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nucleus_dispatch_rejected_total",
		Help: "Dispatch requests refused, by reason.",
	}, []string{"reason"})

	s.register(reg, s.runsCreated, "nucleus_runs_created_total")
	s.register(reg, s.runTransitions, "nucleus_run_transitions_total")
	s.register(reg, s.stepsTotal, "nucleus_sandbox_executions_total")
	s.register(reg, s.stepDuration, "nucleus_sandbox_execution_duration_seconds")
	s.register(reg, s.webhookRejected, "nucleus_webhook_rejected_total")
	s.register(reg, s.dispatchInFlight, "nucleus_dispatch_in_flight")
	s.register(reg, s.dispatchRejected, "nucleus_dispatch_rejected_total")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("metrics: register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) RunCreated(source string) {
	s.runsCreated.WithLabelValues(source).Inc()
}

func (s *PrometheusSink) RunTransitioned(status string) {
	s.runTransitions.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) StepExecuted(outcome string, d time.Duration) {
	s.stepsTotal.WithLabelValues(outcome).Inc()
	s.stepDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (s *PrometheusSink) WebhookRejected(reason string) {
	s.webhookRejected.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) DispatchStarted()  { s.dispatchInFlight.Inc() }
func (s *PrometheusSink) DispatchFinished() { s.dispatchInFlight.Dec() }

func (s *PrometheusSink) DispatchRejected(reason string) {
	s.dispatchRejected.WithLabelValues(reason).Inc()
}
