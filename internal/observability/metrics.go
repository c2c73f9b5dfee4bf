package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder captures fitting outcomes and optimisation progress.
type MetricsRecorder interface {
	// Observe records an operation outcome (fit_vi, fit_pathfinder, ...).
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	// Progress records the objective value reached at an iteration.
	Progress(operation string, iteration int, objective float64)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) Progress(string, int, float64)                        {}

// NoopMetrics returns a recorder that records nothing.
func NoopMetrics() MetricsRecorder { return noopMetrics{} }

// OrNoop returns r, or a no-op recorder when r is nil.
func OrNoop(r MetricsRecorder) MetricsRecorder {
	if r == nil {
		return noopMetrics{}
	}
	return r
}

// PrometheusRecorder publishes fit metrics as Prometheus collectors.
type PrometheusRecorder struct {
	results   *prometheus.CounterVec
	durations *prometheus.HistogramVec
	objective *prometheus.GaugeVec
	iteration *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the fit collectors with reg. A nil
// registerer uses a private registry, which keeps repeated construction in
// tests from colliding on the default one.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &PrometheusRecorder{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bayesfitness_fit_total",
			Help: "Fitting runs by operation and result",
		}, []string{"operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bayesfitness_fit_duration_seconds",
			Help:    "Fitting run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"operation"}),
		objective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bayesfitness_fit_objective",
			Help: "Latest objective (ELBO or log density) reported by an optimiser",
		}, []string{"operation"}),
		iteration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bayesfitness_fit_iteration",
			Help: "Latest optimiser iteration reported",
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.results, r.durations, r.objective, r.iteration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.results.WithLabelValues(operation, status).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// Progress implements MetricsRecorder.
func (r *PrometheusRecorder) Progress(operation string, iteration int, objective float64) {
	r.objective.WithLabelValues(operation).Set(objective)
	r.iteration.WithLabelValues(operation).Set(float64(iteration))
}

