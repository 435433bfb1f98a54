// Package metrics records pipeline activity in a Prometheus registry.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/roach88/kvpipe/internal/pipeline"
)

// Registry holds the pipeline metrics. It implements pipeline.Observer.
type Registry struct {
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	RunsTotal    *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	RunSteps     prometheus.Histogram
	ScanRecords  prometheus.Histogram

	registry *prometheus.Registry
}

var _ pipeline.Observer = (*Registry)(nil)

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initPipelineMetrics()
	return r
}

func (r *Registry) initPipelineMetrics() {
	r.StepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvpipe_pipeline_steps_total",
			Help: "Total number of pipeline steps executed",
		},
		[]string{"op", "status"},
	)

	r.StepDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvpipe_pipeline_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"op"},
	)

	r.RunsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvpipe_pipeline_runs_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"status"},
	)

	r.RunDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvpipe_pipeline_run_duration_seconds",
			Help:    "Pipeline run duration in seconds, including begin and commit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.RunSteps = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvpipe_pipeline_run_steps",
			Help:    "Number of steps executed per pipeline run",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100},
		},
	)

	r.ScanRecords = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvpipe_search_records",
			Help:    "Number of records collected per search step",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000},
		},
	)
}

// ObserveStep records one executed step.
func (r *Registry) ObserveStep(op pipeline.Op, status string, d time.Duration) {
	r.StepsTotal.WithLabelValues(op.String(), status).Inc()
	r.StepDuration.WithLabelValues(op.String()).Observe(d.Seconds())
}

// ObserveRun records a finished run.
func (r *Registry) ObserveRun(status string, steps int, d time.Duration) {
	r.RunsTotal.WithLabelValues(status).Inc()
	r.RunDuration.Observe(d.Seconds())
	r.RunSteps.Observe(float64(steps))
}

// ObserveScan records how many records a search step collected.
func (r *Registry) ObserveScan(records int) {
	r.ScanRecords.Observe(float64(records))
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Sample is one counter value from a snapshot.
type Sample struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Counters gathers every counter in the registry, sorted by name and
// label values.
func (r *Registry) Counters() ([]Sample, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			s := Sample{Name: mf.GetName(), Value: m.GetCounter().GetValue()}
			if len(m.GetLabel()) > 0 {
				s.Labels = make(map[string]string, len(m.GetLabel()))
				for _, lp := range m.GetLabel() {
					s.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return labelString(out[i].Labels) < labelString(out[j].Labels)
	})
	return out, nil
}

func labelString(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += k + "=" + labels[k] + ","
	}
	return s
}
