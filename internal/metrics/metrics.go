package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/orchestrator"
)

// Collector exports run and execution metrics. It implements
// orchestrator.Observer.
type Collector struct {
	orchestrator.NopObserver

	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	lastRun           *prometheus.GaugeVec
	runsInFlight      prometheus.Gauge
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	progress          *prometheus.GaugeVec
	joinWarnings      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dayrun_runs_total",
			Help: "Runs finished, by status and trigger",
		}, []string{"status", "trigger"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dayrun_run_duration_seconds",
			Help:    "Wall-clock duration of runs",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dayrun_last_run_timestamp_seconds",
			Help: "Unix time the last run finished, by status",
		}, []string{"status"}),
		runsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dayrun_runs_in_flight",
			Help: "Runs currently executing",
		}),
		executionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dayrun_executions_total",
			Help: "Pipeline executions finished, by pipeline and status",
		}, []string{"pipeline", "status"}),
		executionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dayrun_execution_duration_seconds",
			Help:    "Wall-clock duration of pipeline executions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"pipeline"}),
		progress: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dayrun_execution_progress_percent",
			Help: "Estimated progress of the current execution of each pipeline",
		}, []string{"pipeline"}),
		joinWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dayrun_join_warnings_total",
			Help: "Forked pipelines that failed and were only reported at the join",
		}, []string{"pipeline"}),
	}
}

func (c *Collector) RunStarted(*models.Run, *models.ExecutionPlan) {
	c.runsInFlight.Inc()
}

func (c *Collector) ExecutionStarted(_ *models.Run, exec *models.Execution) {
	c.progress.WithLabelValues(exec.Pipeline).Set(0)
}

func (c *Collector) ExecutionProgress(_ *models.Run, exec *models.Execution, pct int) {
	c.progress.WithLabelValues(exec.Pipeline).Set(float64(pct))
}

func (c *Collector) ExecutionFinished(_ *models.Run, exec *models.Execution, res models.RunResult, _ error) {
	c.executionsTotal.WithLabelValues(exec.Pipeline, string(res.Status)).Inc()
	c.executionDuration.WithLabelValues(exec.Pipeline).Observe(res.Finished.Sub(res.Started).Seconds())
	c.progress.WithLabelValues(exec.Pipeline).Set(float64(res.Progress))
}

func (c *Collector) RunFinished(run *models.Run, outcome *models.Outcome) {
	c.runsInFlight.Dec()
	c.runsTotal.WithLabelValues(string(outcome.Status), string(run.Trigger)).Inc()
	if run.CompletedAt != nil {
		c.runDuration.Observe(run.CompletedAt.Sub(run.CreatedAt).Seconds())
		c.lastRun.WithLabelValues(string(outcome.Status)).Set(float64(run.CompletedAt.Unix()))
	}
	for pipeline := range outcome.Join.Codes {
		c.joinWarnings.WithLabelValues(pipeline).Inc()
	}
}
