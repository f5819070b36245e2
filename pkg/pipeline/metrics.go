package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_pipeline_runs_total",
		Help: "Pipeline runs by terminal outcome.",
	}, []string{"outcome"})

	pipelineStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_pipeline_stage_failures_total",
		Help: "Stage failures by stage name.",
	}, []string{"stage"})

	pipelinesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plugin_pipelines_in_flight",
		Help: "Pipelines currently running.",
	})
)
