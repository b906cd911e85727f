package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_submissions_total",
			Help: "Submissions by terminal state",
		},
		[]string{"state"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_stage_duration_seconds",
			Help:    "Wall time of each pipeline stage",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		},
		[]string{"stage"}, // stage: "compile", "run"
	)

	ActiveSubmissions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_active_submissions",
			Help: "Submissions currently between workspace creation and release",
		},
	)

	LiveWorkspaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_live_workspaces",
			Help: "Workspace files currently on disk",
		},
	)

	OutputBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_output_bytes_total",
			Help: "Bytes relayed from child processes",
		},
		[]string{"stream"},
	)

	SpawnErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_spawn_errors_total",
			Help: "Child processes that could not be started",
		},
		[]string{"stage"},
	)

	SweptWorkspaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_swept_workspaces_total",
			Help: "Orphaned workspace files removed by the sweeper",
		},
	)
)
