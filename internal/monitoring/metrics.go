package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollsTotal counts scale poll attempts by outcome ("sample" or
	// "failure").
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_polls_total",
		Help: "Total number of scale poll attempts",
	}, []string{"outcome"})

	// SamplesDiscarded counts samples dropped by a filter stage.
	SamplesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_samples_discarded_total",
		Help: "Samples discarded before confirmation, by reason",
	}, []string{"reason"})

	// WeightConfirmed counts confirmed weight-change events.
	WeightConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_weight_confirmed_total",
		Help: "Confirmed, newly stable weight changes",
	})

	// ModeTransitions counts polling mode transitions by target mode.
	ModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scale_mode_transitions_total",
		Help: "Polling mode transitions",
	}, []string{"mode"})

	// TareRecoveries counts automatic tare commands issued after a
	// prolonged read outage.
	TareRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scale_tare_recoveries_total",
		Help: "Automatic tare commands issued to recover the scale",
	})

	// CurrentWeight reports the last confirmed weight in kilograms.
	CurrentWeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scale_weight_kg",
		Help: "Last confirmed stable weight in kilograms",
	})

	// ConnectionOK reports driver connectivity (1 connected, 0 lost).
	ConnectionOK = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scale_connection_ok",
		Help: "Whether the scale driver reports a live connection",
	})
)
