package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "domainhealth"

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes performed, partitioned by result (ok or the error code).",
		},
		[]string{"result"},
	)

	probeDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_seconds",
			Help:      "Probe latency in seconds, including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
	)

	sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Sweeps run, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	sweepTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_checked_targets",
			Help:      "Targets checked by the most recent sweep.",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Incident state machine outcomes, partitioned by action.",
		},
		[]string{"action"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alert deliveries per channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

// Register attaches the collectors to reg. Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		probesTotal,
		probeDurationSeconds,
		sweepsTotal,
		sweepTargets,
		transitionsTotal,
		notificationsTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveProbe records one probe. An empty code means success.
func ObserveProbe(duration time.Duration, code string) {
	label := code
	if label == "" {
		label = "ok"
	}
	probesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	probeDurationSeconds.Observe(duration.Seconds())
}

func ObserveSweep(checked int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	sweepsTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		sweepTargets.Set(float64(checked))
	}
}

func ObserveTransition(action string) {
	transitionsTotal.WithLabelValues(action).Inc()
}

func ObserveNotification(channel string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}
