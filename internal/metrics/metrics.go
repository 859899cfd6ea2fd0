package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whittle_forward_passes_total",
		Help: "Total forward passes, by execution mode",
	}, []string{"mode"})

	TrainingStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whittle_training_steps_total",
		Help: "Total mask-optimization steps, by algorithm",
	}, []string{"algorithm"})

	TrainingLoss = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whittle_training_loss",
		Help:    "Per-step training loss values, by algorithm",
		Buckets: []float64{-10, -5, -2, -1, -0.5, -0.1, 0, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"algorithm"})

	EpochDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whittle_epoch_duration_seconds",
		Help:    "Duration of one training epoch, by algorithm",
		Buckets: prometheus.DefBuckets,
	}, []string{"algorithm"})

	KLDivergence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "whittle_kl_divergence",
		Help:    "KL divergence observations from evaluation sweeps",
		Buckets: []float64{0, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
	})

	CircuitEdges = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "whittle_circuit_edges",
		Help:    "Edge counts of evaluated circuits",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000, 5000},
	})

	MaskOpenFraction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whittle_mask_open_fraction",
		Help: "Fraction of mask gates currently expected open, by algorithm",
	}, []string{"algorithm"})

	ActivationCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whittle_activation_cache_bytes",
		Help: "Bytes of recorded source activations held by the patch store",
	})

	ActivationCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whittle_activation_cache_entries",
		Help: "Recorded (regime, batch) snapshots held by the patch store",
	})

	NonFiniteLossTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whittle_nonfinite_loss_total",
		Help: "Training runs aborted on a non-finite loss, by algorithm",
	}, []string{"algorithm"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whittle_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ScoresExportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whittle_scores_exported_total",
		Help: "Prune-score modules exported over Flight",
	})
)

func RecordForward(mode string) {
	ForwardPassesTotal.WithLabelValues(mode).Inc()
}

func RecordTrainingStep(algorithm string, loss float64) {
	TrainingStepsTotal.WithLabelValues(algorithm).Inc()
	TrainingLoss.WithLabelValues(algorithm).Observe(loss)
}

func RecordEpoch(algorithm string, duration time.Duration) {
	EpochDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
}

func RecordCircuitEval(edges int, klDiv float64) {
	CircuitEdges.Observe(float64(edges))
	KLDivergence.Observe(klDiv)
}

func RecordMaskOpenFraction(algorithm string, fraction float64) {
	MaskOpenFraction.WithLabelValues(algorithm).Set(fraction)
}

func RecordCacheStats(bytes int64, entries int) {
	ActivationCacheBytes.Set(float64(bytes))
	ActivationCacheEntries.Set(float64(entries))
}

func RecordNonFiniteLoss(algorithm string) {
	NonFiniteLossTotal.WithLabelValues(algorithm).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordScoresExported(modules int) {
	ScoresExportedTotal.Add(float64(modules))
}
