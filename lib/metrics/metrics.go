// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors of a training run.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	lossValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "loss",
			Help:      "Loss of the most recent training step.",
		},
		[]string{"component"}, // supervised, unsupervised, regularization, total
	)

	learningRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "learning_rate",
			Help:      "Learning rate applied at the most recent optimizer step.",
		},
	)

	weightDecay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "weight_decay",
			Help:      "Weight decay of each parameter group.",
		},
		[]string{"group"},
	)

	tsaThreshold = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "tsa_threshold",
			Help:      "Training signal annealing threshold at the current step.",
		},
	)

	tsaKeptFraction = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "tsa_kept_fraction",
			Help:      "Fraction of supervised positions kept in the loss.",
		},
	)

	unsupervisedNames = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "unsupervised_names",
			Help:      "Clean unsupervised positions predicted as an entity label.",
		},
	)

	evaluationScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "evaluation_score",
			Help:      "Most recent evaluation score in percent.",
		},
		[]string{"kind", "measure"}, // kind: supervised, unsupervised, combined
	)

	optimizerSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "optimizer_steps_total",
			Help:      "The total number of optimizer updates.",
		},
	)

	trainingSteps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "training_steps_total",
			Help:      "The total number of forward/backward steps.",
		},
	)

	epochsCompleted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "epochs_completed",
			Help:      "Number of completed training epochs.",
		},
	)

	stepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "step_duration_seconds",
			Help:      "Time taken by one training step.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "cache_hits_total",
			Help:      "Total number of feature cache hits.",
		},
		[]string{"layer"}, // memory, disk
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "udaner",
			Name:      "cache_misses_total",
			Help:      "Total number of feature cache misses.",
		},
		[]string{"reason"}, // missing, stale, corrupt
	)
)

func init() {
	prometheus.MustRegister(lossValue)
	prometheus.MustRegister(learningRate)
	prometheus.MustRegister(weightDecay)
	prometheus.MustRegister(tsaThreshold)
	prometheus.MustRegister(tsaKeptFraction)
	prometheus.MustRegister(unsupervisedNames)
	prometheus.MustRegister(evaluationScore)
	prometheus.MustRegister(optimizerSteps)
	prometheus.MustRegister(trainingSteps)
	prometheus.MustRegister(epochsCompleted)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordLosses sets the loss gauges of the latest step
func RecordLosses(supervised, unsupervised, regularization, total float64) {
	lossValue.WithLabelValues("supervised").Set(supervised)
	lossValue.WithLabelValues("unsupervised").Set(unsupervised)
	lossValue.WithLabelValues("regularization").Set(regularization)
	lossValue.WithLabelValues("total").Set(total)
}

// RecordOptimizerStep records an optimizer update with its learning rate
func RecordOptimizerStep(lr float64) {
	learningRate.Set(lr)
	optimizerSteps.Inc()
}

// SetWeightDecay records the weight decay of a parameter group
func SetWeightDecay(group string, decay float64) {
	weightDecay.WithLabelValues(group).Set(decay)
}

// RecordTSA records the annealing threshold and the kept fraction
func RecordTSA(threshold, keptFraction float64) {
	tsaThreshold.Set(threshold)
	tsaKeptFraction.Set(keptFraction)
}

// SetUnsupervisedNames records the entity count of the latest clean forward
func SetUnsupervisedNames(count int) {
	unsupervisedNames.Set(float64(count))
}

// RecordEvaluation records precision, recall and F1 of an evaluation
func RecordEvaluation(kind string, precision, recall, f1 float64) {
	evaluationScore.WithLabelValues(kind, "precision").Set(precision)
	evaluationScore.WithLabelValues(kind, "recall").Set(recall)
	evaluationScore.WithLabelValues(kind, "f1").Set(f1)
}

// RecordCombinedF1 records the harmonic mean of supervised and unsupervised F1
func RecordCombinedF1(f1 float64) {
	evaluationScore.WithLabelValues("combined", "f1").Set(f1)
}

// RecordStep records a training step and its duration
func RecordStep(seconds float64) {
	trainingSteps.Inc()
	stepDuration.Observe(seconds)
}

// SetEpochsCompleted records training progress
func SetEpochsCompleted(n int) {
	epochsCompleted.Set(float64(n))
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(layer string) {
	cacheHits.WithLabelValues(layer).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(reason string) {
	cacheMisses.WithLabelValues(reason).Inc()
}
