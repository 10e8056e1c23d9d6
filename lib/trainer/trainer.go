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

// Package trainer runs consistency training: every step combines the
// annealed supervised loss on a labeled batch with the agreement between
// clean and perturbed predictions on an unlabeled batch.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/antflydb/udaner/lib/conlleval"
	"github.com/antflydb/udaner/lib/corpus"
	"github.com/antflydb/udaner/lib/encoder"
	"github.com/antflydb/udaner/lib/evaluate"
	"github.com/antflydb/udaner/lib/features"
	"github.com/antflydb/udaner/lib/labels"
	"github.com/antflydb/udaner/lib/loss"
	"github.com/antflydb/udaner/lib/metrics"
	"github.com/antflydb/udaner/lib/perturb"
	"github.com/antflydb/udaner/lib/tokenizer"
	"github.com/antflydb/udaner/lib/tsa"
	"github.com/montanaflynn/stats"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"
)

const (
	// DefaultEvaluateEveryEpochs is the evaluation period in epochs.
	DefaultEvaluateEveryEpochs = 5
	sampleEveryEpochs          = 5
	sampleRows                 = 10
)

// Config holds the hyperparameters of a training run. Batch sizes are per
// step, i.e. already divided by the accumulation steps.
type Config struct {
	Epochs                    int
	TrainBatchSize            int
	UnsupervisedBatchSize     int
	PredictBatchSize          int
	GradientAccumulationSteps int
	LearningRate              float64
	WarmupProportion          float64
	// NumOptimizationSteps is the length of the learning rate schedule.
	NumOptimizationSteps int
	UnsupervisedWeight   float64
	// RegularizationWeight > 0 enables expectation regularization.
	RegularizationWeight float64

	EvaluateEachEpoch   bool
	EvaluateEveryEpochs int
	EarlyStopping       bool

	// OutputDir receives checkpoints. Only the primary worker writes.
	OutputDir string
	Primary   bool
	RunID     string
	Seed      uint64
	Replicas  int
	Progress  bool
}

// EvalSet is the held-out data scored during training.
type EvalSet struct {
	Labeled  corpus.Labeled
	Features []*features.Feature
	// Unsupervised features enable agreement scoring under perturbation.
	Unsupervised []*features.Feature
	// PredictionPath receives the predictions of every evaluation.
	PredictionPath string
}

// Deps are the collaborators of a run.
type Deps struct {
	Model     encoder.Trainable
	Optimizer encoder.Optimizer
	// Annealer is optional; without it every loss-bearing position counts.
	Annealer  *tsa.Annealer
	Perturber perturb.Perturber
	// Tokenizer is only used to render debug samples.
	Tokenizer tokenizer.Tokenizer
	Vocab     *labels.Vocabulary

	Train        []*features.Feature
	Unsupervised []*features.Feature
	Eval         *EvalSet
	// Expected is the label unigram distribution for regularization.
	Expected []float64
}

// StepStats describes one training step. Loss components are weighted but
// not divided by the accumulation steps.
type StepStats struct {
	Supervised        float64
	Unsupervised      float64
	Regularization    float64
	Total             float64
	Selection         *tsa.Selection
	UnsupervisedNames int
	// Optimized is set when the step ended an accumulation window.
	Optimized    bool
	LearningRate float64
}

// Evaluation is the outcome of one periodic evaluation.
type Evaluation struct {
	Epoch        int
	Supervised   conlleval.Metrics
	Unsupervised *conlleval.Metrics
	// F1 is the supervised F1, or its harmonic mean with the unsupervised
	// F1 when agreement is scored.
	F1 float64
}

// Result summarizes a run.
type Result struct {
	Epochs       int
	GlobalStep   int
	BestF1       float64
	StoppedEarly bool
	Saved        int
	Evaluations  []Evaluation
	// EpochLoss is the mean total loss of each epoch.
	EpochLoss []float64
}

type Trainer struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	enc       *encoder.Replicated
	sup       *EpochSampler
	unsup     *StreamSampler
	evaluator *evaluate.Evaluator

	globalStep int
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Trainer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Model == nil:
		return nil, errors.New("trainer needs a model")
	case deps.Optimizer == nil:
		return nil, errors.New("trainer needs an optimizer")
	case deps.Vocab == nil:
		return nil, errors.New("trainer needs a label vocabulary")
	case len(deps.Train) == 0:
		return nil, errors.New("no training features")
	case len(deps.Unsupervised) > 0 && deps.Perturber == nil:
		return nil, errors.New("unsupervised training needs a perturbation")
	case cfg.GradientAccumulationSteps < 1:
		return nil, fmt.Errorf("invalid gradient accumulation steps %d, should be >= 1", cfg.GradientAccumulationSteps)
	case cfg.EvaluateEachEpoch && deps.Eval == nil:
		return nil, errors.New("evaluation each epoch needs an evaluation set")
	}
	if cfg.RegularizationWeight > 0 && len(deps.Expected) != deps.Model.NumLabels() {
		return nil, fmt.Errorf("expected distribution has %d labels, model has %d",
			len(deps.Expected), deps.Model.NumLabels())
	}
	if cfg.EvaluateEveryEpochs <= 0 {
		cfg.EvaluateEveryEpochs = DefaultEvaluateEveryEpochs
	}
	if cfg.UnsupervisedBatchSize <= 0 {
		cfg.UnsupervisedBatchSize = cfg.TrainBatchSize
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 1))
	sup := NewEpochSampler(deps.Train, cfg.TrainBatchSize, rng)
	// The optimizer only runs on accumulation boundaries within an epoch.
	if sup.BatchesPerEpoch() < cfg.GradientAccumulationSteps {
		return nil, fmt.Errorf("%d batches per epoch never complete %d accumulation steps",
			sup.BatchesPerEpoch(), cfg.GradientAccumulationSteps)
	}
	if cfg.NumOptimizationSteps <= 0 {
		cfg.NumOptimizationSteps = sup.BatchesPerEpoch() / cfg.GradientAccumulationSteps * max(cfg.Epochs, 1)
	}

	logger = logger.Named("trainer")
	return &Trainer{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		enc:    encoder.NewReplicated(deps.Model, cfg.Replicas),
		sup:    sup,
		unsup:  NewStreamSampler(deps.Unsupervised, cfg.UnsupervisedBatchSize, rng),
		evaluator: &evaluate.Evaluator{
			BatchSize: cfg.PredictBatchSize,
			Progress:  cfg.Progress,
			Logger:    logger,
		},
	}, nil
}

// NumOptimizationSteps is the length of the learning rate schedule.
func (t *Trainer) NumOptimizationSteps() int {
	return t.cfg.NumOptimizationSteps
}

// GlobalStep is the number of optimizer updates so far.
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// StepsPerEpoch is the number of supervised batches in an epoch.
func (t *Trainer) StepsPerEpoch() int {
	return t.sup.BatchesPerEpoch()
}

// Step runs forward and backward passes on one supervised batch and the next
// unsupervised batch. index is the position of the step within its epoch;
// the optimizer runs whenever index+1 completes an accumulation window.
func (t *Trainer) Step(ctx context.Context, epoch, index int, sup []*features.Feature) (StepStats, error) {
	start := time.Now()
	accum := float64(t.cfg.GradientAccumulationSteps)
	var st StepStats

	batch := features.Collate(sup)
	if batch.LabelIDs == nil {
		return st, errors.New("supervised batch has unlabeled features")
	}
	out, err := t.enc.Forward(ctx, batch, true)
	if err != nil {
		return st, fmt.Errorf("supervised forward: %w", err)
	}
	positions := loss.Masked(batch.LossMask)
	if t.deps.Annealer != nil {
		sel := t.deps.Annealer.Apply(out.Logits, batch.LabelIDs, batch.LossMask)
		positions = sel.Positions
		st.Selection = &sel
		metrics.RecordTSA(sel.Threshold, sel.KeptFraction())
	}
	ce, grad, err := loss.CrossEntropy(out.Logits, batch.LabelIDs, positions)
	if err != nil {
		return st, fmt.Errorf("supervised loss: %w", err)
	}
	st.Supervised = ce
	if grad != nil {
		if err := out.Backward(loss.Scale(grad, 1/accum)); err != nil {
			return st, fmt.Errorf("supervised backward: %w", err)
		}
	}

	if err := t.consistency(ctx, &st, epoch%sampleEveryEpochs == 0 && index == 0); err != nil {
		return st, err
	}

	st.Total = st.Supervised + st.Unsupervised + st.Regularization
	metrics.RecordLosses(st.Supervised, st.Unsupervised, st.Regularization, st.Total)

	if (index+1)%t.cfg.GradientAccumulationSteps == 0 {
		lr, err := t.optimize()
		if err != nil {
			return st, err
		}
		st.Optimized = true
		st.LearningRate = lr
	}
	metrics.RecordStep(time.Since(start).Seconds())
	return st, nil
}

// consistency adds the unsupervised and regularization terms of a step.
func (t *Trainer) consistency(ctx context.Context, st *StepStats, sample bool) error {
	feats := t.unsup.Next()
	if feats == nil {
		return nil
	}
	accum := float64(t.cfg.GradientAccumulationSteps)

	batch := features.Collate(feats)
	clean, err := t.enc.Forward(ctx, batch, false)
	if err != nil {
		return fmt.Errorf("clean forward: %w", err)
	}
	target := clean.Detach()
	st.UnsupervisedNames = countNames(target, batch.InputMask)
	metrics.SetUnsupervisedNames(st.UnsupervisedNames)

	noisy, err := t.deps.Perturber.Perturb(ctx, batch, target)
	if err != nil {
		return fmt.Errorf("perturbing: %w", err)
	}
	perturbed, err := t.enc.Forward(ctx, noisy, false)
	if err != nil {
		return fmt.Errorf("perturbed forward: %w", err)
	}
	if sample {
		t.logSample(batch, noisy)
	}

	positions := loss.Masked(noisy.LossMask)
	mse, grad, err := loss.MSE(perturbed.Logits, target.Logits, positions)
	if err != nil {
		return fmt.Errorf("consistency loss: %w", err)
	}
	st.Unsupervised = t.cfg.UnsupervisedWeight * mse
	if grad != nil && t.cfg.UnsupervisedWeight != 0 {
		if err := perturbed.Backward(loss.Scale(grad, t.cfg.UnsupervisedWeight/accum)); err != nil {
			return fmt.Errorf("consistency backward: %w", err)
		}
	}

	if t.cfg.RegularizationWeight <= 0 {
		return nil
	}
	kl, grad, err := loss.ExpectationKL(clean.Logits, loss.Masked(batch.LossMask), t.deps.Expected)
	if err != nil {
		return fmt.Errorf("regularization loss: %w", err)
	}
	st.Regularization = t.cfg.RegularizationWeight * kl
	if grad != nil {
		if err := clean.Backward(loss.Scale(grad, t.cfg.RegularizationWeight/accum)); err != nil {
			return fmt.Errorf("regularization backward: %w", err)
		}
	}
	return nil
}

// optimize applies the warmup schedule and updates the parameters.
func (t *Trainer) optimize() (float64, error) {
	opt := t.deps.Optimizer
	progress := float64(t.globalStep) / float64(max(t.cfg.NumOptimizationSteps, 1))
	lr := t.cfg.LearningRate * encoder.WarmupLinear(progress, t.cfg.WarmupProportion)
	opt.SetLearningRate(lr)
	for _, g := range opt.ParamGroups() {
		metrics.SetWeightDecay(g.Name, g.WeightDecay)
	}
	if err := opt.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	opt.ZeroGrad()
	metrics.RecordOptimizerStep(lr)
	t.globalStep++
	return lr, nil
}

// countNames counts attended positions whose clean prediction is not the
// outside label.
func countNames(out *encoder.Output, mask [][]int) int {
	n := 0
	for i, row := range out.Logits {
		for p, logits := range row {
			if mask[i][p] == 1 && loss.Argmax(logits) > 0 {
				n++
			}
		}
	}
	return n
}

func (t *Trainer) logSample(clean, perturbed *encoder.Batch) {
	if t.deps.Tokenizer == nil || !t.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for i := range min(sampleRows, clean.Size()) {
		t.logger.Debug("Perturbation sample",
			zap.String("clean", t.text(clean.InputIDs[i], clean.InputMask[i])),
			zap.String("perturbed", t.text(perturbed.InputIDs[i], perturbed.InputMask[i])))
	}
}

func (t *Trainer) text(ids, mask []int) string {
	var kept []int
	for p, id := range ids {
		if mask[p] == 1 {
			kept = append(kept, id)
		}
	}
	s := strings.Join(t.deps.Tokenizer.ConvertIDsToTokens(kept), " ")
	return strings.ReplaceAll(s, " "+tokenizer.ContinuationPrefix, "")
}

// forEachEpoch calls fn for every epoch until it asks to stop.
func (t *Trainer) forEachEpoch(fn func(epoch int) (stop bool, err error)) error {
	if !t.cfg.Progress {
		for epoch := range t.cfg.Epochs {
			stop, err := fn(epoch)
			if err != nil || stop {
				return err
			}
		}
		return nil
	}

	var ferr error
	err := tqdm.With(iterators.Interval(0, t.cfg.Epochs), "Epoch", func(v interface{}) (brk bool) {
		var stop bool
		stop, ferr = fn(v.(int))
		return stop || ferr != nil
	})
	if ferr != nil {
		return ferr
	}
	return err
}

// Train runs the configured number of epochs, evaluating and checkpointing
// along the way.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	t.logger.Info("Running training",
		zap.Int("features", len(t.deps.Train)),
		zap.Int("unsupervised_features", len(t.deps.Unsupervised)),
		zap.Int("num_labels", t.deps.Vocab.Len()),
		zap.Int("batch_size", t.cfg.TrainBatchSize),
		zap.Int("steps_per_epoch", t.StepsPerEpoch()),
		zap.Int("num_steps", t.cfg.NumOptimizationSteps),
		zap.Int("replicas", t.enc.Replicas()))
	if t.deps.Annealer != nil {
		t.logger.Info("Training signal annealing", zap.Stringer("schedule", t.deps.Annealer.Schedule()))
	}

	res := &Result{}
	var current float64
	err := t.forEachEpoch(func(epoch int) (bool, error) {
		batches := t.sup.Epoch()
		losses := make([]float64, 0, len(batches))
		for i, b := range batches {
			if err := ctx.Err(); err != nil {
				return true, err
			}
			st, err := t.Step(ctx, epoch, i, b)
			if err != nil {
				return true, fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
			}
			losses = append(losses, st.Total)
		}
		mean, _ := stats.Mean(losses)
		worst, _ := stats.Max(losses)
		res.Epochs = epoch + 1
		res.GlobalStep = t.globalStep
		res.EpochLoss = append(res.EpochLoss, mean)
		metrics.SetEpochsCompleted(res.Epochs)
		t.logger.Info("Epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("mean_loss", mean),
			zap.Float64("max_loss", worst),
			zap.Int("global_step", t.globalStep))

		if !t.cfg.EvaluateEachEpoch {
			return false, t.save(epoch, 0, res)
		}
		if epoch%t.cfg.EvaluateEveryEpochs != 0 {
			return false, nil
		}

		ev, err := t.Evaluate(ctx, epoch)
		if err != nil {
			return true, err
		}
		res.Evaluations = append(res.Evaluations, ev)

		if t.cfg.EarlyStopping && epoch > 0 && ev.F1 < current {
			t.logger.Info("Stopping early",
				zap.Float64("f1", ev.F1),
				zap.Float64("previous_f1", current))
			res.StoppedEarly = true
			return true, nil
		}
		if ev.F1 > res.BestF1 {
			if err := t.save(epoch, ev.F1, res); err != nil {
				return true, err
			}
			res.BestF1 = ev.F1
		}
		current = ev.F1
		return false, nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// Evaluate scores the model on the evaluation set.
func (t *Trainer) Evaluate(ctx context.Context, epoch int) (Evaluation, error) {
	set := t.deps.Eval
	if set == nil {
		return Evaluation{}, errors.New("no evaluation set")
	}
	path := set.PredictionPath
	if !t.cfg.Primary {
		path = ""
	}

	ev := Evaluation{Epoch: epoch}
	m, err := t.evaluator.Evaluate(ctx, t.enc, set.Labeled, set.Features, path)
	if err != nil {
		return ev, fmt.Errorf("evaluating epoch %d: %w", epoch, err)
	}
	ev.Supervised = m
	ev.F1 = m.F1
	metrics.RecordEvaluation("supervised", m.Precision, m.Recall, m.F1)

	if len(set.Unsupervised) > 0 && t.deps.Perturber != nil {
		um, err := t.evaluator.EvaluateUnsupervised(ctx, t.enc, t.deps.Vocab, set.Unsupervised, t.deps.Perturber)
		if err != nil {
			return ev, fmt.Errorf("evaluating epoch %d: %w", epoch, err)
		}
		ev.Unsupervised = &um
		ev.F1 = conlleval.HarmonicMean(m.F1, um.F1)
		metrics.RecordEvaluation("unsupervised", um.Precision, um.Recall, um.F1)
		metrics.RecordCombinedF1(ev.F1)
	}
	t.logger.Info("Evaluated",
		zap.Int("epoch", epoch),
		zap.Float64("precision", m.Precision),
		zap.Float64("recall", m.Recall),
		zap.Float64("f1", ev.F1))
	return ev, nil
}

func (t *Trainer) save(epoch int, f1 float64, res *Result) error {
	if !t.cfg.Primary || t.cfg.OutputDir == "" {
		return nil
	}
	meta := encoder.CheckpointMeta{
		Labels:  t.deps.Vocab.Labels(),
		RunID:   t.cfg.RunID,
		Epoch:   epoch,
		F1:      f1,
		SavedAt: time.Now().UTC(),
	}
	if cp, ok := t.deps.Model.(encoder.Checkpointable); ok {
		meta.Model = cp.Config()
	}
	t.logger.Info("Saving model", zap.String("dir", t.cfg.OutputDir), zap.Int("epoch", epoch))
	if err := encoder.SaveCheckpoint(t.cfg.OutputDir, t.deps.Model.Parameters(), meta); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	res.Saved++
	return nil
}
