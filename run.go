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

package udaner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/antflydb/udaner/lib/conlleval"
	"github.com/antflydb/udaner/lib/corpus"
	"github.com/antflydb/udaner/lib/encoder"
	"github.com/antflydb/udaner/lib/evaluate"
	"github.com/antflydb/udaner/lib/features"
	"github.com/antflydb/udaner/lib/labels"
	"github.com/antflydb/udaner/lib/perturb"
	"github.com/antflydb/udaner/lib/tokenizer"
	"github.com/antflydb/udaner/lib/trainer"
	"github.com/antflydb/udaner/lib/tsa"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Report is the outcome of Run.
type Report struct {
	RunID string
	// Train is set when training ran.
	Train *trainer.Result
	// Predict is set when the predict file was scored.
	Predict        *conlleval.Metrics
	PredictionFile string
	Cache          features.StoreStats
}

// corpora holds everything read from disk before alignment.
type corpora struct {
	train               []corpus.LabeledExample
	predict             []corpus.LabeledExample
	unsupervised        []corpus.UnlabeledExample
	unsupervisedPredict []corpus.UnlabeledExample
	vocab               *labels.Vocabulary
}

// run carries the shared state of one invocation.
type run struct {
	cfg    Config
	logger *zap.Logger
	tok    tokenizer.Tokenizer
	store  *features.Store
}

// Run trains and/or evaluates a tagger as configured. Configuration errors
// wrap ErrInvalidConfig and are returned before any corpus is read.
func Run(ctx context.Context, logger *zap.Logger, cfg Config) (*Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkOutputDir(cfg.OutputDir, cfg.DoTrain); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("run_id", cfg.RunID))

	vocabPath, err := tokenizer.NewHubClient(
		tokenizer.WithHubToken(cfg.HFToken),
		tokenizer.WithHubLogger(logger.Named("hub")),
	).ResolveVocab(ctx, cfg.BertModel, cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving vocabulary: %w", err)
	}
	tok, err := tokenizer.LoadWordPiece(vocabPath, cfg.DoLowerCase)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded tokenizer",
		zap.String("vocab", vocabPath),
		zap.Int("size", tok.VocabSize()),
		zap.Bool("lowercase", cfg.DoLowerCase))

	store := features.NewStore(features.StoreConfig{
		Primary: cfg.Primary(),
		Logger:  logger.Named("features"),
	})
	defer store.Close()

	r := &run{cfg: cfg, logger: logger, tok: tok, store: store}
	data, err := r.read()
	if err != nil {
		return nil, err
	}

	report := &Report{RunID: cfg.RunID}
	var trained *encoder.WindowTagger
	if cfg.DoTrain {
		trained, report.Train, err = r.train(ctx, data)
		if err != nil {
			return report, err
		}
	}
	if cfg.DoPredict && cfg.Primary() {
		report.PredictionFile = corpus.PredictionFileName(cfg.OutputDir, cfg.PredictFile)
		m, err := r.predict(ctx, data, trained, report.PredictionFile)
		if err != nil {
			return report, err
		}
		report.Predict = &m
	}
	report.Cache = store.Stats()
	return report, nil
}

// read loads every configured corpus. Labeled corpora share one label
// draft so that evaluation labels are known to the model.
func (r *run) read() (*corpora, error) {
	data := &corpora{}
	draft := labels.NewDraft()

	var g errgroup.Group
	g.Go(func() error {
		var err error
		if r.cfg.DoTrain {
			if data.train, err = corpus.LoadLabeled(r.cfg.TrainFile, draft, r.logger); err != nil {
				return err
			}
			if len(data.train) == 0 {
				return fmt.Errorf("%w: no training sentences in %s", ErrInvalidConfig, r.cfg.TrainFile)
			}
		}
		if r.cfg.PredictFile != "" && (r.cfg.DoPredict || r.cfg.ExpectationRegularization || r.cfg.EvaluateEachEpoch) {
			data.predict, err = corpus.LoadLabeled(r.cfg.PredictFile, draft, r.logger)
		}
		return err
	})
	if r.cfg.DoTrain && r.cfg.UnsupervisedFile != "" {
		g.Go(func() (err error) {
			data.unsupervised, err = corpus.LoadUnlabeled(r.cfg.UnsupervisedFile)
			return err
		})
	}
	if r.cfg.UnsupervisedPredictFile != "" {
		g.Go(func() (err error) {
			data.unsupervisedPredict, err = corpus.LoadUnlabeled(r.cfg.UnsupervisedPredictFile)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reading corpora: %w", err)
	}
	data.vocab = draft.Finalize()
	r.logger.Info("Read corpora",
		zap.Int("train", len(data.train)),
		zap.Int("predict", len(data.predict)),
		zap.Int("unsupervised", len(data.unsupervised)),
		zap.Int("unsupervised_predict", len(data.unsupervisedPredict)),
		zap.Stringer("labels", data.vocab))
	return data, nil
}

func (r *run) alignLabeled(ctx context.Context, source string, examples []corpus.LabeledExample, vocab *labels.Vocabulary) ([]*features.Feature, error) {
	req := features.Request{
		Source:       source,
		CachePath:    features.CacheFileName(source, r.cfg.BertModel, r.cfg.MaxSeqLength),
		MaxSeqLength: r.cfg.MaxSeqLength,
		Labels:       vocab.Labels(),
	}
	return r.store.Load(ctx, req, func() ([]*features.Feature, error) {
		return features.AlignLabeled(examples, vocab, r.tok, r.cfg.MaxSeqLength, r.logger)
	})
}

func (r *run) alignUnlabeled(ctx context.Context, source string, examples []corpus.UnlabeledExample) ([]*features.Feature, error) {
	req := features.Request{
		Source:       source,
		CachePath:    features.CacheFileName(source, r.cfg.BertModel, r.cfg.UnsupervisedMaxSeqLength),
		MaxSeqLength: r.cfg.UnsupervisedMaxSeqLength,
	}
	return r.store.Load(ctx, req, func() ([]*features.Feature, error) {
		return features.AlignUnlabeled(examples, r.tok, r.cfg.UnsupervisedMaxSeqLength, r.logger)
	})
}

func (r *run) train(ctx context.Context, data *corpora) (*encoder.WindowTagger, *trainer.Result, error) {
	cfg := r.cfg
	trainFeats, err := r.alignLabeled(ctx, cfg.TrainFile, data.train, data.vocab)
	if err != nil {
		return nil, nil, err
	}
	var unsupFeats []*features.Feature
	if cfg.UnsupervisedFile != "" {
		if unsupFeats, err = r.alignUnlabeled(ctx, cfg.UnsupervisedFile, data.unsupervised); err != nil {
			return nil, nil, err
		}
	}

	model, err := encoder.NewWindowTagger(encoder.ModelConfig{
		VocabSize: r.tok.VocabSize(),
		NumLabels: data.vocab.Len(),
		Dropout:   cfg.Dropout,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	opt := encoder.NewAdam(
		encoder.GroupParameters(model.Parameters(), cfg.LearningRate, encoder.DefaultWeightDecay),
		encoder.DefaultAdamConfig(),
	)

	trainBatch, unsupBatch := cfg.StepBatchSizes()
	stepsPerEpoch := (len(trainFeats) + trainBatch - 1) / trainBatch
	if stepsPerEpoch < cfg.GradientAccumulationSteps {
		return nil, nil, fmt.Errorf("%w: %d training batches per epoch are fewer than %d gradient_accumulation_steps",
			ErrInvalidConfig, stepsPerEpoch, cfg.GradientAccumulationSteps)
	}
	var annealer *tsa.Annealer
	schedule, err := tsa.Parse(cfg.TSA, stepsPerEpoch, cfg.NumTrainEpochs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if schedule != nil {
		annealer = tsa.NewAnnealer(schedule)
	}

	perturber, err := perturb.Parse(cfg.Perturbation, r.tok, cfg.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var expected []float64
	regularization := 0.0
	if cfg.ExpectationRegularization {
		if expected, err = corpus.LabelUnigrams(data.predict, data.vocab); err != nil {
			return nil, nil, fmt.Errorf("expected label distribution: %w", err)
		}
		regularization = cfg.ExpectationRegularizationWeight
	}

	var eval *trainer.EvalSet
	if cfg.EvaluateEachEpoch {
		if eval, err = r.evalSet(ctx, data, data.vocab); err != nil {
			return nil, nil, err
		}
	}

	tr, err := trainer.New(trainer.Config{
		Epochs:                    cfg.NumTrainEpochs,
		TrainBatchSize:            trainBatch,
		UnsupervisedBatchSize:     unsupBatch,
		PredictBatchSize:          cfg.PredictBatchSize,
		GradientAccumulationSteps: cfg.GradientAccumulationSteps,
		LearningRate:              cfg.LearningRate,
		WarmupProportion:          cfg.WarmupProportion,
		NumOptimizationSteps:      cfg.NumOptimizationSteps(len(data.train)),
		UnsupervisedWeight:        cfg.UnsupervisedWeight,
		RegularizationWeight:      regularization,
		EvaluateEachEpoch:         cfg.EvaluateEachEpoch,
		EvaluateEveryEpochs:       cfg.EvaluateEveryEpochs,
		EarlyStopping:             cfg.EarlyStopping,
		OutputDir:                 cfg.OutputDir,
		Primary:                   cfg.Primary(),
		RunID:                     cfg.RunID,
		Seed:                      cfg.Seed,
		Replicas:                  cfg.Replicas,
		Progress:                  cfg.Progress,
	}, trainer.Deps{
		Model:        model,
		Optimizer:    opt,
		Annealer:     annealer,
		Perturber:    perturber,
		Tokenizer:    r.tok,
		Vocab:        data.vocab,
		Train:        trainFeats,
		Unsupervised: unsupFeats,
		Eval:         eval,
		Expected:     expected,
	}, r.logger)
	if err != nil {
		return nil, nil, err
	}

	res, err := tr.Train(ctx)
	if err != nil {
		return model, res, fmt.Errorf("training: %w", err)
	}
	r.logger.Info("Training finished",
		zap.Int("epochs", res.Epochs),
		zap.Int("global_step", res.GlobalStep),
		zap.Float64("best_f1", res.BestF1),
		zap.Bool("stopped_early", res.StoppedEarly))
	return model, res, nil
}

// evalSet aligns the held-out corpora against vocab.
func (r *run) evalSet(ctx context.Context, data *corpora, vocab *labels.Vocabulary) (*trainer.EvalSet, error) {
	feats, err := r.alignLabeled(ctx, r.cfg.PredictFile, data.predict, vocab)
	if err != nil {
		return nil, err
	}
	set := &trainer.EvalSet{
		Labeled:        corpus.Labeled{Examples: data.predict, Vocab: vocab},
		Features:       feats,
		PredictionPath: corpus.PredictionFileName(r.cfg.OutputDir, r.cfg.PredictFile),
	}
	if r.cfg.UnsupervisedPredictFile != "" {
		if set.Unsupervised, err = r.alignUnlabeled(ctx, r.cfg.UnsupervisedPredictFile, data.unsupervisedPredict); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// predict scores the predict file with the saved checkpoint. When training
// ran but never saved, the in-memory model is used instead.
func (r *run) predict(ctx context.Context, data *corpora, trained *encoder.WindowTagger, outputPath string) (conlleval.Metrics, error) {
	model, meta, err := encoder.LoadWindowTagger(r.cfg.OutputDir)
	vocab := data.vocab
	switch {
	case err == nil:
		if vocab, err = labels.FromLabels(meta.Labels); err != nil {
			return conlleval.Metrics{}, fmt.Errorf("checkpoint labels: %w", err)
		}
		r.logger.Info("Loaded checkpoint",
			zap.String("dir", r.cfg.OutputDir),
			zap.Int("epoch", meta.Epoch),
			zap.Float64("f1", meta.F1))
	case trained != nil && errors.Is(err, fs.ErrNotExist):
		r.logger.Warn("No checkpoint saved, evaluating the last model", zap.Error(err))
		model = trained
	default:
		return conlleval.Metrics{}, fmt.Errorf("loading checkpoint: %w", err)
	}

	set, err := r.evalSet(ctx, data, vocab)
	if err != nil {
		return conlleval.Metrics{}, err
	}
	ev := &evaluate.Evaluator{
		BatchSize: r.cfg.PredictBatchSize,
		Progress:  r.cfg.Progress,
		Logger:    r.logger.Named("evaluate"),
	}
	m, err := ev.Evaluate(ctx, model, set.Labeled, set.Features, outputPath)
	if err != nil {
		return conlleval.Metrics{}, err
	}
	if len(set.Unsupervised) > 0 && r.cfg.Perturbation != "" {
		perturber, err := perturb.Parse(r.cfg.Perturbation, r.tok, r.cfg.Seed)
		if err != nil {
			return m, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		um, err := ev.EvaluateUnsupervised(ctx, model, vocab, set.Unsupervised, perturber)
		if err != nil {
			return m, err
		}
		r.logger.Info("Unsupervised agreement",
			zap.Float64("precision", um.Precision),
			zap.Float64("recall", um.Recall),
			zap.Float64("f1", um.F1))
	}
	return m, nil
}
