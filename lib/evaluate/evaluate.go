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

// Package evaluate maps wordpiece-level predictions back onto words and
// scores them.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/antflydb/udaner/lib/conlleval"
	"github.com/antflydb/udaner/lib/corpus"
	"github.com/antflydb/udaner/lib/encoder"
	"github.com/antflydb/udaner/lib/features"
	"github.com/antflydb/udaner/lib/labels"
	"github.com/antflydb/udaner/lib/loss"
	"github.com/antflydb/udaner/lib/perturb"
	"github.com/antflydb/udaner/lib/tokenizer"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"
)

// headLabels walks the pieces of a feature and returns, for every head
// piece, the predicted label and the index of the word it starts.
func headLabels(f *features.Feature, predicted []string) (heads []string, words []int) {
	last := -1
	for i, tok := range f.Tokens {
		if tok == tokenizer.CLS || tok == tokenizer.SEP {
			continue
		}
		orig, ok := f.TokenToOrig[i]
		if !ok || orig == last {
			continue
		}
		heads = append(heads, predicted[i])
		words = append(words, orig)
		last = orig
	}
	return heads, words
}

// argmaxLabels converts per-position logits to label strings.
func argmaxLabels(logits [][]float32, vocab *labels.Vocabulary) []string {
	ids := make([]int, len(logits))
	for i, l := range logits {
		ids[i] = loss.Argmax(l)
	}
	return vocab.LabelsOf(ids)
}

// Reconstruct turns raw results into word-level predictions and the
// matching gold labels. Results are matched to features by unique id and
// features to examples by example index. Examples truncated during
// alignment are logged and scored on the words that survived.
func Reconstruct(
	examples []corpus.LabeledExample,
	feats []*features.Feature,
	results []encoder.RawResult,
	vocab *labels.Vocabulary,
	logger *zap.Logger,
) (pred, gold [][]string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[int64]encoder.RawResult, len(results))
	for _, r := range results {
		byID[r.UniqueID] = r
	}

	pred = make([][]string, 0, len(feats))
	gold = make([][]string, 0, len(feats))
	for _, f := range feats {
		r, ok := byID[f.UniqueID]
		if !ok {
			return nil, nil, fmt.Errorf("no result for feature %d", f.UniqueID)
		}
		if f.ExampleIndex < 0 || f.ExampleIndex >= len(examples) {
			return nil, nil, fmt.Errorf("feature %d refers to missing example %d", f.UniqueID, f.ExampleIndex)
		}
		example := examples[f.ExampleIndex]

		heads, words := headLabels(f, argmaxLabels(r.Logits, vocab))
		truth := make([]string, len(words))
		for i, w := range words {
			truth[i] = example.Labels[w]
		}
		if len(heads) != len(example.Labels) {
			logger.Warn("Example exceeds the maximum sequence length",
				zap.Int("words", len(example.Labels)),
				zap.Int("scored", len(heads)),
				zap.Stringer("example", example))
		}
		pred = append(pred, heads)
		gold = append(gold, truth)
	}
	return pred, gold, nil
}

// Evaluator runs batched inference over a partition.
type Evaluator struct {
	BatchSize int
	// Progress draws a progress bar on stderr.
	Progress bool
	Logger   *zap.Logger
}

func (e *Evaluator) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Evaluator) batches(n int) [][2]int {
	size := max(e.BatchSize, 1)
	var out [][2]int
	for from := 0; from < n; from += size {
		out = append(out, [2]int{from, min(from+size, n)})
	}
	return out
}

// forEachBatch visits feature batches in order.
func (e *Evaluator) forEachBatch(ctx context.Context, desc string, feats []*features.Feature,
	fn func(batch *encoder.Batch, part []*features.Feature) error,
) error {
	bounds := e.batches(len(feats))
	visit := func(i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		part := feats[bounds[i][0]:bounds[i][1]]
		return fn(features.Collate(part), part)
	}

	if !e.Progress {
		for i := range bounds {
			if err := visit(i); err != nil {
				return err
			}
		}
		return nil
	}

	var ferr error
	err := tqdm.With(iterators.Interval(0, len(bounds)), desc, func(v interface{}) (brk bool) {
		if ferr = visit(v.(int)); ferr != nil {
			return true
		}
		return false
	})
	if ferr != nil {
		return ferr
	}
	return err
}

// Predict runs the encoder in inference mode over feats in order.
func (e *Evaluator) Predict(ctx context.Context, enc encoder.Encoder, feats []*features.Feature) ([]encoder.RawResult, error) {
	results := make([]encoder.RawResult, 0, len(feats))
	err := e.forEachBatch(ctx, "Evaluating", feats, func(batch *encoder.Batch, _ []*features.Feature) error {
		out, err := enc.Forward(ctx, batch, false)
		if err != nil {
			return err
		}
		results = append(results, encoder.Results(batch, out)...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("predicting: %w", err)
	}
	return results, nil
}

// Evaluate predicts a labeled partition, writes the prediction file when
// outputPath is set, and scores the predictions against the gold labels.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	enc encoder.Encoder,
	labeled corpus.Labeled,
	feats []*features.Feature,
	outputPath string,
) (conlleval.Metrics, error) {
	logger := e.logger()
	logger.Info("Running predictions",
		zap.Int("examples", len(labeled.Examples)),
		zap.Int("features", len(feats)),
		zap.Int("batch_size", e.BatchSize))

	results, err := e.Predict(ctx, enc, feats)
	if err != nil {
		return conlleval.Metrics{}, err
	}
	pred, gold, err := Reconstruct(labeled.Examples, feats, results, labeled.Vocab, logger)
	if err != nil {
		return conlleval.Metrics{}, err
	}

	if outputPath != "" {
		logger.Info("Writing predictions", zap.String("path", outputPath))
		if err := corpus.WritePredictionsFile(outputPath, pred); err != nil {
			return conlleval.Metrics{}, err
		}
	}

	m, err := conlleval.Evaluate(slices.Concat(gold...), slices.Concat(pred...))
	if err != nil {
		return conlleval.Metrics{}, fmt.Errorf("scoring: %w", err)
	}
	logger.Info("Evaluation", zap.String("report", m.String()))
	return m, nil
}

// EvaluateUnsupervised measures how often predictions survive perturbation:
// clean head-piece predictions act as gold and perturbed ones as guesses.
// When the clean pass predicts no entity at all the result is zero.
func (e *Evaluator) EvaluateUnsupervised(
	ctx context.Context,
	enc encoder.Encoder,
	vocab *labels.Vocabulary,
	feats []*features.Feature,
	perturber perturb.Perturber,
) (conlleval.Metrics, error) {
	if perturber == nil {
		return conlleval.Metrics{}, errors.New("unsupervised evaluation needs a perturbation")
	}

	var clean, perturbed []string
	err := e.forEachBatch(ctx, "Evaluating unsupervised", feats, func(batch *encoder.Batch, part []*features.Feature) error {
		orig, err := enc.Forward(ctx, batch, false)
		if err != nil {
			return err
		}
		orig = orig.Detach()
		noisy, err := perturber.Perturb(ctx, batch, orig)
		if err != nil {
			return fmt.Errorf("perturbing: %w", err)
		}
		out, err := enc.Forward(ctx, noisy, false)
		if err != nil {
			return err
		}
		for i, f := range part {
			c, _ := headLabels(f, argmaxLabels(orig.Logits[i], vocab))
			p, _ := headLabels(f, argmaxLabels(out.Logits[i], vocab))
			clean = append(clean, c...)
			perturbed = append(perturbed, p...)
		}
		return nil
	})
	if err != nil {
		return conlleval.Metrics{}, fmt.Errorf("unsupervised evaluation: %w", err)
	}

	if !slices.ContainsFunc(clean, func(l string) bool { return l != labels.Outside }) {
		e.logger().Info("No names recognized in unsupervised evaluation")
		return conlleval.Metrics{}, nil
	}
	return conlleval.Evaluate(clean, perturbed)
}
