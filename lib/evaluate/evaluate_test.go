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

package evaluate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/udaner/lib/corpus"
	"github.com/antflydb/udaner/lib/encoder"
	"github.com/antflydb/udaner/lib/features"
	"github.com/antflydb/udaner/lib/labels"
	"github.com/antflydb/udaner/lib/perturb"
	"github.com/antflydb/udaner/lib/tokenizer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pieceTokenizer splits a few words into fixed pieces.
type pieceTokenizer struct {
	ids map[string]int
}

var pieces = map[string][]string{"Paris": {"Par", "##is"}, "Berlin": {"Ber", "##lin"}}

func newPieceTokenizer() *pieceTokenizer {
	t := &pieceTokenizer{ids: map[string]int{}}
	for i, tok := range []string{tokenizer.PAD, tokenizer.UNK, tokenizer.CLS, tokenizer.SEP, tokenizer.MASK,
		"John", "lives", "in", "Par", "##is", "Anna", "visits", "Ber", "##lin"} {
		t.ids[tok] = i
	}
	return t
}

func (t *pieceTokenizer) Tokenize(word string) []string {
	if p, ok := pieces[word]; ok {
		return p
	}
	return []string{word}
}

func (t *pieceTokenizer) ConvertTokensToIDs(tokens []string) []int {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := t.ids[tok]
		if !ok {
			id = t.ids[tokenizer.UNK]
		}
		out[i] = id
	}
	return out
}

func (t *pieceTokenizer) ConvertIDsToTokens(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		for tok, v := range t.ids {
			if v == id {
				out[i] = tok
			}
		}
	}
	return out
}

func (t *pieceTokenizer) VocabSize() int { return len(t.ids) }

// oracle predicts a fixed label per token id and the outside label elsewhere.
type oracle struct {
	numLabels int
	byToken   map[int]int
}

func (o *oracle) NumLabels() int { return o.numLabels }

func (o *oracle) Forward(_ context.Context, batch *encoder.Batch, _ bool) (*encoder.Output, error) {
	logits := make([][][]float32, batch.Size())
	for i, ids := range batch.InputIDs {
		logits[i] = make([][]float32, len(ids))
		for p, id := range ids {
			row := make([]float32, o.numLabels)
			row[o.byToken[id]] = 1
			logits[i][p] = row
		}
	}
	return encoder.NewOutput(logits, nil), nil
}

func fixture(t *testing.T, maxSeqLength int) (corpus.Labeled, []*features.Feature, *pieceTokenizer) {
	t.Helper()
	examples := []corpus.LabeledExample{
		{Tokens: []string{"John", "lives", "in", "Paris"}, Labels: []string{"B-PER", "O", "O", "B-LOC"}},
		{Tokens: []string{"Anna", "visits", "Berlin"}, Labels: []string{"B-PER", "O", "B-LOC"}},
	}
	d := labels.NewDraft()
	for _, ex := range examples {
		d.Observe(ex.Labels...)
	}
	labeled := corpus.Labeled{Examples: examples, Vocab: d.Finalize()}

	tok := newPieceTokenizer()
	feats, err := features.AlignLabeled(examples, labeled.Vocab, tok, maxSeqLength, zap.NewNop())
	require.NoError(t, err)
	return labeled, feats, tok
}

func goldResults(feats []*features.Feature, numLabels int) []encoder.RawResult {
	results := make([]encoder.RawResult, len(feats))
	// Reverse order: matching is by unique id, not position.
	for i, f := range feats {
		logits := make([][]float32, len(f.LabelIDs))
		for p, id := range f.LabelIDs {
			logits[p] = make([]float32, numLabels)
			logits[p][id] = 5
		}
		results[len(feats)-1-i] = encoder.RawResult{UniqueID: f.UniqueID, Logits: logits}
	}
	return results
}

func TestReconstructRoundTrip(t *testing.T) {
	labeled, feats, _ := fixture(t, 16)
	results := goldResults(feats, labeled.Vocab.Len())

	pred, gold, err := Reconstruct(labeled.Examples, feats, results, labeled.Vocab, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, pred, 2)
	for i, ex := range labeled.Examples {
		require.Equal(t, ex.Labels, pred[i])
		require.Equal(t, ex.Labels, gold[i])
	}
}

func TestReconstructTruncated(t *testing.T) {
	labeled, feats, _ := fixture(t, 5)
	results := goldResults(feats, labeled.Vocab.Len())

	pred, gold, err := Reconstruct(labeled.Examples, feats, results, labeled.Vocab, zap.NewNop())
	require.NoError(t, err)
	// Three pieces fit: John lives in / Anna visits Ber.
	require.Equal(t, []string{"B-PER", "O", "O"}, pred[0])
	require.Equal(t, []string{"B-PER", "O", "O"}, gold[0])
	require.Equal(t, []string{"B-PER", "O", "B-LOC"}, pred[1])
}

func TestReconstructMissingResult(t *testing.T) {
	labeled, feats, _ := fixture(t, 16)
	_, _, err := Reconstruct(labeled.Examples, feats, nil, labeled.Vocab, zap.NewNop())
	require.Error(t, err)
}

func newOracle(tok *pieceTokenizer, vocab *labels.Vocabulary) *oracle {
	per, _ := vocab.ID("B-PER")
	loc, _ := vocab.ID("B-LOC")
	return &oracle{
		numLabels: vocab.Len(),
		byToken: map[int]int{
			tok.ids["John"]: per, tok.ids["Anna"]: per,
			tok.ids["Par"]: loc, tok.ids["Ber"]: loc,
		},
	}
}

func TestEvaluate(t *testing.T) {
	labeled, feats, tok := fixture(t, 16)
	out := filepath.Join(t.TempDir(), "predictions.txt")

	e := &Evaluator{BatchSize: 1, Logger: zap.NewNop()}
	m, err := e.Evaluate(context.Background(), newOracle(tok, labeled.Vocab), labeled, feats, out)
	require.NoError(t, err)
	require.InDelta(t, 100, m.F1, 1e-9)
	require.Equal(t, 4, m.Gold)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "-DOCSTART- -X- -X- O\n\nB-PER\nO\nO\nB-LOC\n\nB-PER\nO\nB-LOC\n\n", string(data))
}

func TestEvaluateUnsupervised(t *testing.T) {
	labeled, _, tok := fixture(t, 16)
	un := make([]corpus.UnlabeledExample, len(labeled.Examples))
	for i, ex := range labeled.Examples {
		un[i] = corpus.UnlabeledExample{Tokens: ex.Tokens}
	}
	feats, err := features.AlignUnlabeled(un, tok, 16, nil)
	require.NoError(t, err)

	e := &Evaluator{BatchSize: 8}
	m, err := e.EvaluateUnsupervised(context.Background(), newOracle(tok, labeled.Vocab), labeled.Vocab, feats, perturb.Identity{})
	require.NoError(t, err)
	require.InDelta(t, 100, m.F1, 1e-9)

	// Nothing but the outside label: all scores are zero.
	silent := &oracle{numLabels: labeled.Vocab.Len(), byToken: map[int]int{}}
	m, err = e.EvaluateUnsupervised(context.Background(), silent, labeled.Vocab, feats, perturb.Identity{})
	require.NoError(t, err)
	require.Zero(t, m.Precision)
	require.Zero(t, m.Recall)
	require.Zero(t, m.F1)

	_, err = e.EvaluateUnsupervised(context.Background(), silent, labeled.Vocab, feats, nil)
	require.Error(t, err)
}
