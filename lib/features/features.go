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

// Package features converts word-level sentences into fixed-length wordpiece
// records and keeps an exact mapping from every piece back to its word.
package features

import (
	"fmt"

	"github.com/antflydb/udaner/lib/corpus"
	"github.com/antflydb/udaner/lib/encoder"
	"github.com/antflydb/udaner/lib/labels"
	"github.com/antflydb/udaner/lib/tokenizer"
	"go.uber.org/zap"
)

// Unique id bases keep labeled and unlabeled features apart.
const (
	LabeledIDBase   int64 = 1000000000
	UnlabeledIDBase int64 = 2000000000
)

// debugExamples is how many leading features are traced at debug level.
const debugExamples = 20

// Feature is one model-ready sentence. InputIDs, InputMask, LossMask,
// SegmentIDs and (for labeled data) LabelIDs all have length MaxSeqLength.
type Feature struct {
	UniqueID     int64    `json:"unique_id"`
	ExampleIndex int      `json:"example_index"`
	Tokens       []string `json:"tokens"`
	// TokenToOrig maps a piece position to the index of the word it came
	// from. Markers and padding have no entry.
	TokenToOrig map[int]int `json:"token_to_orig"`
	InputIDs    []int       `json:"input_ids"`
	InputMask   []int       `json:"input_mask"`
	LossMask    []int       `json:"loss_mask"`
	SegmentIDs  []int       `json:"segment_ids"`
	LabelIDs    []int       `json:"label_ids,omitempty"`
}

// Labeled reports whether the feature carries gold label ids.
func (f *Feature) Labeled() bool {
	return f.LabelIDs != nil
}

// aligned is the intermediate result of splitting one sentence.
type aligned struct {
	tokens      []string
	tokenToOrig map[int]int
	pieceLabels []string
	lossMask    []int
}

// alignWords splits words into pieces, truncates to maxSeqLength-2 pieces and
// wraps them in [CLS] ... [SEP]. wordLabels may be nil.
func alignWords(words, wordLabels []string, tok tokenizer.Tokenizer, maxSeqLength int) aligned {
	var (
		pieces    []string
		wordIndex []int
		pieceTags []string
	)
	for i, word := range words {
		for _, piece := range tok.Tokenize(word) {
			pieces = append(pieces, piece)
			wordIndex = append(wordIndex, i)
			if wordLabels != nil {
				pieceTags = append(pieceTags, wordLabels[i])
			}
		}
	}

	if limit := maxSeqLength - 2; len(pieces) > limit {
		pieces = pieces[:limit]
		wordIndex = wordIndex[:limit]
		if wordLabels != nil {
			pieceTags = pieceTags[:limit]
		}
	}

	a := aligned{
		tokens:      make([]string, 0, len(pieces)+2),
		tokenToOrig: make(map[int]int, len(pieces)),
		lossMask:    make([]int, 0, len(pieces)+2),
	}
	a.tokens = append(a.tokens, tokenizer.CLS)
	a.lossMask = append(a.lossMask, 0)
	if wordLabels != nil {
		a.pieceLabels = append(a.pieceLabels, labels.Outside)
	}

	for i, piece := range pieces {
		a.tokenToOrig[len(a.tokens)] = wordIndex[i]
		a.tokens = append(a.tokens, piece)
		if i == 0 || wordIndex[i] != wordIndex[i-1] {
			a.lossMask = append(a.lossMask, 1)
		} else {
			a.lossMask = append(a.lossMask, 0)
		}
		if wordLabels != nil {
			a.pieceLabels = append(a.pieceLabels, pieceTags[i])
		}
	}

	a.tokens = append(a.tokens, tokenizer.SEP)
	a.lossMask = append(a.lossMask, 0)
	if wordLabels != nil {
		a.pieceLabels = append(a.pieceLabels, labels.Outside)
	}
	return a
}

// build pads an aligned sentence into a Feature.
func build(a aligned, uniqueID int64, exampleIndex int, tok tokenizer.Tokenizer, maxSeqLength int) *Feature {
	f := &Feature{
		UniqueID:     uniqueID,
		ExampleIndex: exampleIndex,
		Tokens:       a.tokens,
		TokenToOrig:  a.tokenToOrig,
		InputIDs:     make([]int, maxSeqLength),
		InputMask:    make([]int, maxSeqLength),
		LossMask:     make([]int, maxSeqLength),
		SegmentIDs:   make([]int, maxSeqLength),
	}
	copy(f.InputIDs, tok.ConvertTokensToIDs(a.tokens))
	copy(f.LossMask, a.lossMask)
	for i := range a.tokens {
		f.InputMask[i] = 1
	}
	return f
}

func checkLength(maxSeqLength int) error {
	if maxSeqLength < 2 {
		return fmt.Errorf("max sequence length %d leaves no room for [CLS] and [SEP]", maxSeqLength)
	}
	return nil
}

// AlignLabeled converts tagged sentences into features. Tags unknown to
// vocab are logged and mapped to the outside label.
func AlignLabeled(
	examples []corpus.LabeledExample,
	vocab *labels.Vocabulary,
	tok tokenizer.Tokenizer,
	maxSeqLength int,
	logger *zap.Logger,
) ([]*Feature, error) {
	if err := checkLength(maxSeqLength); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	unknown := make(map[string]bool)
	feats := make([]*Feature, 0, len(examples))
	for i, ex := range examples {
		if len(ex.Tokens) != len(ex.Labels) {
			return nil, fmt.Errorf("example %d has %d tokens and %d labels", i, len(ex.Tokens), len(ex.Labels))
		}
		a := alignWords(ex.Tokens, ex.Labels, tok, maxSeqLength)
		f := build(a, LabeledIDBase+int64(i), i, tok, maxSeqLength)

		f.LabelIDs = make([]int, maxSeqLength)
		for p, l := range a.pieceLabels {
			id, ok := vocab.ID(l)
			if !ok {
				if !unknown[l] {
					unknown[l] = true
					logger.Warn("Label not in vocabulary, using outside label",
						zap.String("label", l),
						zap.Stringer("vocab", vocab))
				}
				id = 0
			}
			f.LabelIDs[p] = id
		}

		if i < debugExamples {
			logFeature(logger, f)
		}
		feats = append(feats, f)
	}
	return feats, nil
}

// AlignUnlabeled converts untagged sentences into features without label ids.
func AlignUnlabeled(
	examples []corpus.UnlabeledExample,
	tok tokenizer.Tokenizer,
	maxSeqLength int,
	logger *zap.Logger,
) ([]*Feature, error) {
	if err := checkLength(maxSeqLength); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	feats := make([]*Feature, 0, len(examples))
	for i, ex := range examples {
		a := alignWords(ex.Tokens, nil, tok, maxSeqLength)
		f := build(a, UnlabeledIDBase+int64(i), i, tok, maxSeqLength)
		if i < debugExamples {
			logFeature(logger, f)
		}
		feats = append(feats, f)
	}
	return feats, nil
}

func logFeature(logger *zap.Logger, f *Feature) {
	if ce := logger.Check(zap.DebugLevel, "Example"); ce != nil {
		ce.Write(
			zap.Int64("unique_id", f.UniqueID),
			zap.Int("example_index", f.ExampleIndex),
			zap.Strings("tokens", f.Tokens),
			zap.Any("token_to_orig", f.TokenToOrig),
			zap.Ints("input_ids", f.InputIDs),
			zap.Ints("input_mask", f.InputMask),
			zap.Ints("loss_mask", f.LossMask),
			zap.Ints("label_ids", f.LabelIDs),
		)
	}
}

// Collate stacks features into a model batch. Label ids are included only
// when every feature carries them.
func Collate(feats []*Feature) *encoder.Batch {
	b := &encoder.Batch{
		UniqueIDs:  make([]int64, len(feats)),
		InputIDs:   make([][]int, len(feats)),
		InputMask:  make([][]int, len(feats)),
		SegmentIDs: make([][]int, len(feats)),
		LossMask:   make([][]int, len(feats)),
	}
	labeled := len(feats) > 0
	for i, f := range feats {
		b.UniqueIDs[i] = f.UniqueID
		b.InputIDs[i] = f.InputIDs
		b.InputMask[i] = f.InputMask
		b.SegmentIDs[i] = f.SegmentIDs
		b.LossMask[i] = f.LossMask
		labeled = labeled && f.Labeled()
	}
	if labeled {
		b.LabelIDs = make([][]int, len(feats))
		for i, f := range feats {
			b.LabelIDs[i] = f.LabelIDs
		}
	}
	return b
}
