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

// Package conlleval scores chunk predictions the way the CoNLL-2000 shared
// task script does: a chunk counts only when its boundaries and its type
// match exactly. IOB1, IOB2 and IOBES tagging are all understood.
package conlleval

import (
	"fmt"
	"slices"
	"strings"
)

// Score is precision, recall and F1 in percent.
type Score struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	// Found is the number of predicted chunks, Gold the number of gold
	// chunks and Correct the number of exact matches.
	Found   int `json:"found"`
	Gold    int `json:"gold"`
	Correct int `json:"correct"`
}

func newScore(correct, found, gold int) Score {
	s := Score{Found: found, Gold: gold, Correct: correct}
	if found > 0 {
		s.Precision = 100 * float64(correct) / float64(found)
	}
	if gold > 0 {
		s.Recall = 100 * float64(correct) / float64(gold)
	}
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	return s
}

// Metrics is the result of scoring a tag sequence.
type Metrics struct {
	Score
	// Accuracy is the share of tokens whose tag matches, in percent.
	Accuracy float64          `json:"accuracy"`
	Tokens   int              `json:"tokens"`
	PerType  map[string]Score `json:"per_type"`
}

// String renders the summary in the layout of the CoNLL script.
func (m Metrics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "processed %d tokens with %d phrases; found: %d phrases; correct: %d.\n",
		m.Tokens, m.Gold, m.Found, m.Correct)
	fmt.Fprintf(&b, "accuracy: %6.2f%%; precision: %6.2f%%; recall: %6.2f%%; FB1: %6.2f\n",
		m.Accuracy, m.Precision, m.Recall, m.F1)
	types := make([]string, 0, len(m.PerType))
	for t := range m.PerType {
		types = append(types, t)
	}
	slices.Sort(types)
	for _, t := range types {
		s := m.PerType[t]
		fmt.Fprintf(&b, "%17s: precision: %6.2f%%; recall: %6.2f%%; FB1: %6.2f  %d\n",
			t, s.Precision, s.Recall, s.F1, s.Found)
	}
	return b.String()
}

// splitTag splits "B-PER" into ("B", "PER"). Labels without a dash have an
// empty type.
func splitTag(label string) (tag, typ string) {
	if label == "" {
		return "O", ""
	}
	tag, typ, _ = strings.Cut(label, "-")
	return tag, typ
}

// endOfChunk reports whether a chunk ended between the previous and the
// current token.
func endOfChunk(prevTag, tag, prevType, typ string) bool {
	switch {
	case prevTag == "E", prevTag == "S":
		return true
	case prevTag == "B" && (tag == "B" || tag == "S" || tag == "O"):
		return true
	case prevTag == "I" && (tag == "B" || tag == "S" || tag == "O"):
		return true
	case prevTag == "]", prevTag == "[":
		return true
	case prevTag != "O" && prevTag != "." && prevType != typ:
		return true
	}
	return false
}

// startOfChunk reports whether a chunk starts at the current token.
func startOfChunk(prevTag, tag, prevType, typ string) bool {
	switch {
	case tag == "B", tag == "S":
		return true
	case (prevTag == "E" || prevTag == "S" || prevTag == "O") && (tag == "E" || tag == "I"):
		return true
	case tag == "[", tag == "]":
		return true
	case tag != "O" && tag != "." && prevType != typ:
		return true
	}
	return false
}

type counts struct {
	correct, found, gold int
}

// Evaluate scores pred against gold. Both are flat label sequences of the
// same length; sentence boundaries may be marked with "O".
func Evaluate(gold, pred []string) (Metrics, error) {
	if len(gold) != len(pred) {
		return Metrics{}, fmt.Errorf("gold has %d labels, prediction has %d", len(gold), len(pred))
	}

	var (
		total       counts
		perType     = map[string]*counts{}
		correctTags int

		inCorrect                  bool
		lastCorrect, lastGuessed   = "O", "O"
		lastCorrectT, lastGuessedT string
	)
	typeCounts := func(t string) *counts {
		c, ok := perType[t]
		if !ok {
			c = &counts{}
			perType[t] = c
		}
		return c
	}

	for i := range gold {
		correct, correctT := splitTag(gold[i])
		guessed, guessedT := splitTag(pred[i])

		if inCorrect {
			correctEnd := endOfChunk(lastCorrect, correct, lastCorrectT, correctT)
			guessedEnd := endOfChunk(lastGuessed, guessed, lastGuessedT, guessedT)
			switch {
			case correctEnd && guessedEnd && lastGuessedT == lastCorrectT:
				inCorrect = false
				total.correct++
				typeCounts(lastCorrectT).correct++
			case correctEnd != guessedEnd || guessedT != correctT:
				inCorrect = false
			}
		}

		correctStart := startOfChunk(lastCorrect, correct, lastCorrectT, correctT)
		guessedStart := startOfChunk(lastGuessed, guessed, lastGuessedT, guessedT)
		if correctStart && guessedStart && guessedT == correctT {
			inCorrect = true
		}
		if correctStart {
			total.gold++
			typeCounts(correctT).gold++
		}
		if guessedStart {
			total.found++
			typeCounts(guessedT).found++
		}
		if correct == guessed && guessedT == correctT {
			correctTags++
		}

		lastCorrect, lastCorrectT = correct, correctT
		lastGuessed, lastGuessedT = guessed, guessedT
	}
	if inCorrect {
		total.correct++
		typeCounts(lastCorrectT).correct++
	}

	m := Metrics{
		Score:   newScore(total.correct, total.found, total.gold),
		Tokens:  len(gold),
		PerType: make(map[string]Score, len(perType)),
	}
	if len(gold) > 0 {
		m.Accuracy = 100 * float64(correctTags) / float64(len(gold))
	}
	for t, c := range perType {
		m.PerType[t] = newScore(c.correct, c.found, c.gold)
	}
	return m, nil
}

// HarmonicMean combines two F1 scores, returning 0 when both are 0.
func HarmonicMean(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return 2 * a * b / (a + b)
}
