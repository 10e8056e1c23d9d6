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

// Package loss reduces per-position logits to scalar losses over explicit
// position sets and returns the gradient with respect to the logits.
//
// Gradients have the shape of the logits and are zero outside the selected
// positions. An empty position set yields a zero loss and a nil gradient.
package loss

import (
	"fmt"
	"math"
)

// Position addresses one token of a batch.
type Position struct {
	Batch int
	Index int
}

// Masked returns every position where mask is 1, in row-major order.
func Masked(mask [][]int) []Position {
	var out []Position
	for b, row := range mask {
		for i, m := range row {
			if m == 1 {
				out = append(out, Position{Batch: b, Index: i})
			}
		}
	}
	return out
}

// Softmax returns the probabilities of a logit vector.
func Softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	m := float64(logits[0])
	for _, v := range logits[1:] {
		m = max(m, float64(v))
	}
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(float64(v) - m)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LogSoftmax returns the log probabilities of a logit vector.
func LogSoftmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	m := float64(logits[0])
	for _, v := range logits[1:] {
		m = max(m, float64(v))
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - m)
	}
	lse := m + math.Log(sum)
	for i, v := range logits {
		out[i] = float64(v) - lse
	}
	return out
}

// Argmax returns the index of the largest logit, the first on ties.
func Argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func zerosLike(logits [][][]float32) [][][]float32 {
	grad := make([][][]float32, len(logits))
	for b, row := range logits {
		grad[b] = make([][]float32, len(row))
		for i, pos := range row {
			grad[b][i] = make([]float32, len(pos))
		}
	}
	return grad
}

// CrossEntropy is the mean negative log likelihood of the gold labels over
// positions.
func CrossEntropy(logits [][][]float32, labels [][]int, positions []Position) (float64, [][][]float32, error) {
	if len(positions) == 0 {
		return 0, nil, nil
	}
	n := float64(len(positions))
	grad := zerosLike(logits)
	var total float64
	for _, p := range positions {
		z := logits[p.Batch][p.Index]
		y := labels[p.Batch][p.Index]
		if y < 0 || y >= len(z) {
			return 0, nil, fmt.Errorf("label %d at (%d, %d) outside %d classes", y, p.Batch, p.Index, len(z))
		}
		ls := LogSoftmax(z)
		total -= ls[y]
		g := grad[p.Batch][p.Index]
		for k, l := range ls {
			v := math.Exp(l)
			if k == y {
				v--
			}
			g[k] = float32(v / n)
		}
	}
	return total / n, grad, nil
}

// MSE is the mean squared difference between pred and target over every
// label of every position. The gradient is taken with respect to pred.
func MSE(pred, target [][][]float32, positions []Position) (float64, [][][]float32, error) {
	if len(positions) == 0 {
		return 0, nil, nil
	}
	k := len(pred[positions[0].Batch][positions[0].Index])
	n := float64(len(positions) * k)
	grad := zerosLike(pred)
	var total float64
	for _, p := range positions {
		x := pred[p.Batch][p.Index]
		y := target[p.Batch][p.Index]
		if len(x) != k || len(y) != k {
			return 0, nil, fmt.Errorf("position (%d, %d) has %d and %d labels, want %d", p.Batch, p.Index, len(x), len(y), k)
		}
		g := grad[p.Batch][p.Index]
		for j := range x {
			d := float64(x[j]) - float64(y[j])
			total += d * d
			g[j] = float32(2 * d / n)
		}
	}
	return total / n, grad, nil
}

// ExpectationKL compares an expected label distribution with the mean
// predicted log distribution over positions:
//
//	KL = sum_k p_k (log p_k - m_k),  m = mean_n log_softmax(z_n)
//
// Classes with zero expected probability contribute nothing.
func ExpectationKL(logits [][][]float32, positions []Position, expected []float64) (float64, [][][]float32, error) {
	if len(positions) == 0 {
		return 0, nil, nil
	}
	k := len(expected)
	n := float64(len(positions))
	meanLog := make([]float64, k)
	probs := make([][]float64, len(positions))
	for i, p := range positions {
		z := logits[p.Batch][p.Index]
		if len(z) != k {
			return 0, nil, fmt.Errorf("position (%d, %d) has %d labels, expected distribution has %d", p.Batch, p.Index, len(z), k)
		}
		ls := LogSoftmax(z)
		probs[i] = make([]float64, k)
		for j, l := range ls {
			meanLog[j] += l / n
			probs[i][j] = math.Exp(l)
		}
	}

	var total float64
	for j, pj := range expected {
		if pj > 0 {
			total += pj * (math.Log(pj) - meanLog[j])
		}
	}

	var mass float64
	for _, pj := range expected {
		mass += pj
	}
	grad := zerosLike(logits)
	for i, p := range positions {
		g := grad[p.Batch][p.Index]
		for j := range g {
			g[j] = float32((mass*probs[i][j] - expected[j]) / n)
		}
	}
	return total, grad, nil
}

// Scale multiplies a gradient in place and returns it.
func Scale(grad [][][]float32, factor float64) [][][]float32 {
	f := float32(factor)
	for _, row := range grad {
		for _, pos := range row {
			for j := range pos {
				pos[j] *= f
			}
		}
	}
	return grad
}
