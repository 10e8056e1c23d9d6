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

package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLogits() [][][]float32 {
	return [][][]float32{
		{{0.2, -1.0, 0.5}, {1.5, 0.1, -0.3}},
		{{-0.4, 0.9, 0.0}, {0.0, 0.0, 0.0}},
	}
}

// checkGradient compares an analytic gradient with central differences.
func checkGradient(t *testing.T, logits [][][]float32, grad [][][]float32, f func([][][]float32) float64) {
	t.Helper()
	const eps = 1e-2
	for b := range logits {
		for i := range logits[b] {
			for k := range logits[b][i] {
				orig := logits[b][i][k]
				logits[b][i][k] = orig + eps
				up := f(logits)
				logits[b][i][k] = orig - eps
				down := f(logits)
				logits[b][i][k] = orig
				numeric := (up - down) / (2 * eps)
				assert.InDelta(t, numeric, float64(grad[b][i][k]), 1e-3, "d/dz[%d][%d][%d]", b, i, k)
			}
		}
	}
}

func TestMasked(t *testing.T) {
	got := Masked([][]int{{0, 1, 1}, {1, 0, 0}})
	require.Equal(t, []Position{{0, 1}, {0, 2}, {1, 0}}, got)
	require.Empty(t, Masked([][]int{{0, 0}}))
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float32{1, 1, 1, 1})
	for _, v := range p {
		assert.InDelta(t, 0.25, v, 1e-12)
	}
	ls := LogSoftmax([]float32{1000, 0})
	assert.InDelta(t, 0, ls[0], 1e-9)
	assert.False(t, math.IsInf(ls[1], 0))
	require.Equal(t, 1, Argmax([]float32{0.1, 0.9, 0.9}))
}

func TestCrossEntropy(t *testing.T) {
	logits := [][][]float32{{{0, 0}}}
	v, grad, err := CrossEntropy(logits, [][]int{{1}}, []Position{{0, 0}})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(2), v, 1e-9)
	assert.InDelta(t, 0.5, grad[0][0][0], 1e-6)
	assert.InDelta(t, -0.5, grad[0][0][1], 1e-6)

	logits = sampleLogits()
	labels := [][]int{{2, 0}, {1, 0}}
	positions := []Position{{0, 0}, {0, 1}, {1, 0}}
	_, grad, err = CrossEntropy(logits, labels, positions)
	require.NoError(t, err)
	checkGradient(t, logits, grad, func(z [][][]float32) float64 {
		v, _, _ := CrossEntropy(z, labels, positions)
		return v
	})

	_, _, err = CrossEntropy(logits, [][]int{{7, 0}, {0, 0}}, positions)
	require.Error(t, err)
}

func TestEmptySelectionIsZero(t *testing.T) {
	v, grad, err := CrossEntropy(sampleLogits(), [][]int{{0, 0}, {0, 0}}, nil)
	require.NoError(t, err)
	require.Zero(t, v)
	require.Nil(t, grad)

	v, grad, err = MSE(sampleLogits(), sampleLogits(), nil)
	require.NoError(t, err)
	require.Zero(t, v)
	require.Nil(t, grad)

	v, grad, err = ExpectationKL(sampleLogits(), nil, []float64{1, 0, 0})
	require.NoError(t, err)
	require.Zero(t, v)
	require.Nil(t, grad)
}

func TestMSE(t *testing.T) {
	pred := [][][]float32{{{1, 2}}}
	target := [][][]float32{{{0, 0}}}
	v, grad, err := MSE(pred, target, []Position{{0, 0}})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, v, 1e-9)
	assert.InDelta(t, 1, grad[0][0][0], 1e-6)
	assert.InDelta(t, 2, grad[0][0][1], 1e-6)

	pred = sampleLogits()
	target = [][][]float32{
		{{0, 0, 0}, {1, 1, 1}},
		{{0.5, 0.5, 0.5}, {0, 0, 0}},
	}
	positions := []Position{{0, 1}, {1, 0}}
	_, grad, err = MSE(pred, target, positions)
	require.NoError(t, err)
	checkGradient(t, pred, grad, func(z [][][]float32) float64 {
		v, _, _ := MSE(z, target, positions)
		return v
	})
}

func TestExpectationKL(t *testing.T) {
	// Predictions equal to the expected distribution give zero divergence.
	p := []float64{0.5, 0.25, 0.25}
	z := [][][]float32{{{
		float32(math.Log(0.5)), float32(math.Log(0.25)), float32(math.Log(0.25)),
	}}}
	v, _, err := ExpectationKL(z, []Position{{0, 0}}, p)
	require.NoError(t, err)
	assert.InDelta(t, 0, v, 1e-6)

	logits := sampleLogits()
	positions := []Position{{0, 0}, {0, 1}, {1, 0}}
	expected := []float64{0.8, 0.2, 0}
	v, grad, err := ExpectationKL(logits, positions, expected)
	require.NoError(t, err)
	require.Greater(t, v, 0.0)
	checkGradient(t, logits, grad, func(z [][][]float32) float64 {
		v, _, _ := ExpectationKL(z, positions, expected)
		return v
	})

	_, _, err = ExpectationKL(logits, positions, []float64{1, 0})
	require.Error(t, err)
}

func TestScale(t *testing.T) {
	g := Scale([][][]float32{{{1, -2}}}, 0.5)
	require.Equal(t, [][][]float32{{{0.5, -1}}}, g)
}
