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

package encoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch() *Batch {
	return &Batch{
		UniqueIDs:  []int64{1, 2},
		InputIDs:   [][]int{{2, 3, 4, 0}, {2, 5, 0, 0}},
		InputMask:  [][]int{{1, 1, 1, 0}, {1, 1, 0, 0}},
		SegmentIDs: [][]int{{0, 0, 0, 0}, {0, 0, 0, 0}},
		LossMask:   [][]int{{0, 1, 0, 0}, {0, 0, 0, 0}},
	}
}

func newTestTagger(t *testing.T, dropout float64) *WindowTagger {
	t.Helper()
	m, err := NewWindowTagger(ModelConfig{VocabSize: 8, NumLabels: 2, Dropout: dropout, Seed: 7})
	require.NoError(t, err)
	return m
}

func ones(batch *Batch, k int) [][][]float32 {
	grad := make([][][]float32, batch.Size())
	for i, row := range batch.InputIDs {
		grad[i] = make([][]float32, len(row))
		for p := range row {
			grad[i][p] = make([]float32, k)
			for j := range grad[i][p] {
				grad[i][p][j] = 1
			}
		}
	}
	return grad
}

func row(p *Param, id, k int) []float32 {
	return p.Data[id*k : (id+1)*k]
}

func TestWindowTaggerForward(t *testing.T) {
	m := newTestTagger(t, 0)
	m.bias.Data[0], m.bias.Data[1] = 0.5, -0.5

	out, err := m.Forward(context.Background(), testBatch(), false)
	require.NoError(t, err)
	require.Len(t, out.Logits, 2)
	require.Len(t, out.Logits[0], 4)
	require.True(t, out.Tracked())

	// Middle position sees both neighbours.
	c, l, r := row(m.center, 3, 2), row(m.left, 2, 2), row(m.right, 4, 2)
	for j := range 2 {
		assert.InDelta(t, c[j]+l[j]+r[j]+m.bias.Data[j], out.Logits[0][1][j], 1e-6)
	}

	// Last real position has no right neighbour because of the mask.
	c, l = row(m.center, 4, 2), row(m.left, 3, 2)
	for j := range 2 {
		assert.InDelta(t, c[j]+l[j]+m.bias.Data[j], out.Logits[0][2][j], 1e-6)
	}

	// Padding carries only the bias.
	assert.Equal(t, m.bias.Data, out.Logits[1][3])
}

func TestWindowTaggerBackward(t *testing.T) {
	m := newTestTagger(t, 0)
	batch := &Batch{
		UniqueIDs:  []int64{1},
		InputIDs:   [][]int{{2, 3, 4}},
		InputMask:  [][]int{{1, 1, 1}},
		SegmentIDs: [][]int{{0, 0, 0}},
		LossMask:   [][]int{{0, 1, 0}},
	}
	out, err := m.Forward(context.Background(), batch, true)
	require.NoError(t, err)
	require.NoError(t, out.Backward(ones(batch, 2)))

	grad := func(p *Param, id int) []float32 { return p.Grad[id*2 : id*2+2] }
	require.Equal(t, []float32{1, 1}, grad(m.center, 2))
	require.Equal(t, []float32{1, 1}, grad(m.center, 3))
	require.Equal(t, []float32{1, 1}, grad(m.left, 2))
	require.Equal(t, []float32{1, 1}, grad(m.left, 3))
	require.Equal(t, []float32{0, 0}, grad(m.left, 4))
	require.Equal(t, []float32{1, 1}, grad(m.right, 3))
	require.Equal(t, []float32{1, 1}, grad(m.right, 4))
	require.Equal(t, []float32{3, 3}, m.bias.Grad)
}

func TestDetachedBackward(t *testing.T) {
	m := newTestTagger(t, 0.1)
	batch := testBatch()
	out, err := m.Forward(context.Background(), batch, true)
	require.NoError(t, err)

	d := out.Detach()
	require.False(t, d.Tracked())
	require.Equal(t, out.Logits, d.Logits)
	require.True(t, errors.Is(d.Backward(ones(batch, 2)), ErrDetached))

	// The copy does not alias the original.
	d.Logits[0][0][0] += 10
	require.NotEqual(t, out.Logits[0][0][0], d.Logits[0][0][0])
}

func TestForwardRejectsOutOfVocabulary(t *testing.T) {
	m := newTestTagger(t, 0)
	batch := testBatch()
	batch.InputIDs[0][1] = 99
	_, err := m.Forward(context.Background(), batch, false)
	require.Error(t, err)
}

func TestReplicatedMatchesSingle(t *testing.T) {
	m := newTestTagger(t, 0)
	batch := &Batch{
		UniqueIDs:  []int64{1, 2, 3},
		InputIDs:   [][]int{{2, 3}, {4, 5}, {6, 7}},
		InputMask:  [][]int{{1, 1}, {1, 1}, {1, 1}},
		SegmentIDs: [][]int{{0, 0}, {0, 0}, {0, 0}},
		LossMask:   [][]int{{1, 1}, {1, 1}, {1, 1}},
	}

	single, err := m.Forward(context.Background(), batch, false)
	require.NoError(t, err)

	rep := NewReplicated(m, 2)
	require.Equal(t, 2, rep.Replicas())
	require.Len(t, rep.Parameters(), 4)
	gathered, err := rep.Forward(context.Background(), batch, false)
	require.NoError(t, err)
	require.Equal(t, single.Logits, gathered.Logits)

	require.NoError(t, gathered.Backward(ones(batch, 2)))
	require.Equal(t, []float32{6, 6}, m.bias.Grad)
}

func TestAdam(t *testing.T) {
	m := newTestTagger(t, 0)
	groups := GroupParameters(m.Parameters(), 1e-2, DefaultWeightDecay)
	require.Len(t, groups, 2)
	require.Len(t, groups[0].Params, 3)
	require.Equal(t, DefaultWeightDecay, groups[0].WeightDecay)
	require.Equal(t, []*Param{m.bias}, groups[1].Params)
	require.Zero(t, groups[1].WeightDecay)

	opt := NewAdam(groups, DefaultAdamConfig())
	m.bias.Grad[0] = 1
	m.bias.Grad[1] = -1
	before := append([]float32(nil), m.bias.Data...)
	require.NoError(t, opt.Step())
	require.Less(t, m.bias.Data[0], before[0])
	require.Greater(t, m.bias.Data[1], before[1])
	require.Equal(t, 1, opt.Steps())

	opt.ZeroGrad()
	require.Equal(t, []float32{0, 0}, m.bias.Grad)

	opt.SetLearningRate(0.5)
	for _, g := range opt.ParamGroups() {
		require.Equal(t, 0.5, g.LearningRate)
	}
}

func TestWarmupLinear(t *testing.T) {
	tests := []struct {
		x, warmup, want float64
	}{
		{0, 0.1, 0},
		{0.05, 0.1, 0.5},
		{0.1, 0.1, 1},
		{0.55, 0.1, 0.5},
		{1, 0.1, 0},
		{1.2, 0.1, 0},
		{0.25, 0, 0.75},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, WarmupLinear(tt.x, tt.warmup), 1e-9, "x=%v warmup=%v", tt.x, tt.warmup)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	m := newTestTagger(t, 0.1)
	dir := filepath.Join(t.TempDir(), "ckpt")

	meta := CheckpointMeta{
		Model:  m.Config(),
		Labels: []string{"O", "B-PER"},
		RunID:  "run",
		Epoch:  3,
		F1:     88.5,
	}
	require.NoError(t, SaveCheckpoint(dir, m.Parameters(), meta))

	loaded, got, err := LoadWindowTagger(dir)
	require.NoError(t, err)
	require.Equal(t, meta.Labels, got.Labels)
	require.Equal(t, 3, got.Epoch)
	require.Equal(t, ArchitectureWindowTagger, got.Model.Architecture)
	for i, p := range loaded.Parameters() {
		require.Equal(t, m.Parameters()[i].Data, p.Data, p.Name)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestLoadCheckpointCorrupt(t *testing.T) {
	m := newTestTagger(t, 0)
	dir := t.TempDir()
	require.NoError(t, SaveCheckpoint(dir, m.Parameters(), CheckpointMeta{Model: m.Config()}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ModelFile), []byte("garbage"), 0644))

	_, _, err := LoadCheckpoint(dir)
	require.Error(t, err)
}
