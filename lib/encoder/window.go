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
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// ArchitectureWindowTagger names the reference encoder in checkpoints.
const ArchitectureWindowTagger = "window-tagger"

// ModelConfig describes an encoder in a checkpoint.
type ModelConfig struct {
	Architecture string  `json:"architecture"`
	VocabSize    int     `json:"vocab_size"`
	NumLabels    int     `json:"num_labels"`
	Dropout      float64 `json:"hidden_dropout_prob"`
	InitStd      float64 `json:"initializer_range"`
	Seed         uint64  `json:"seed"`
}

// WindowTagger is a per-token classifier over a three-piece window:
//
//	logits[p] = C[id_p] + L[id_{p-1}] + R[id_{p+1}] + b
//
// Neighbours outside the attention mask contribute nothing. In training mode
// each neighbour contribution is dropped independently with probability
// Dropout and the survivors are rescaled.
type WindowTagger struct {
	cfg ModelConfig

	center *Param
	left   *Param
	right  *Param
	bias   *Param

	// mu guards gradient accumulation; concurrent replicas share the tables.
	mu    sync.Mutex
	calls atomic.Uint64
}

// NewWindowTagger creates a randomly initialized tagger.
func NewWindowTagger(cfg ModelConfig) (*WindowTagger, error) {
	if cfg.VocabSize <= 0 {
		return nil, errors.New("vocab size must be positive")
	}
	if cfg.NumLabels <= 0 {
		return nil, errors.New("number of labels must be positive")
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("dropout %.2f outside [0, 1)", cfg.Dropout)
	}
	if cfg.InitStd == 0 {
		cfg.InitStd = 0.02
	}
	cfg.Architecture = ArchitectureWindowTagger

	table := cfg.VocabSize * cfg.NumLabels
	m := &WindowTagger{
		cfg:    cfg,
		center: NewParam("center.weight", table, false),
		left:   NewParam("left.weight", table, false),
		right:  NewParam("right.weight", table, false),
		bias:   NewParam("classifier.bias", cfg.NumLabels, true),
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 0))
	for _, p := range []*Param{m.center, m.left, m.right} {
		for i := range p.Data {
			p.Data[i] = float32(rng.NormFloat64() * cfg.InitStd)
		}
	}
	return m, nil
}

func (m *WindowTagger) NumLabels() int {
	return m.cfg.NumLabels
}

func (m *WindowTagger) Config() ModelConfig {
	return m.cfg
}

func (m *WindowTagger) Parameters() []*Param {
	return []*Param{m.center, m.left, m.right, m.bias}
}

// LoadParameters replaces parameter values by name.
func (m *WindowTagger) LoadParameters(values map[string][]float32) error {
	for _, p := range m.Parameters() {
		v, ok := values[p.Name]
		if !ok {
			return fmt.Errorf("missing parameter %s", p.Name)
		}
		if len(v) != len(p.Data) {
			return fmt.Errorf("parameter %s has %d values, want %d", p.Name, len(v), len(p.Data))
		}
		copy(p.Data, v)
	}
	return nil
}

// contextScale is the multiplier applied to each neighbour contribution.
type contextScale struct {
	left, right float32
}

func (m *WindowTagger) Forward(ctx context.Context, batch *Batch, train bool) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if train && m.cfg.Dropout > 0 {
		rng = rand.New(rand.NewPCG(m.cfg.Seed, m.calls.Add(1)))
	}
	keepScale := float32(1 / (1 - m.cfg.Dropout))
	drop := func() float32 {
		if rng == nil {
			return 1
		}
		if rng.Float64() < m.cfg.Dropout {
			return 0
		}
		return keepScale
	}

	k := m.cfg.NumLabels
	logits := make([][][]float32, batch.Size())
	scales := make([][]contextScale, batch.Size())
	for i, ids := range batch.InputIDs {
		mask := batch.InputMask[i]
		logits[i] = make([][]float32, len(ids))
		scales[i] = make([]contextScale, len(ids))
		for p, id := range ids {
			out := make([]float32, k)
			copy(out, m.bias.Data)
			logits[i][p] = out
			if mask[p] == 0 {
				continue
			}
			if id < 0 || id >= m.cfg.VocabSize {
				return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, m.cfg.VocabSize)
			}
			addRow(out, m.center.Data, id, k, 1)
			if p > 0 && mask[p-1] == 1 {
				s := drop()
				scales[i][p].left = s
				addRow(out, m.left.Data, ids[p-1], k, s)
			}
			if p+1 < len(ids) && mask[p+1] == 1 {
				s := drop()
				scales[i][p].right = s
				addRow(out, m.right.Data, ids[p+1], k, s)
			}
		}
	}

	tape := TapeFunc(func(grad [][][]float32) error {
		return m.backward(batch, scales, grad)
	})
	return NewOutput(logits, tape), nil
}

func (m *WindowTagger) backward(batch *Batch, scales [][]contextScale, grad [][][]float32) error {
	k := m.cfg.NumLabels

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ids := range batch.InputIDs {
		if len(grad[i]) != len(ids) {
			return fmt.Errorf("gradient row %d has length %d, want %d", i, len(grad[i]), len(ids))
		}
		mask := batch.InputMask[i]
		for p, id := range ids {
			if mask[p] == 0 {
				continue
			}
			g := grad[i][p]
			if len(g) != k {
				return fmt.Errorf("gradient at (%d, %d) has %d labels, want %d", i, p, len(g), k)
			}
			addRow(m.center.Grad[id*k:(id+1)*k], g, 0, k, 1)
			for j, v := range g {
				m.bias.Grad[j] += v
			}
			if s := scales[i][p].left; s != 0 {
				prev := ids[p-1]
				addRow(m.left.Grad[prev*k:(prev+1)*k], g, 0, k, s)
			}
			if s := scales[i][p].right; s != 0 {
				next := ids[p+1]
				addRow(m.right.Grad[next*k:(next+1)*k], g, 0, k, s)
			}
		}
	}
	return nil
}

// addRow adds scale * table[row*k : (row+1)*k] into dst.
func addRow(dst, table []float32, row, k int, scale float32) {
	src := table[row*k : (row+1)*k]
	for j := range dst {
		dst[j] += scale * src[j]
	}
}
