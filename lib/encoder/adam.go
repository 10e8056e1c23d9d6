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
	"math"
	"strings"
)

// Optimizer applies accumulated gradients.
type Optimizer interface {
	// Step updates parameters from their gradients.
	Step() error
	// ZeroGrad clears all gradients.
	ZeroGrad()
	// SetLearningRate sets the learning rate of every parameter group.
	SetLearningRate(lr float64)
	// ParamGroups describes the parameter groups.
	ParamGroups() []ParamGroup
}

// ParamGroup is a set of parameters sharing hyperparameters.
type ParamGroup struct {
	Name         string
	Params       []*Param
	LearningRate float64
	WeightDecay  float64
}

// DefaultWeightDecay applies to every parameter except biases and norms.
const DefaultWeightDecay = 0.01

// GroupParameters splits params into a decayed group and a group without
// weight decay for biases and layer norms.
func GroupParameters(params []*Param, lr, weightDecay float64) []ParamGroup {
	decay := ParamGroup{Name: "decay", LearningRate: lr, WeightDecay: weightDecay}
	noDecay := ParamGroup{Name: "no_decay", LearningRate: lr}
	for _, p := range params {
		if p.NoDecay || strings.Contains(p.Name, "bias") || strings.Contains(p.Name, "LayerNorm") {
			noDecay.Params = append(noDecay.Params, p)
		} else {
			decay.Params = append(decay.Params, p)
		}
	}
	return []ParamGroup{decay, noDecay}
}

// AdamConfig configures Adam.
type AdamConfig struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	MaxGradNorm float64 // per-parameter clipping, 0 disables
}

// DefaultAdamConfig matches the BERT fine-tuning defaults.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-6,
		MaxGradNorm: 1.0,
	}
}

// Adam is Adam with decoupled weight decay and no bias correction. The
// learning rate schedule is driven by the caller through SetLearningRate.
type Adam struct {
	cfg    AdamConfig
	groups []ParamGroup
	m      map[*Param][]float64
	v      map[*Param][]float64
	steps  int
}

// NewAdam creates an optimizer over parameter groups.
func NewAdam(groups []ParamGroup, cfg AdamConfig) *Adam {
	a := &Adam{
		cfg:    cfg,
		groups: groups,
		m:      make(map[*Param][]float64),
		v:      make(map[*Param][]float64),
	}
	for _, g := range groups {
		for _, p := range g.Params {
			a.m[p] = make([]float64, len(p.Data))
			a.v[p] = make([]float64, len(p.Data))
		}
	}
	return a
}

func (a *Adam) Step() error {
	for _, g := range a.groups {
		for _, p := range g.Params {
			a.update(p, g.LearningRate, g.WeightDecay)
		}
	}
	a.steps++
	return nil
}

func (a *Adam) update(p *Param, lr, weightDecay float64) {
	clip := 1.0
	if a.cfg.MaxGradNorm > 0 {
		var norm float64
		for _, g := range p.Grad {
			norm += float64(g) * float64(g)
		}
		norm = math.Sqrt(norm)
		if norm > a.cfg.MaxGradNorm {
			clip = a.cfg.MaxGradNorm / (norm + 1e-6)
		}
	}

	m, v := a.m[p], a.v[p]
	for i, g32 := range p.Grad {
		g := float64(g32) * clip
		m[i] = a.cfg.Beta1*m[i] + (1-a.cfg.Beta1)*g
		v[i] = a.cfg.Beta2*v[i] + (1-a.cfg.Beta2)*g*g
		update := m[i] / (math.Sqrt(v[i]) + a.cfg.Epsilon)
		if weightDecay > 0 {
			update += weightDecay * float64(p.Data[i])
		}
		p.Data[i] -= float32(lr * update)
	}
}

func (a *Adam) ZeroGrad() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func (a *Adam) SetLearningRate(lr float64) {
	for i := range a.groups {
		a.groups[i].LearningRate = lr
	}
}

func (a *Adam) ParamGroups() []ParamGroup {
	out := make([]ParamGroup, len(a.groups))
	copy(out, a.groups)
	return out
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.steps
}

// WarmupLinear is the learning rate multiplier at training progress x in
// [0, 1]: a linear ramp up to warmup, then a linear decay.
func WarmupLinear(x, warmup float64) float64 {
	if x < warmup {
		return x / warmup
	}
	if warmup == 1 {
		return 0
	}
	return max((x-1)/(warmup-1), 0)
}
