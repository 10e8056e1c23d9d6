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

package tsa

import (
	"github.com/antflydb/udaner/lib/loss"
)

// Selection is the outcome of one annealing step.
type Selection struct {
	Step      int
	Threshold float64
	// Positions are the loss-bearing positions whose gold-label
	// probability is below Threshold.
	Positions []loss.Position
	// Considered is the number of loss-bearing positions inspected.
	Considered int
}

// KeptFraction is the share of considered positions that stay in the loss.
func (s Selection) KeptFraction() float64 {
	if s.Considered == 0 {
		return 0
	}
	return float64(len(s.Positions)) / float64(s.Considered)
}

// Annealer applies a schedule to successive supervised batches. It is owned
// by a single training loop.
type Annealer struct {
	schedule Schedule
	step     int
}

// NewAnnealer starts an annealer at step zero.
func NewAnnealer(schedule Schedule) *Annealer {
	return &Annealer{schedule: schedule}
}

// Step is the number of batches seen so far.
func (a *Annealer) Step() int {
	return a.step
}

// Schedule returns the underlying schedule.
func (a *Annealer) Schedule() Schedule {
	return a.schedule
}

// Reset rewinds the counter for a fresh run.
func (a *Annealer) Reset() {
	a.step = 0
}

// Apply advances one step and keeps the positions of lossMask whose gold
// label probability is strictly below the threshold at the new step.
func (a *Annealer) Apply(logits [][][]float32, labels [][]int, lossMask [][]int) Selection {
	a.step++
	sel := Selection{
		Step:      a.step,
		Threshold: a.schedule.Threshold(a.step),
	}
	for _, p := range loss.Masked(lossMask) {
		sel.Considered++
		probs := loss.Softmax(logits[p.Batch][p.Index])
		y := labels[p.Batch][p.Index]
		if y >= 0 && y < len(probs) && probs[y] < sel.Threshold {
			sel.Positions = append(sel.Positions, p)
		}
	}
	return sel
}
