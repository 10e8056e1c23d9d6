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

package trainer

import (
	"math/rand/v2"

	"github.com/antflydb/udaner/lib/features"
)

// EpochSampler yields the supervised features in a fresh random order every
// epoch. The last batch of an epoch may be short.
type EpochSampler struct {
	feats []*features.Feature
	size  int
	rng   *rand.Rand
}

func NewEpochSampler(feats []*features.Feature, batchSize int, rng *rand.Rand) *EpochSampler {
	return &EpochSampler{feats: feats, size: max(batchSize, 1), rng: rng}
}

// BatchesPerEpoch is the number of batches Epoch returns.
func (s *EpochSampler) BatchesPerEpoch() int {
	return (len(s.feats) + s.size - 1) / s.size
}

// Epoch shuffles and partitions the features.
func (s *EpochSampler) Epoch() [][]*features.Feature {
	order := s.rng.Perm(len(s.feats))
	out := make([][]*features.Feature, 0, s.BatchesPerEpoch())
	for from := 0; from < len(order); from += s.size {
		to := min(from+s.size, len(order))
		batch := make([]*features.Feature, 0, to-from)
		for _, i := range order[from:to] {
			batch = append(batch, s.feats[i])
		}
		out = append(out, batch)
	}
	return out
}

// StreamSampler draws random batches forever. When the current permutation
// is exhausted it reshuffles and starts over.
type StreamSampler struct {
	feats []*features.Feature
	size  int
	rng   *rand.Rand
	order []int
	pos   int
}

func NewStreamSampler(feats []*features.Feature, batchSize int, rng *rand.Rand) *StreamSampler {
	return &StreamSampler{feats: feats, size: max(batchSize, 1), rng: rng}
}

// Len is the number of features sampled from.
func (s *StreamSampler) Len() int {
	return len(s.feats)
}

// Next returns the next batch, or nil when there is nothing to sample.
func (s *StreamSampler) Next() []*features.Feature {
	if len(s.feats) == 0 {
		return nil
	}
	if s.pos >= len(s.order) {
		s.order = s.rng.Perm(len(s.feats))
		s.pos = 0
	}
	to := min(s.pos+s.size, len(s.order))
	batch := make([]*features.Feature, 0, to-s.pos)
	for _, i := range s.order[s.pos:to] {
		batch = append(batch, s.feats[i])
	}
	s.pos = to
	return batch
}
