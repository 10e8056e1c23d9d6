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
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Replicated scatters every forward pass over a number of concurrent
// replicas of the same encoder and gathers their logits in row order.
// Gradients pushed into the gathered output are split back per replica.
type Replicated struct {
	Encoder
	replicas int
}

// NewReplicated wraps enc. replicas <= 1 forwards on the caller's goroutine.
func NewReplicated(enc Encoder, replicas int) *Replicated {
	return &Replicated{Encoder: enc, replicas: max(replicas, 1)}
}

// Replicas is the configured fan-out.
func (r *Replicated) Replicas() int {
	return r.replicas
}

// Parameters forwards to the wrapped encoder when it is trainable.
func (r *Replicated) Parameters() []*Param {
	if t, ok := r.Encoder.(Trainable); ok {
		return t.Parameters()
	}
	return nil
}

func (r *Replicated) Forward(ctx context.Context, batch *Batch, train bool) (*Output, error) {
	n := batch.Size()
	shards := min(r.replicas, n)
	if shards <= 1 {
		return r.Encoder.Forward(ctx, batch, train)
	}

	bounds := make([]int, shards+1)
	for i := range shards {
		bounds[i+1] = bounds[i] + n/shards
		if i < n%shards {
			bounds[i+1]++
		}
	}

	outs := make([]*Output, shards)
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		g.Go(func() error {
			out, err := r.Encoder.Forward(gctx, batch.Slice(bounds[i], bounds[i+1]), train)
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logits := make([][][]float32, 0, n)
	tracked := true
	for _, out := range outs {
		logits = append(logits, out.Logits...)
		tracked = tracked && out.Tracked()
	}
	if !tracked {
		return NewOutput(logits, nil), nil
	}

	tape := TapeFunc(func(grad [][][]float32) error {
		var g errgroup.Group
		for i, out := range outs {
			g.Go(func() error {
				return out.Backward(grad[bounds[i]:bounds[i+1]])
			})
		}
		return g.Wait()
	})
	return NewOutput(logits, tape), nil
}
