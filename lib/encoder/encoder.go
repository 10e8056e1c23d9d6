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

// Package encoder defines the trainable token classifier the training loop
// drives, and ships a reference implementation with its optimizer,
// learning-rate schedule and checkpoint format.
//
// The training loop only sees the interfaces:
//
//   - Encoder: batch in, per-position logits out
//   - Output: logits plus the tape that routes gradients back into the model
//   - Optimizer: applies accumulated gradients, exposes parameter groups
//
// A production encoder (for example a BERT graph) plugs in by implementing
// Encoder and, for training, Trainable.
package encoder

import (
	"context"
	"errors"
	"fmt"
)

// ErrDetached is returned when gradients are pushed into an output that does
// not track them.
var ErrDetached = errors.New("output is detached from the gradient tape")

// Tape routes the gradient of the logits back into model parameters.
type Tape interface {
	Backward(grad [][][]float32) error
}

// TapeFunc adapts a function to the Tape interface.
type TapeFunc func(grad [][][]float32) error

func (f TapeFunc) Backward(grad [][][]float32) error { return f(grad) }

// Output contains the logits of a forward pass.
type Output struct {
	Logits [][][]float32 // [batch, seq, num_labels]
	tape   Tape
}

// NewOutput wraps logits. A nil tape yields a detached output.
func NewOutput(logits [][][]float32, tape Tape) *Output {
	return &Output{Logits: logits, tape: tape}
}

// Tracked reports whether Backward can be called.
func (o *Output) Tracked() bool {
	return o.tape != nil
}

// Backward accumulates the gradient of the loss with respect to the logits
// into the model that produced them.
func (o *Output) Backward(grad [][][]float32) error {
	if o.tape == nil {
		return ErrDetached
	}
	if len(grad) != len(o.Logits) {
		return fmt.Errorf("gradient has %d rows, logits have %d", len(grad), len(o.Logits))
	}
	return o.tape.Backward(grad)
}

// Detach returns a deep copy of the logits that is cut off from the tape.
func (o *Output) Detach() *Output {
	logits := make([][][]float32, len(o.Logits))
	for i, row := range o.Logits {
		logits[i] = make([][]float32, len(row))
		for j, pos := range row {
			logits[i][j] = append([]float32(nil), pos...)
		}
	}
	return &Output{Logits: logits}
}

// Encoder is a token classification model.
type Encoder interface {
	// Forward returns per-position logits. train enables dropout.
	Forward(ctx context.Context, batch *Batch, train bool) (*Output, error)
	// NumLabels is the size of the label dimension.
	NumLabels() int
}

// Trainable is an Encoder whose parameters can be updated.
type Trainable interface {
	Encoder
	Parameters() []*Param
}

// Checkpointable is implemented by encoders that can persist themselves.
type Checkpointable interface {
	// Config returns the encoder configuration recorded in the checkpoint.
	Config() ModelConfig
	// LoadParameters replaces parameter values by name.
	LoadParameters(values map[string][]float32) error
}
