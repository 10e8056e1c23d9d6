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
	"fmt"
	"slices"
)

// Batch contains the inputs of a token classification forward pass.
// Every row has the same sequence length.
type Batch struct {
	UniqueIDs  []int64 // Feature ids [batch]
	InputIDs   [][]int // Wordpiece ids [batch, seq]
	InputMask  [][]int // Attention mask [batch, seq]
	SegmentIDs [][]int // Token type ids [batch, seq]
	LossMask   [][]int // 1 on head word pieces [batch, seq]
	LabelIDs   [][]int // Optional: gold label ids [batch, seq]
}

// Size is the number of rows.
func (b *Batch) Size() int {
	return len(b.InputIDs)
}

// SeqLen is the padded sequence length, 0 for an empty batch.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Clone deep-copies the batch so that it can be modified without touching
// the features it was collated from.
func (b *Batch) Clone() *Batch {
	c := &Batch{
		UniqueIDs:  slices.Clone(b.UniqueIDs),
		InputIDs:   cloneRows(b.InputIDs),
		InputMask:  cloneRows(b.InputMask),
		SegmentIDs: cloneRows(b.SegmentIDs),
		LossMask:   cloneRows(b.LossMask),
	}
	if b.LabelIDs != nil {
		c.LabelIDs = cloneRows(b.LabelIDs)
	}
	return c
}

// Slice returns rows [from, to) sharing storage with b.
func (b *Batch) Slice(from, to int) *Batch {
	s := &Batch{
		UniqueIDs:  b.UniqueIDs[from:to],
		InputIDs:   b.InputIDs[from:to],
		InputMask:  b.InputMask[from:to],
		SegmentIDs: b.SegmentIDs[from:to],
		LossMask:   b.LossMask[from:to],
	}
	if b.LabelIDs != nil {
		s.LabelIDs = b.LabelIDs[from:to]
	}
	return s
}

// Validate checks that all rows have the same length.
func (b *Batch) Validate() error {
	n, seq := b.Size(), b.SeqLen()
	check := func(name string, rows [][]int) error {
		if rows == nil {
			return nil
		}
		if len(rows) != n {
			return fmt.Errorf("%s has %d rows, want %d", name, len(rows), n)
		}
		for i, r := range rows {
			if len(r) != seq {
				return fmt.Errorf("%s row %d has length %d, want %d", name, i, len(r), seq)
			}
		}
		return nil
	}
	for name, rows := range map[string][][]int{
		"input_ids":   b.InputIDs,
		"input_mask":  b.InputMask,
		"segment_ids": b.SegmentIDs,
		"loss_mask":   b.LossMask,
		"label_ids":   b.LabelIDs,
	} {
		if err := check(name, rows); err != nil {
			return err
		}
	}
	return nil
}

func cloneRows(rows [][]int) [][]int {
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}

// RawResult holds the logits produced for one feature.
type RawResult struct {
	UniqueID int64       `json:"unique_id"`
	Logits   [][]float32 `json:"logits"` // [seq, num_labels]
}

// Results splits an output into per-feature results.
func Results(batch *Batch, out *Output) []RawResult {
	results := make([]RawResult, batch.Size())
	for i := range results {
		results[i] = RawResult{UniqueID: batch.UniqueIDs[i], Logits: out.Logits[i]}
	}
	return results
}

// Param is a named trainable tensor stored flat.
type Param struct {
	Name string
	Data []float32
	Grad []float32
	// NoDecay excludes the tensor from weight decay (biases and norms).
	NoDecay bool
}

// NewParam allocates a zeroed parameter of the given size.
func NewParam(name string, size int, noDecay bool) *Param {
	return &Param{
		Name:    name,
		Data:    make([]float32, size),
		Grad:    make([]float32, size),
		NoDecay: noDecay,
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}
