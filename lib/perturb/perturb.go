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

// Package perturb builds noised copies of unlabeled batches for consistency
// training. Perturbations only rewrite token ids: masks, lengths and marker
// tokens are left untouched.
package perturb

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/antflydb/udaner/lib/encoder"
	"github.com/antflydb/udaner/lib/loss"
	"github.com/antflydb/udaner/lib/tokenizer"
)

// ErrUnknownPerturbation is returned for descriptors Parse does not understand.
var ErrUnknownPerturbation = errors.New("unknown perturbation")

// ErrMissingMask is returned when masking is requested over a vocabulary
// without a [MASK] token.
var ErrMissingMask = errors.New("vocabulary has no [MASK] token")

// Perturber derives a perturbed batch from a clean batch and the detached
// clean predictions.
type Perturber interface {
	Perturb(ctx context.Context, batch *encoder.Batch, clean *encoder.Output) (*encoder.Batch, error)
}

// Mode selects what a Noiser does to a chosen position.
type Mode int

const (
	// ModeMask replaces tokens with [MASK].
	ModeMask Mode = iota
	// ModeUnknown replaces tokens with [UNK].
	ModeUnknown
	// ModeRandom replaces tokens with random vocabulary entries.
	ModeRandom
	// ModeSwap swaps adjacent tokens.
	ModeSwap
)

func (m Mode) String() string {
	switch m {
	case ModeMask:
		return "mask"
	case ModeUnknown:
		return "unk"
	case ModeRandom:
		return "context"
	case ModeSwap:
		return "swap"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// Identity returns batches unchanged.
type Identity struct{}

func (Identity) Perturb(_ context.Context, batch *encoder.Batch, _ *encoder.Output) (*encoder.Batch, error) {
	return batch.Clone(), nil
}

// Noiser rewrites each eligible token with probability Rate. With
// OutsideOnly set, only tokens the clean prediction labels as the outside
// class (id 0) are eligible, so predicted entity mentions stay intact.
type Noiser struct {
	Mode        Mode
	Rate        float64
	OutsideOnly bool

	replacement int
	special     map[int]bool
	vocabSize   int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewNoiser builds a noiser over the vocabulary of tok.
func NewNoiser(mode Mode, rate float64, outsideOnly bool, tok tokenizer.Tokenizer, seed uint64) (*Noiser, error) {
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("perturbation rate %.3f outside [0, 1]", rate)
	}
	ids := tok.ConvertTokensToIDs([]string{tokenizer.CLS, tokenizer.SEP, tokenizer.PAD, tokenizer.MASK, tokenizer.UNK})
	n := &Noiser{
		Mode:        mode,
		Rate:        rate,
		OutsideOnly: outsideOnly,
		special:     map[int]bool{ids[0]: true, ids[1]: true, ids[2]: true},
		vocabSize:   tok.VocabSize(),
		rng:         rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15)),
	}
	switch mode {
	case ModeMask:
		if ids[3] == ids[4] {
			return nil, ErrMissingMask
		}
		n.replacement = ids[3]
	case ModeUnknown:
		n.replacement = ids[4]
	}
	if mode == ModeRandom && n.vocabSize <= len(n.special) {
		return nil, errors.New("vocabulary too small for random replacement")
	}
	return n, nil
}

func (n *Noiser) eligible(batch *encoder.Batch, clean *encoder.Output, b, i int) bool {
	if batch.InputMask[b][i] == 0 || n.special[batch.InputIDs[b][i]] {
		return false
	}
	if n.OutsideOnly && clean != nil {
		return loss.Argmax(clean.Logits[b][i]) == 0
	}
	return true
}

func (n *Noiser) randomToken() int {
	for {
		id := n.rng.IntN(n.vocabSize)
		if !n.special[id] {
			return id
		}
	}
}

func (n *Noiser) Perturb(ctx context.Context, batch *encoder.Batch, clean *encoder.Output) (*encoder.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.OutsideOnly && clean == nil {
		return nil, errors.New("outside-only perturbation needs clean predictions")
	}
	out := batch.Clone()

	n.mu.Lock()
	defer n.mu.Unlock()

	for b, ids := range out.InputIDs {
		for i := 0; i < len(ids); i++ {
			if !n.eligible(batch, clean, b, i) || n.rng.Float64() >= n.Rate {
				continue
			}
			switch n.Mode {
			case ModeMask, ModeUnknown:
				ids[i] = n.replacement
			case ModeRandom:
				ids[i] = n.randomToken()
			case ModeSwap:
				if i+1 < len(ids) && n.eligible(batch, clean, b, i+1) {
					ids[i], ids[i+1] = ids[i+1], ids[i]
					i++
				}
			}
		}
	}
	return out, nil
}

type descriptor struct {
	mode        Mode
	rate        float64
	outsideOnly bool
	identity    bool
}

func parseDescriptor(s string) (descriptor, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return descriptor{identity: true}, nil
	}

	name, rateStr, ok := strings.Cut(s, "_")
	if !ok {
		return descriptor{}, fmt.Errorf("%w: %q", ErrUnknownPerturbation, s)
	}
	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil {
		return descriptor{}, fmt.Errorf("%w: %q has no valid rate", ErrUnknownPerturbation, s)
	}
	if rate < 0 || rate > 1 {
		return descriptor{}, fmt.Errorf("perturbation rate %.3f outside [0, 1]", rate)
	}

	d := descriptor{rate: rate}
	switch name {
	case "mask":
		d.mode = ModeMask
	case "unk":
		d.mode = ModeUnknown
	case "context":
		d.mode, d.outsideOnly = ModeRandom, true
	case "swap":
		d.mode, d.outsideOnly = ModeSwap, true
	default:
		return descriptor{}, fmt.Errorf("%w: %q", ErrUnknownPerturbation, s)
	}
	return d, nil
}

// Validate checks a descriptor without building a perturber.
func Validate(desc string) error {
	_, err := parseDescriptor(desc)
	return err
}

// Parse builds a perturber from a descriptor: "none", "mask_P", "unk_P",
// "context_P" or "swap_P" where P is the per-token rate. "context" replaces
// tokens predicted as outside with random vocabulary entries; "swap" swaps
// adjacent tokens predicted as outside.
func Parse(desc string, tok tokenizer.Tokenizer, seed uint64) (Perturber, error) {
	d, err := parseDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if d.identity {
		return Identity{}, nil
	}
	n, err := NewNoiser(d.mode, d.rate, d.outsideOnly, tok, seed)
	if err != nil {
		return nil, err
	}
	return n, nil
}
