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

// Package labels maps NER tag strings to dense integer ids.
//
// Building a vocabulary is a two-phase process. A Draft accumulates the tags
// observed while a corpus is read; Finalize freezes them into a Vocabulary
// whose id assignment never changes afterwards:
//
//	draft := labels.NewDraft()
//	draft.Observe("B-PER", "O", "I-PER")
//	vocab := draft.Finalize() // [O B-PER I-PER]
package labels

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Outside is the background tag. It always receives id 0, which is also the
// value used to pad label id arrays.
const Outside = "O"

// ErrUnknownLabel is returned when converting a tag the vocabulary never saw.
var ErrUnknownLabel = errors.New("unknown label")

// Draft accumulates distinct tags. It is not safe for concurrent use.
type Draft struct {
	seen map[string]struct{}
}

// NewDraft returns an empty draft.
func NewDraft() *Draft {
	return &Draft{seen: make(map[string]struct{})}
}

// Observe records the given tags.
func (d *Draft) Observe(tags ...string) {
	for _, t := range tags {
		d.seen[t] = struct{}{}
	}
}

// Len returns the number of distinct tags observed so far.
func (d *Draft) Len() int {
	return len(d.seen)
}

// Finalize freezes the observed tags into a Vocabulary. "O" comes first and
// the remaining tags follow in lexicographic order. "O" is always present,
// even if it was never observed, so that padding has a valid id.
// Observing more tags afterwards does not affect the returned Vocabulary.
func (d *Draft) Finalize() *Vocabulary {
	rest := make([]string, 0, len(d.seen))
	for t := range d.seen {
		if t != Outside {
			rest = append(rest, t)
		}
	}
	sort.Strings(rest)
	return newVocabulary(append([]string{Outside}, rest...))
}

// Vocabulary is a frozen label<->id mapping. It has no mutators and may be
// shared freely between goroutines.
type Vocabulary struct {
	labels []string
	ids    map[string]int
}

// FromLabels rebuilds a Vocabulary from an ordered label list, as stored in a
// checkpoint. The first entry must be "O".
func FromLabels(ordered []string) (*Vocabulary, error) {
	if len(ordered) == 0 || ordered[0] != Outside {
		return nil, fmt.Errorf("label list must start with %q, got %v", Outside, ordered)
	}
	seen := make(map[string]struct{}, len(ordered))
	for _, l := range ordered {
		if _, dup := seen[l]; dup {
			return nil, fmt.Errorf("duplicate label %q", l)
		}
		seen[l] = struct{}{}
	}
	return newVocabulary(slices.Clone(ordered)), nil
}

func newVocabulary(ordered []string) *Vocabulary {
	ids := make(map[string]int, len(ordered))
	for i, l := range ordered {
		ids[l] = i
	}
	return &Vocabulary{labels: ordered, ids: ids}
}

// Len returns the number of labels, i.e. the number of classes the tagger predicts.
func (v *Vocabulary) Len() int {
	return len(v.labels)
}

// Labels returns a copy of the ordered label list.
func (v *Vocabulary) Labels() []string {
	return slices.Clone(v.labels)
}

// ID returns the id of a single label.
func (v *Vocabulary) ID(label string) (int, bool) {
	id, ok := v.ids[label]
	return id, ok
}

// Label returns the label for an id, or "" when out of range.
func (v *Vocabulary) Label(id int) string {
	if id < 0 || id >= len(v.labels) {
		return ""
	}
	return v.labels[id]
}

// IDs converts labels to ids.
func (v *Vocabulary) IDs(labels []string) ([]int, error) {
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := v.ids[l]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, l)
		}
		out[i] = id
	}
	return out, nil
}

// LabelsOf converts ids to labels. Out-of-range ids map to "O".
func (v *Vocabulary) LabelsOf(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if l := v.Label(id); l != "" {
			out[i] = l
		} else {
			out[i] = Outside
		}
	}
	return out
}

// Equal reports whether two vocabularies assign the same ids.
func (v *Vocabulary) Equal(other *Vocabulary) bool {
	return other != nil && slices.Equal(v.labels, other.labels)
}

func (v *Vocabulary) String() string {
	return "[" + strings.Join(v.labels, " ") + "]"
}
