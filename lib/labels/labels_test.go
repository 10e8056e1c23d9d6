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

package labels

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalizeOrdering(t *testing.T) {
	d := NewDraft()
	d.Observe("I-PER", "O", "B-PER", "O")

	v := d.Finalize()
	require.Equal(t, []string{"O", "B-PER", "I-PER"}, v.Labels())
	require.Equal(t, 3, v.Len())
	require.Equal(t, "[O B-PER I-PER]", v.String())

	// Rebuilding from the same set is idempotent.
	again := d.Finalize()
	require.True(t, v.Equal(again))
}

func TestFinalizeIsFrozen(t *testing.T) {
	d := NewDraft()
	d.Observe("B-LOC", "O")
	v := d.Finalize()

	d.Observe("B-AAA")
	require.Equal(t, []string{"O", "B-LOC"}, v.Labels())

	id, ok := v.ID("B-LOC")
	require.True(t, ok)
	require.Equal(t, 1, id)

	// Mutating the returned slice does not leak into the vocabulary.
	l := v.Labels()
	l[0] = "X"
	require.Equal(t, "O", v.Label(0))
}

func TestOutsideAlwaysPresent(t *testing.T) {
	d := NewDraft()
	d.Observe("B-MISC")
	v := d.Finalize()
	require.Equal(t, []string{"O", "B-MISC"}, v.Labels())
}

func TestConversions(t *testing.T) {
	d := NewDraft()
	d.Observe("O", "B-PER", "B-LOC")
	v := d.Finalize()

	ids, err := v.IDs([]string{"B-PER", "O", "O", "B-LOC"})
	require.NoError(t, err)
	require.Equal(t, []int{2, 0, 0, 1}, ids)
	require.Equal(t, []string{"B-PER", "O", "O", "B-LOC"}, v.LabelsOf(ids))

	_, err = v.IDs([]string{"B-ORG"})
	require.True(t, errors.Is(err, ErrUnknownLabel))

	require.Equal(t, []string{"O"}, v.LabelsOf([]int{42}))
}

func TestFromLabels(t *testing.T) {
	v, err := FromLabels([]string{"O", "B-PER", "I-PER"})
	require.NoError(t, err)
	require.Equal(t, 3, v.Len())

	_, err = FromLabels([]string{"B-PER", "O"})
	require.Error(t, err)

	_, err = FromLabels([]string{"O", "B-PER", "B-PER"})
	require.Error(t, err)
}
