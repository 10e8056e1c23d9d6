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
	"errors"
	"testing"

	"github.com/antflydb/udaner/lib/loss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleBoundaries(t *testing.T) {
	const total = 1000
	curve := Curve{NumClasses: 9, TotalSteps: total}
	schedules := []Schedule{
		Linear{curve},
		Log{curve},
		Exp{curve},
		Constant{Curve: curve, Value: 0.6},
	}

	for _, s := range schedules {
		t.Run(s.String(), func(t *testing.T) {
			assert.InDelta(t, 1.0/9, s.Threshold(0), 1e-9)
			assert.InDelta(t, 1.0, s.Threshold(total), 1e-9)
			assert.InDelta(t, 1.0, s.Threshold(total+50), 1e-9)

			prev := s.Threshold(0)
			for step := 1; step <= total; step++ {
				cur := s.Threshold(step)
				require.GreaterOrEqual(t, cur+1e-12, prev, "step %d", step)
				require.LessOrEqual(t, cur, 1.0+1e-12)
				prev = cur
			}
		})
	}
}

func TestCurveShapes(t *testing.T) {
	curve := Curve{NumClasses: 2, TotalSteps: 100}
	mid := 50
	lin := Linear{curve}.Threshold(mid)
	assert.InDelta(t, 0.75, lin, 1e-9)
	// Log is ahead of linear, exp behind.
	assert.Greater(t, Log{curve}.Threshold(mid), lin)
	assert.Less(t, Exp{curve}.Threshold(mid), lin)
	assert.InDelta(t, 0.6, Constant{Curve: curve, Value: 0.6}.Threshold(mid), 1e-9)
}

func TestParse(t *testing.T) {
	tests := []struct {
		descriptor string
		want       Schedule
	}{
		{"log_9", Log{Curve{NumClasses: 9, TotalSteps: 30}}},
		{"linear_5", Linear{Curve{NumClasses: 5, TotalSteps: 30}}},
		{"EXP_9", Exp{Curve{NumClasses: 9, TotalSteps: 30}}},
		{"constant_9", Constant{Curve: Curve{NumClasses: 9, TotalSteps: 30}, Value: 1}},
		{"flat_2_9", Linear{Curve{NumClasses: 9, TotalSteps: 20}}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.descriptor, 10, 3)
		require.NoError(t, err, tt.descriptor)
		require.Equal(t, tt.want, got, tt.descriptor)
	}

	for _, disabled := range []string{"", "none", " None "} {
		got, err := Parse(disabled, 10, 3)
		require.NoError(t, err)
		require.Nil(t, got)
	}

	for _, bad := range []string{"log", "cosine_9", "log_x", "log_1", "flat_9", "flat_0_9"} {
		_, err := Parse(bad, 10, 3)
		require.True(t, errors.Is(err, ErrUnknownSchedule), bad)
	}

	_, err := Parse("log_9", 0, 3)
	require.Error(t, err)
}

func TestNewConstant(t *testing.T) {
	_, err := NewConstant(9, 100, 0.5)
	require.NoError(t, err)
	_, err = NewConstant(9, 100, 0.05)
	require.Error(t, err)
	_, err = NewConstant(9, 100, 1.5)
	require.Error(t, err)
}

func TestAnnealerFiltersConfidentPositions(t *testing.T) {
	a := NewAnnealer(Linear{Curve{NumClasses: 2, TotalSteps: 4}})
	require.Equal(t, Linear{Curve{NumClasses: 2, TotalSteps: 4}}, a.Schedule())

	// Gold probabilities: ~0.88 at (0,1), 0.5 at (0,2); (0,0) is masked.
	logits := [][][]float32{{{0, 0}, {2, 0}, {0, 0}}}
	labels := [][]int{{0, 0, 1}}
	mask := [][]int{{0, 1, 1}}

	// Step 1: threshold 0.625 keeps only the uncertain position.
	sel := a.Apply(logits, labels, mask)
	require.Equal(t, 1, sel.Step)
	assert.InDelta(t, 0.625, sel.Threshold, 1e-9)
	require.Equal(t, 2, sel.Considered)
	require.Equal(t, []loss.Position{{Batch: 0, Index: 2}}, sel.Positions)
	assert.InDelta(t, 0.5, sel.KeptFraction(), 1e-9)

	a.Apply(logits, labels, mask)
	a.Apply(logits, labels, mask)

	// Step 4: threshold 1 keeps everything below certainty.
	sel = a.Apply(logits, labels, mask)
	require.Equal(t, 4, sel.Step)
	require.Len(t, sel.Positions, 2)

	a.Reset()
	require.Zero(t, a.Step())
}

func TestAnnealerConfidentBatchSelectsNothing(t *testing.T) {
	a := NewAnnealer(Log{Curve{NumClasses: 9, TotalSteps: 1000}})
	logits := [][][]float32{{{20, 0, 0}, {0, 20, 0}}}
	labels := [][]int{{0, 1}}
	mask := [][]int{{1, 1}}

	sel := a.Apply(logits, labels, mask)
	require.Empty(t, sel.Positions)
	require.Zero(t, sel.KeptFraction())

	v, grad, err := loss.CrossEntropy(logits, labels, sel.Positions)
	require.NoError(t, err)
	require.Zero(t, v)
	require.Nil(t, grad)
}
