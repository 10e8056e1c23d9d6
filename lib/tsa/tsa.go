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

// Package tsa implements training signal annealing: supervised positions the
// model already predicts with probability above a rising threshold are left
// out of the loss.
package tsa

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnknownSchedule is returned for descriptors Parse does not understand.
var ErrUnknownSchedule = errors.New("unknown annealing schedule")

// Schedule maps a training step to a probability threshold. Thresholds
// start at 1/K, reach 1 at the last step and never decrease.
type Schedule interface {
	Threshold(step int) float64
	fmt.Stringer
}

// Curve holds the parameters shared by all schedules.
type Curve struct {
	NumClasses int
	TotalSteps int
}

func (c Curve) progress(step int) float64 {
	if c.TotalSteps <= 0 {
		return 1
	}
	return min(max(float64(step)/float64(c.TotalSteps), 0), 1)
}

func (c Curve) scale(g float64) float64 {
	base := 1 / float64(c.NumClasses)
	return base + g*(1-base)
}

var expEnd = math.Exp(-5)

// Linear raises the threshold at a constant rate.
type Linear struct{ Curve }

func (s Linear) Threshold(step int) float64 {
	return s.scale(s.progress(step))
}

func (s Linear) String() string {
	return fmt.Sprintf("linear(K=%d, T=%d)", s.NumClasses, s.TotalSteps)
}

// Log raises the threshold quickly at first, then flattens.
type Log struct{ Curve }

func (s Log) Threshold(step int) float64 {
	a := s.progress(step)
	return s.scale((1 - math.Exp(-5*a)) / (1 - expEnd))
}

func (s Log) String() string {
	return fmt.Sprintf("log(K=%d, T=%d)", s.NumClasses, s.TotalSteps)
}

// Exp raises the threshold slowly at first, then fast.
type Exp struct{ Curve }

func (s Exp) Threshold(step int) float64 {
	a := s.progress(step)
	return s.scale((math.Exp(5*(a-1)) - expEnd) / (1 - expEnd))
}

func (s Exp) String() string {
	return fmt.Sprintf("exp(K=%d, T=%d)", s.NumClasses, s.TotalSteps)
}

// Constant holds the threshold at Value strictly between the first and the
// last step.
type Constant struct {
	Curve
	Value float64
}

func (s Constant) Threshold(step int) float64 {
	switch {
	case step <= 0:
		return s.scale(0)
	case step >= s.TotalSteps:
		return 1
	default:
		return s.Value
	}
}

func (s Constant) String() string {
	return fmt.Sprintf("constant(K=%d, T=%d, value=%.3f)", s.NumClasses, s.TotalSteps, s.Value)
}

// Parse builds a schedule from a descriptor such as "log_9", "linear_9",
// "exp_9", "constant_9" or "flat_3_9". The trailing number is the class
// count; "flat_E_K" is linear over E epochs. An empty descriptor or "none"
// disables annealing and returns nil.
func Parse(descriptor string, stepsPerEpoch, epochs int) (Schedule, error) {
	descriptor = strings.TrimSpace(strings.ToLower(descriptor))
	if descriptor == "" || descriptor == "none" {
		return nil, nil
	}

	parts := strings.Split(descriptor, "_")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, descriptor)
	}
	k, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || k < 2 {
		return nil, fmt.Errorf("%w: %q needs a class count of at least 2", ErrUnknownSchedule, descriptor)
	}
	if stepsPerEpoch <= 0 || epochs <= 0 {
		return nil, fmt.Errorf("annealing needs positive steps per epoch and epochs, got %d and %d", stepsPerEpoch, epochs)
	}
	curve := Curve{NumClasses: k, TotalSteps: epochs * stepsPerEpoch}

	switch {
	case parts[0] == "log" && len(parts) == 2:
		return Log{curve}, nil
	case parts[0] == "linear" && len(parts) == 2:
		return Linear{curve}, nil
	case parts[0] == "exp" && len(parts) == 2:
		return Exp{curve}, nil
	case parts[0] == "constant" && len(parts) == 2:
		return Constant{Curve: curve, Value: 1}, nil
	case parts[0] == "flat" && len(parts) == 3:
		e, err := strconv.Atoi(parts[1])
		if err != nil || e <= 0 {
			return nil, fmt.Errorf("%w: %q needs a positive epoch count", ErrUnknownSchedule, descriptor)
		}
		curve.TotalSteps = e * stepsPerEpoch
		return Linear{curve}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, descriptor)
}

// NewConstant validates and builds a constant schedule.
func NewConstant(numClasses, totalSteps int, value float64) (Constant, error) {
	c := Constant{Curve: Curve{NumClasses: numClasses, TotalSteps: totalSteps}, Value: value}
	if numClasses < 2 {
		return c, fmt.Errorf("class count %d must be at least 2", numClasses)
	}
	if value < 1/float64(numClasses) || value > 1 {
		return c, fmt.Errorf("constant threshold %.3f outside [1/%d, 1]", value, numClasses)
	}
	return c, nil
}
