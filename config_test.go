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

package udaner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.BertModel = "bert-base-cased"
	cfg.OutputDir = t.TempDir()
	cfg.ModelsDir = t.TempDir()
	cfg.DoTrain = true
	cfg.TrainFile = "train.txt"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing model", func(c *Config) { c.BertModel = "" }},
		{"missing output dir", func(c *Config) { c.OutputDir = "" }},
		{"accumulation below one", func(c *Config) { c.GradientAccumulationSteps = 0 }},
		{"nothing to do", func(c *Config) { c.DoTrain = false }},
		{"train without file", func(c *Config) { c.TrainFile = "" }},
		{"predict without file", func(c *Config) { c.DoPredict = true }},
		{"regularization without predict file", func(c *Config) { c.ExpectationRegularization = true }},
		{"evaluation without predict file", func(c *Config) { c.EvaluateEachEpoch = true }},
		{"short sequences", func(c *Config) { c.MaxSeqLength = 1 }},
		{"unknown schedule", func(c *Config) { c.TSA = "cosine_9" }},
		{"unknown perturbation", func(c *Config) { c.Perturbation = "blur_0.1" }},
		{"dropout of one", func(c *Config) { c.Dropout = 1 }},
		{"rank outside world", func(c *Config) { c.Rank, c.WorldSize = 2, 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := validConfig(t)
	cfg.MaxSeqLength = 64
	cfg.ModelsDir = ""
	cfg.TSA = "flat_2_9"
	cfg.Perturbation = "context_0.2"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 64, cfg.UnsupervisedMaxSeqLength)
	assert.NotEmpty(t, cfg.ModelsDir)
	_, err := uuid.Parse(cfg.RunID)
	assert.NoError(t, err)
	assert.True(t, cfg.Primary())
}

func TestBatchArithmetic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrainBatchSize = 32
	cfg.GradientAccumulationSteps = 4
	cfg.NumTrainEpochs = 3

	train, unsup := cfg.StepBatchSizes()
	assert.Equal(t, 8, train)
	assert.Equal(t, 8, unsup)

	cfg.UnsupervisedBatchSize = 64
	_, unsup = cfg.StepBatchSizes()
	assert.Equal(t, 16, unsup)

	// 125 batches, 31 updates per epoch, 3 epochs.
	assert.Equal(t, 93, cfg.NumOptimizationSteps(1000))
	cfg.WorldSize = 2
	assert.Equal(t, 46, cfg.NumOptimizationSteps(1000))

	// A corpus smaller than one batch still gets one update per epoch.
	small := DefaultConfig()
	small.NumTrainEpochs = 3
	assert.Equal(t, 3, small.NumOptimizationSteps(20))
	small.GradientAccumulationSteps = 4
	assert.Equal(t, 3, small.NumOptimizationSteps(20))
}

func TestCheckOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	require.NoError(t, checkOutputDir(dir, true))
	require.DirExists(t, dir)

	// One stray entry is tolerated.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0644))
	require.NoError(t, checkOutputDir(dir, true))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), nil, 0644))
	require.ErrorIs(t, checkOutputDir(dir, true), ErrInvalidConfig)
	require.NoError(t, checkOutputDir(dir, false))
}
