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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antflydb/udaner/lib/perturb"
	"github.com/antflydb/udaner/lib/tsa"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalidConfig wraps every configuration error detected before a run
// starts.
var ErrInvalidConfig = errors.New("invalid configuration")

var configValidate = validator.New()

// Config is the complete configuration of a train and/or predict run.
type Config struct {
	// BertModel is a HuggingFace repository id, a model directory or a
	// vocabulary file. Its last path element names feature cache files.
	BertModel string `mapstructure:"bert_model" validate:"required"`
	// ModelsDir caches vocabularies pulled from the hub.
	ModelsDir string `mapstructure:"models_dir"`
	HFToken   string `mapstructure:"hf_token"`
	OutputDir string `mapstructure:"output_dir" validate:"required"`

	TrainFile               string `mapstructure:"train_file"`
	PredictFile             string `mapstructure:"predict_file"`
	UnsupervisedFile        string `mapstructure:"unsupervised_file"`
	UnsupervisedPredictFile string `mapstructure:"unsupervised_predict_file"`

	DoTrain     bool `mapstructure:"do_train"`
	DoPredict   bool `mapstructure:"do_predict"`
	DoLowerCase bool `mapstructure:"do_lower_case"`

	MaxSeqLength             int `mapstructure:"max_seq_length" validate:"gte=2"`
	UnsupervisedMaxSeqLength int `mapstructure:"unsupervised_max_seq_length" validate:"gte=0"`

	// Batch sizes are totals per optimizer update; they are divided by
	// GradientAccumulationSteps to get the per-step size.
	TrainBatchSize            int     `mapstructure:"train_batch_size" validate:"gte=1"`
	UnsupervisedBatchSize     int     `mapstructure:"unsupervised_batch_size" validate:"gte=0"`
	PredictBatchSize          int     `mapstructure:"predict_batch_size" validate:"gte=1"`
	LearningRate              float64 `mapstructure:"learning_rate" validate:"gt=0"`
	NumTrainEpochs            int     `mapstructure:"num_train_epochs" validate:"gte=1"`
	WarmupProportion          float64 `mapstructure:"warmup_proportion" validate:"gte=0,lte=1"`
	GradientAccumulationSteps int     `mapstructure:"gradient_accumulation_steps"`
	Seed                      uint64  `mapstructure:"seed"`
	Dropout                   float64 `mapstructure:"dropout" validate:"gte=0,lt=1"`

	EvaluateEachEpoch   bool `mapstructure:"evaluate_each_epoch"`
	EvaluateEveryEpochs int  `mapstructure:"evaluate_every_epochs" validate:"gte=0"`
	EarlyStopping       bool `mapstructure:"early_stopping"`

	UnsupervisedWeight              float64 `mapstructure:"unsupervised_weight" validate:"gte=0"`
	Perturbation                    string  `mapstructure:"perturbation"`
	TSA                             string  `mapstructure:"tsa"`
	ExpectationRegularization       bool    `mapstructure:"expectation_regularization"`
	ExpectationRegularizationWeight float64 `mapstructure:"expectation_regularization_weight" validate:"gte=0"`

	// Replicas is the number of concurrent forward shards.
	Replicas int `mapstructure:"replicas" validate:"gte=0,lte=64"`
	// Rank and WorldSize describe a multi-worker run; only rank 0 writes
	// caches, checkpoints and predictions.
	Rank      int `mapstructure:"rank" validate:"gte=0"`
	WorldSize int `mapstructure:"world_size" validate:"gte=0"`

	Progress bool   `mapstructure:"progress"`
	RunID    string `mapstructure:"run_id"`
}

// DefaultConfig returns the defaults of the command line.
func DefaultConfig() Config {
	return Config{
		MaxSeqLength:                    384,
		TrainBatchSize:                  32,
		PredictBatchSize:                8,
		LearningRate:                    5e-5,
		NumTrainEpochs:                  3,
		WarmupProportion:                0.1,
		GradientAccumulationSteps:       1,
		Seed:                            42,
		Dropout:                         0.1,
		EvaluateEveryEpochs:             5,
		UnsupervisedWeight:              1,
		ExpectationRegularizationWeight: 1,
		Replicas:                        1,
		WorldSize:                       1,
	}
}

// Primary reports whether this worker writes files.
func (c *Config) Primary() bool {
	return c.Rank == 0
}

// Validate checks the configuration and fills derived defaults: the
// unsupervised sequence length, the vocabulary cache directory and the run
// id.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.GradientAccumulationSteps < 1 {
		return fmt.Errorf("%w: invalid gradient_accumulation_steps %d, should be >= 1",
			ErrInvalidConfig, c.GradientAccumulationSteps)
	}
	if !c.DoTrain && !c.DoPredict {
		return fmt.Errorf("%w: at least one of do_train or do_predict must be set", ErrInvalidConfig)
	}
	if c.DoTrain && c.TrainFile == "" {
		return fmt.Errorf("%w: do_train requires train_file", ErrInvalidConfig)
	}
	if c.DoPredict && c.PredictFile == "" {
		return fmt.Errorf("%w: do_predict requires predict_file", ErrInvalidConfig)
	}
	if c.DoTrain && c.ExpectationRegularization && c.PredictFile == "" {
		return fmt.Errorf("%w: expectation_regularization requires predict_file", ErrInvalidConfig)
	}
	if c.DoTrain && c.EvaluateEachEpoch && c.PredictFile == "" {
		return fmt.Errorf("%w: evaluate_each_epoch requires predict_file", ErrInvalidConfig)
	}
	if _, err := tsa.Parse(c.TSA, 1, c.NumTrainEpochs); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := perturb.Validate(c.Perturbation); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Rank > 0 && c.Rank >= c.WorldSize {
		return fmt.Errorf("%w: rank %d outside world size %d", ErrInvalidConfig, c.Rank, c.WorldSize)
	}

	if c.UnsupervisedMaxSeqLength == 0 {
		c.UnsupervisedMaxSeqLength = c.MaxSeqLength
	}
	if c.UnsupervisedMaxSeqLength < 2 {
		return fmt.Errorf("%w: unsupervised_max_seq_length %d, should be >= 2",
			ErrInvalidConfig, c.UnsupervisedMaxSeqLength)
	}
	if c.WorldSize == 0 {
		c.WorldSize = 1
	}
	if c.ModelsDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		c.ModelsDir = filepath.Join(dir, "udaner", "models")
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	return nil
}

// StepBatchSizes returns the supervised and unsupervised batch sizes of a
// single step.
func (c *Config) StepBatchSizes() (train, unsupervised int) {
	train = max(c.TrainBatchSize/c.GradientAccumulationSteps, 1)
	if c.UnsupervisedBatchSize > 0 {
		unsupervised = max(c.UnsupervisedBatchSize/c.GradientAccumulationSteps, 1)
	} else {
		unsupervised = train
	}
	return train, unsupervised
}

// NumOptimizationSteps is the length of the learning rate schedule for
// numExamples training examples. It is at least one update per epoch, so a
// corpus smaller than one batch still gets a non-zero learning rate.
func (c *Config) NumOptimizationSteps(numExamples int) int {
	train, _ := c.StepBatchSizes()
	batches := (numExamples + train - 1) / train
	perEpoch := max(batches/c.GradientAccumulationSteps, 1)
	steps := perEpoch * c.NumTrainEpochs
	if c.WorldSize > 1 {
		steps /= c.WorldSize
	}
	return max(steps, 1)
}

// checkOutputDir creates dir and, when training, refuses one that already
// holds more than one entry.
func checkOutputDir(dir string, training bool) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(dir, 0755)
	case err != nil:
		return fmt.Errorf("reading output directory: %w", err)
	case training && len(entries) > 1:
		return fmt.Errorf("%w: output directory %s already exists and is not empty", ErrInvalidConfig, dir)
	}
	return nil
}
