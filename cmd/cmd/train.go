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

package cmd

import (
	"github.com/antflydb/udaner"
	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a tagger",
	Long: `Train a tagger on a labeled CoNLL corpus. With --unsupervised-file the
supervised loss is combined with a consistency loss between clean and
perturbed predictions on unlabeled sentences.

Examples:
  # Supervised training with annealing
  udaner train --bert-model bert-base-cased --train-file train.txt \
    --output-dir out --tsa linear_9

  # Consistency training, evaluated on dev every 5 epochs
  udaner train --bert-model bert-base-cased --train-file train.txt \
    --unsupervised-file wiki.txt --perturbation mask_0.15 \
    --predict-file dev.txt --evaluate-each-epoch --early-stopping \
    --output-dir out`,
	Args:    cobra.NoArgs,
	PreRunE: bindFlags,
	RunE:    runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	d := udaner.DefaultConfig()
	fs := trainCmd.Flags()
	addModelFlags(fs)
	fs.String("train-file", "", "labeled CoNLL training file")
	fs.String("unsupervised-file", "", "unlabeled file, one sentence per line")
	fs.Bool("do-predict", false, "evaluate predict-file after training")
	fs.Int("train-batch-size", d.TrainBatchSize, "training examples per optimizer update")
	fs.Int("unsupervised-batch-size", 0, "unlabeled examples per optimizer update (default train-batch-size)")
	fs.Float64("learning-rate", d.LearningRate, "peak Adam learning rate")
	fs.Int("num-train-epochs", d.NumTrainEpochs, "training epochs")
	fs.Float64("warmup-proportion", d.WarmupProportion, "fraction of updates spent warming up")
	fs.Int("gradient-accumulation-steps", d.GradientAccumulationSteps, "steps accumulated per optimizer update")
	fs.Float64("dropout", d.Dropout, "hidden dropout probability")
	fs.Bool("evaluate-each-epoch", false, "evaluate on predict-file during training")
	fs.Int("evaluate-every-epochs", d.EvaluateEveryEpochs, "evaluation period in epochs")
	fs.Bool("early-stopping", false, "stop when the evaluation F1 drops")
	fs.Float64("unsupervised-weight", d.UnsupervisedWeight, "consistency loss weight")
	fs.String("tsa", "", "training signal annealing: none, log_K, linear_K, exp_K, constant_K or flat_E_K")
	fs.Bool("expectation-regularization", false, "regularize toward the predict-file label distribution")
	fs.Float64("expectation-regularization-weight", d.ExpectationRegularizationWeight, "expectation regularization weight")
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.DoTrain = true
	return execute(cfg)
}
