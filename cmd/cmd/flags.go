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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/udaner"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// addModelFlags registers the flags shared by train and predict.
func addModelFlags(fs *pflag.FlagSet) {
	d := udaner.DefaultConfig()
	fs.String("bert-model", "", "HuggingFace model id, model directory or vocab.txt")
	fs.String("models-dir", "", "vocabulary cache directory (default is the user cache dir)")
	fs.String("hf-token", "", "HuggingFace API token for gated models (or use HF_TOKEN env var)")
	fs.String("output-dir", "", "directory for checkpoints and predictions")
	fs.String("predict-file", "", "labeled CoNLL file to evaluate on")
	fs.String("unsupervised-predict-file", "", "unlabeled file for the agreement score")
	fs.Bool("do-lower-case", false, "lowercase input before tokenization")
	fs.Int("max-seq-length", d.MaxSeqLength, "maximum word pieces per window")
	fs.Int("unsupervised-max-seq-length", 0, "maximum word pieces per unlabeled window (default max-seq-length)")
	fs.Int("predict-batch-size", d.PredictBatchSize, "evaluation batch size")
	fs.String("perturbation", "", "perturbation: none, mask_P, unk_P, context_P or swap_P")
	fs.Uint64("seed", d.Seed, "random seed")
	fs.Int("replicas", d.Replicas, "concurrent forward shards")
	fs.Int("rank", 0, "worker rank; only rank 0 writes files")
	fs.Int("world-size", d.WorldSize, "number of workers")
	fs.Bool("progress", false, "show progress bars")
	fs.String("run-id", "", "run identifier (default is a random UUID)")
}

// bindFlags binds every flag of cmd to the viper key of the same name with
// dashes replaced by underscores. Binding happens per invocation since train
// and predict share keys.
func bindFlags(cmd *cobra.Command, _ []string) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err == nil {
			err = viper.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		}
	})
	return err
}

// loadConfig decodes the run configuration from flags, environment and the
// config file on top of the defaults.
func loadConfig() (udaner.Config, error) {
	cfg := udaner.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding configuration: %w", err)
	}
	if cfg.HFToken == "" {
		cfg.HFToken = os.Getenv("HF_TOKEN")
	}
	return cfg, nil
}

// execute runs cfg with signal handling, logging and the optional health
// server, then prints the report as JSON.
func execute(cfg udaner.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	ready := &atomic.Bool{}
	if port := viper.GetInt("health_port"); port > 0 {
		healthserver.Start(logger, port, ready.Load)
	}

	logger.Info("Starting run",
		zap.String("bert_model", cfg.BertModel),
		zap.String("output_dir", cfg.OutputDir),
		zap.Bool("do_train", cfg.DoTrain),
		zap.Bool("do_predict", cfg.DoPredict))
	ready.Store(true)

	report, err := udaner.Run(ctx, logger, cfg)
	if err != nil {
		return err
	}
	out, err := sonic.ConfigDefault.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
