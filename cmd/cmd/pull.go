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
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/antflydb/udaner/lib/tokenizer"
	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull-vocab <model> [model...]",
	Short: "Download model vocabularies from HuggingFace",
	Long: `Download vocab.txt of one or more HuggingFace models into the
vocabulary cache, so later runs work offline.

Examples:
  udaner pull-vocab bert-base-cased
  udaner pull-vocab --models-dir /opt/udaner/models dslim/bert-base-NER`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("models-dir", "", "vocabulary cache directory (default is the user cache dir)")
	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use HF_TOKEN env var)")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	modelsDir, _ := cmd.Flags().GetString("models-dir")
	hfToken, _ := cmd.Flags().GetString("hf-token")
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}
	if modelsDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("no models directory: %w", err)
		}
		modelsDir = filepath.Join(dir, "udaner", "models")
	}

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()
	client := tokenizer.NewHubClient(
		tokenizer.WithHubToken(hfToken),
		tokenizer.WithHubLogger(logger),
	)
	return pullVocabs(ctx, client, args, modelsDir, cmd.OutOrStdout())
}

func pullVocabs(ctx context.Context, client *tokenizer.HubClient, models []string, modelsDir string, out io.Writer) error {
	for _, model := range models {
		path, err := client.PullVocab(ctx, model, modelsDir)
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", model, err)
		}
		fmt.Fprintf(out, "%s -> %s\n", model, path)
	}
	return nil
}
