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

package tokenizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// VocabFile is the WordPiece vocabulary file name in a model directory.
const VocabFile = "vocab.txt"

// hubFiles are fetched when present in the repository; only the vocabulary
// is required.
var hubFiles = []string{VocabFile, "tokenizer_config.json", "config.json"}

// HubClient fetches tokenizer files from HuggingFace Hub.
type HubClient struct {
	token  string
	logger *zap.Logger
}

// HubOption configures a HubClient.
type HubOption func(*HubClient)

// WithHubToken sets the HuggingFace API token for gated repositories.
func WithHubToken(token string) HubOption {
	return func(c *HubClient) { c.token = token }
}

// WithHubLogger sets the logger.
func WithHubLogger(logger *zap.Logger) HubOption {
	return func(c *HubClient) { c.logger = logger }
}

// NewHubClient creates a new hub client.
func NewHubClient(opts ...HubOption) *HubClient {
	c := &HubClient{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PullVocab downloads the vocabulary of repoID (e.g. "bert-base-cased") into
// destDir/<owner>/<name> and returns the local path of vocab.txt.
func (c *HubClient) PullVocab(ctx context.Context, repoID, destDir string) (string, error) {
	if repoID == "" {
		return "", errors.New("empty repository id")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	available := make(map[string]bool)
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return "", fmt.Errorf("listing files: %w", err)
		}
		available[fileName] = true
	}
	if !available[VocabFile] {
		return "", fmt.Errorf("no %s found in %s", VocabFile, repoID)
	}

	modelDir := filepath.Join(destDir, filepath.FromSlash(repoID))
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	for _, fileName := range hubFiles {
		if !available[fileName] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}
		if err := copyFile(localPath, filepath.Join(modelDir, fileName)); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}
		c.logger.Info("Downloaded tokenizer file",
			zap.String("repo", repoID),
			zap.String("file", fileName))
	}

	return filepath.Join(modelDir, VocabFile), nil
}

// ResolveVocab finds the vocabulary for a model reference. A directory
// containing vocab.txt or a direct path to a vocabulary file is used as is;
// anything else is treated as a hub repository id and pulled into cacheDir.
func (c *HubClient) ResolveVocab(ctx context.Context, model, cacheDir string) (string, error) {
	if info, err := os.Stat(model); err == nil {
		if !info.IsDir() {
			return model, nil
		}
		path := filepath.Join(model, VocabFile)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("model directory %s has no %s: %w", model, VocabFile, err)
		}
		return path, nil
	}

	cached := filepath.Join(cacheDir, filepath.FromSlash(model), VocabFile)
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}
	if strings.HasPrefix(model, ".") || filepath.IsAbs(model) {
		return "", fmt.Errorf("model path %s does not exist", model)
	}
	return c.PullVocab(ctx, model, cacheDir)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
