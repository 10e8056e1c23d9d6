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

package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// predictionHeader opens every prediction file.
const predictionHeader = DocStart + " -X- -X- O\n\n"

// WritePredictions writes one label per line, with a blank line after each
// sentence, preceded by a document-start line.
func WritePredictions(w io.Writer, predictions [][]string) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(predictionHeader); err != nil {
		return err
	}
	for _, sentence := range predictions {
		if _, err := bw.WriteString(strings.Join(sentence, "\n")); err != nil {
			return err
		}
		if _, err := bw.WriteString("\n\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WritePredictionsFile writes predictions to path, creating parent directories.
func WritePredictionsFile(path string, predictions [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating prediction directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating prediction file: %w", err)
	}
	if err := WritePredictions(f, predictions); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing predictions: %w", err)
	}
	return f.Close()
}

// PredictionFileName derives the prediction file written for a predict corpus.
func PredictionFileName(outputDir, predictFile string) string {
	return filepath.Join(outputDir, filepath.Base(predictFile)+".predictions.txt")
}
