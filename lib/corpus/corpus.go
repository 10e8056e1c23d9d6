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

// Package corpus reads CoNLL-style tagged corpora and plain-text unlabeled
// corpora, and writes prediction files in the format the CoNLL chunk scorer
// expects.
package corpus

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antflydb/udaner/lib/labels"
	"go.uber.org/zap"
)

// DocStart marks a document boundary in CoNLL files.
const DocStart = "-DOCSTART-"

// maxLineSize bounds a single corpus line.
const maxLineSize = 1 << 20

// LabeledExample is one tagged sentence.
type LabeledExample struct {
	Tokens []string `json:"tokens"`
	Labels []string `json:"labels"`
}

func (e LabeledExample) String() string {
	return fmt.Sprintf("tokens: [%s], labels: [%s]",
		strings.Join(e.Tokens, " "), strings.Join(e.Labels, " "))
}

// UnlabeledExample is one untagged sentence.
type UnlabeledExample struct {
	Tokens []string `json:"tokens"`
}

func (e UnlabeledExample) String() string {
	return fmt.Sprintf("tokens: [%s]", strings.Join(e.Tokens, " "))
}

// Labeled is a tagged corpus partition together with the vocabulary that
// every example of the partition shares.
type Labeled struct {
	Examples []LabeledExample
	Vocab    *labels.Vocabulary
}

// isDivider reports whether a line separates sentences: blank lines and
// document-start markers both do.
func isDivider(line string) bool {
	fields := strings.Fields(line)
	return len(fields) == 0 || fields[0] == DocStart
}

// ReadLabeled parses a CoNLL corpus. The first column is the token and the
// last column is the tag. Every tag is recorded in draft. Lines with fewer
// than two columns are logged and dropped; the rest of their sentence is
// kept.
func ReadLabeled(r io.Reader, draft *labels.Draft, logger *zap.Logger) ([]LabeledExample, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		examples []LabeledExample
		current  LabeledExample
		lineNo   int
	)

	flush := func() {
		if len(current.Tokens) == 0 {
			return
		}
		draft.Observe(current.Labels...)
		examples = append(examples, current)
		current = LabeledExample{}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if isDivider(line) {
			flush()
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			logger.Warn("Skipping line without a tag column",
				zap.Int("line", lineNo),
				zap.String("token", fields[0]))
			continue
		}
		current.Tokens = append(current.Tokens, fields[0])
		current.Labels = append(current.Labels, fields[len(fields)-1])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning labeled corpus at line %d: %w", lineNo, err)
	}
	flush()

	return examples, nil
}

// LoadLabeled reads a CoNLL file from disk.
func LoadLabeled(path string, draft *labels.Draft, logger *zap.Logger) ([]LabeledExample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening labeled corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	examples, err := ReadLabeled(f, draft, logger)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return examples, nil
}

// ReadUnlabeled parses one whitespace-tokenized sentence per line. Empty
// lines become empty examples so that example indices match line numbers.
func ReadUnlabeled(r io.Reader) ([]UnlabeledExample, error) {
	var examples []UnlabeledExample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		examples = append(examples, UnlabeledExample{Tokens: strings.Fields(sc.Text())})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning unlabeled corpus: %w", err)
	}
	return examples, nil
}

// LoadUnlabeled reads an unlabeled corpus from disk.
func LoadUnlabeled(path string) ([]UnlabeledExample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening unlabeled corpus: %w", err)
	}
	defer func() { _ = f.Close() }()

	examples, err := ReadUnlabeled(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return examples, nil
}
