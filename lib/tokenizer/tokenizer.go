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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/util"
)

// Special tokens of BERT-style vocabularies.
const (
	CLS  = "[CLS]"
	SEP  = "[SEP]"
	PAD  = "[PAD]"
	UNK  = "[UNK]"
	MASK = "[MASK]"

	// ContinuationPrefix marks a piece that continues the previous one.
	ContinuationPrefix = "##"
)

// Tokenizer splits words into subword pieces and maps pieces to ids.
type Tokenizer interface {
	// Tokenize returns the pieces of a single word. The result is never
	// empty: words the vocabulary cannot express become [UNK].
	Tokenize(word string) []string
	// ConvertTokensToIDs maps pieces to ids. Unknown pieces map to [UNK].
	ConvertTokensToIDs(tokens []string) []int
	// ConvertIDsToTokens maps ids back to pieces.
	ConvertIDsToTokens(ids []int) []string
	// VocabSize is the number of distinct ids.
	VocabSize() int
}

// IsSpecial reports whether token is one of the marker tokens that never
// stands for input text.
func IsSpecial(token string) bool {
	switch token {
	case CLS, SEP, PAD:
		return true
	}
	return false
}

// WordPiece is a BERT WordPiece tokenizer backed by a vocab.txt file.
type WordPiece struct {
	tokenizer *tokenizer.Tokenizer
	vocab     map[string]int
	inverse   []string
	unkID     int
}

// ReadVocab parses a vocab.txt stream: one token per line, the id is the
// zero-based line number.
func ReadVocab(r io.Reader) (map[string]int, error) {
	vocab := make(map[string]int)
	sc := bufio.NewScanner(r)
	for i := 0; sc.Scan(); i++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if line != "" {
			vocab[line] = i
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading vocab: %w", err)
	}
	return vocab, nil
}

// LoadWordPiece builds a WordPiece tokenizer from a vocab.txt on disk.
func LoadWordPiece(path string, lowercase bool) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vocab: %w", err)
	}
	defer func() { _ = f.Close() }()

	vocab, err := ReadVocab(f)
	if err != nil {
		return nil, err
	}
	return NewWordPiece(vocab, lowercase)
}

// NewWordPiece builds a WordPiece tokenizer from an in-memory vocabulary.
// The vocabulary must contain the special tokens.
func NewWordPiece(vocab map[string]int, lowercase bool) (*WordPiece, error) {
	for _, special := range []string{CLS, SEP, PAD, UNK} {
		if _, ok := vocab[special]; !ok {
			return nil, fmt.Errorf("vocab is missing special token %s", special)
		}
	}

	mv := make(model.Vocab, len(vocab))
	maxID := 0
	for tok, id := range vocab {
		mv[tok] = id
		maxID = max(maxID, id)
	}

	opts := util.NewParams(map[string]any{
		"unk_token": UNK,
	})
	wp, err := wordpiece.New(mv, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, lowercase, true, lowercase))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	inverse := make([]string, maxID+1)
	for tok, id := range vocab {
		inverse[id] = tok
	}

	return &WordPiece{
		tokenizer: tk,
		vocab:     vocab,
		inverse:   inverse,
		unkID:     vocab[UNK],
	}, nil
}

// Tokenize splits a single word into pieces. The underlying library panics on
// some malformed input (a bounds check in BertNormalizer.TransformRange), so
// the call is guarded and falls back to [UNK].
func (t *WordPiece) Tokenize(word string) (pieces []string) {
	defer func() {
		if r := recover(); r != nil {
			pieces = []string{UNK}
		}
	}()

	enc, err := t.tokenizer.EncodeSingle(word)
	if err != nil || len(enc.Tokens) == 0 {
		return []string{UNK}
	}
	return append([]string(nil), enc.Tokens...)
}

func (t *WordPiece) ConvertTokensToIDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		id, ok := t.vocab[tok]
		if !ok {
			id = t.unkID
		}
		ids[i] = id
	}
	return ids
}

func (t *WordPiece) ConvertIDsToTokens(ids []int) []string {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		if id >= 0 && id < len(t.inverse) && t.inverse[id] != "" {
			tokens[i] = t.inverse[id]
		} else {
			tokens[i] = UNK
		}
	}
	return tokens
}

func (t *WordPiece) VocabSize() int {
	return len(t.inverse)
}

// TokenID returns the id of a single piece.
func (t *WordPiece) TokenID(token string) (int, bool) {
	id, ok := t.vocab[token]
	return id, ok
}
