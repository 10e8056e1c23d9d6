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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testVocab = `[PAD]
[UNK]
[CLS]
[SEP]
[MASK]
john
lives
in
par
##is
`

func newTestWordPiece(t *testing.T) *WordPiece {
	t.Helper()
	vocab, err := ReadVocab(strings.NewReader(testVocab))
	require.NoError(t, err)
	wp, err := NewWordPiece(vocab, true)
	require.NoError(t, err)
	return wp
}

func TestReadVocab(t *testing.T) {
	vocab, err := ReadVocab(strings.NewReader(testVocab))
	require.NoError(t, err)
	require.Len(t, vocab, 10)
	require.Equal(t, 0, vocab[PAD])
	require.Equal(t, 9, vocab["##is"])
}

func TestNewWordPieceRequiresSpecials(t *testing.T) {
	_, err := NewWordPiece(map[string]int{"a": 0}, true)
	require.Error(t, err)
}

func TestWordPieceTokenize(t *testing.T) {
	wp := newTestWordPiece(t)

	require.Equal(t, []string{"john"}, wp.Tokenize("john"))
	require.Equal(t, []string{"par", "##is"}, wp.Tokenize("paris"))
	require.Equal(t, []string{UNK}, wp.Tokenize("zzz"))
	require.Equal(t, []string{UNK}, wp.Tokenize(""))
}

func TestWordPieceConversions(t *testing.T) {
	wp := newTestWordPiece(t)
	require.Equal(t, 10, wp.VocabSize())

	ids := wp.ConvertTokensToIDs([]string{CLS, "john", "nope", SEP})
	require.Equal(t, []int{2, 5, 1, 3}, ids)
	require.Equal(t, []string{CLS, "john", UNK, SEP}, wp.ConvertIDsToTokens(ids))
	require.Equal(t, []string{UNK}, wp.ConvertIDsToTokens([]int{99}))

	id, ok := wp.TokenID(MASK)
	require.True(t, ok)
	require.Equal(t, 4, id)
}

func TestIsSpecial(t *testing.T) {
	require.True(t, IsSpecial(CLS))
	require.True(t, IsSpecial(PAD))
	require.False(t, IsSpecial(UNK))
	require.False(t, IsSpecial("john"))
}

func TestResolveVocabLocal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, VocabFile)
	require.NoError(t, os.WriteFile(path, []byte(testVocab), 0644))

	c := NewHubClient()
	got, err := c.ResolveVocab(context.Background(), dir, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, path, got)

	got, err = c.ResolveVocab(context.Background(), path, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, path, got)

	// A directory without a vocabulary is an error.
	_, err = c.ResolveVocab(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)

	wp, err := LoadWordPiece(path, true)
	require.NoError(t, err)
	require.Equal(t, 10, wp.VocabSize())
}

func TestResolveVocabCached(t *testing.T) {
	cacheDir := t.TempDir()
	modelDir := filepath.Join(cacheDir, "google", "bert-tiny")
	require.NoError(t, os.MkdirAll(modelDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, VocabFile), []byte(testVocab), 0644))

	got, err := NewHubClient().ResolveVocab(context.Background(), "google/bert-tiny", cacheDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(modelDir, VocabFile), got)
}
