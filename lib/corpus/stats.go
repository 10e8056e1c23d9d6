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
	"errors"

	"github.com/antflydb/udaner/lib/labels"
)

// LabelUnigrams returns the relative frequency of every vocabulary label over
// all tokens of examples, in vocabulary order. Labels missing from the corpus
// get probability zero; tags unknown to the vocabulary are ignored.
func LabelUnigrams(examples []LabeledExample, vocab *labels.Vocabulary) ([]float64, error) {
	counts := make([]float64, vocab.Len())
	var total float64
	for _, ex := range examples {
		for _, l := range ex.Labels {
			id, ok := vocab.ID(l)
			if !ok {
				continue
			}
			counts[id]++
			total++
		}
	}
	if total == 0 {
		return nil, errors.New("no known labels in reference corpus")
	}
	for i := range counts {
		counts[i] /= total
	}
	return counts, nil
}
