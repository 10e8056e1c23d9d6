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

// Package udaner fine-tunes a named-entity tagger from a small labeled CoNLL
// corpus and a larger unlabeled corpus with unsupervised data augmentation.
//
// A run reads the corpora, aligns words to wordpieces (cached on disk next
// to each corpus), trains with annealed supervised loss plus a consistency
// loss between clean and perturbed predictions, checkpoints into the output
// directory and finally scores the predict file:
//
//	report, err := udaner.Run(ctx, logger, cfg)
//
// The command line lives in cmd/.
package udaner
