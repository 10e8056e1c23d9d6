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

// Command udaner trains and evaluates named entity taggers with
// unsupervised data augmentation.
//
// Usage:
//
//	udaner train --bert-model bert-base-cased --train-file train.txt --output-dir out
//	udaner predict --bert-model bert-base-cased --predict-file test.txt --output-dir out
//	udaner pull-vocab bert-base-cased
package main

import "github.com/antflydb/udaner/cmd/cmd"

// Set by the release build through -ldflags.
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
