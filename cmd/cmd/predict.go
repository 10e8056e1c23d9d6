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
	"github.com/spf13/cobra"
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Evaluate a saved tagger",
	Long: `Load the checkpoint in --output-dir, tag --predict-file and score it.
Predictions are written next to the checkpoint as <predict-file>.predictions.txt.`,
	Args:    cobra.NoArgs,
	PreRunE: bindFlags,
	RunE:    runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)
	addModelFlags(predictCmd.Flags())
}

func runPredict(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.DoTrain = false
	cfg.DoPredict = true
	return execute(cfg)
}
