// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command graphrun is a small CLI demonstrating the graph package: it
// assembles a source/identity/sink pipeline behind a cobra command and
// drives it to completion.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/graphrun/graphrun/logging"
)

var rootCmd = &cobra.Command{
	Use:   "graphrun",
	Short: "Assemble and drive graphrun calculator graphs",
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cobra.OnInitialize(func() {
		logging.SetLevel(logLevel)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "graphrun: %v\n", err)
		os.Exit(1)
	}
}
