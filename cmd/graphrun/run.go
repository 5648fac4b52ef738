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

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/graphrun/graphrun/debugserver"
	"github.com/graphrun/graphrun/internal/sigs"
	"github.com/graphrun/graphrun/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build and drive the demo source/identity/sink graph",
	Run: func(cmd *cobra.Command, args []string) {
		var reg prometheus.Registerer
		if debugAddr != "" {
			reg = prometheus.DefaultRegisterer
		}
		g, sink, err := buildDemoGraph(runCount, reg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build graph: %v\n", err)
			os.Exit(1)
		}

		if dbg := debugserver.New(debugserver.Config{
			Enabled: debugAddr != "",
			Address: debugAddr,
			Timeout: 5 * time.Second,
		}); dbg != nil {
			dbg.RegisterGetRoute("/debug/graph", func(w http.ResponseWriter, r *http.Request) {
				body, err := g.DumpState()
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write(body)
			})
			go func() {
				if err := dbg.ListenAndServe(); err != nil {
					logging.Errorf("debug server stopped: %v", err)
				}
			}()
			defer dbg.Close()
		}

		if err := g.StartRun(nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start run: %v\n", err)
			os.Exit(1)
		}

		done := make(chan error, 1)
		go func() { done <- g.WaitUntilDone() }()

		select {
		case <-sigs.Terminate():
			g.Cancel()
			<-done
			fmt.Fprintln(os.Stderr, "graphrun: cancelled")
			os.Exit(1)

		case err := <-done:
			if err != nil {
				fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("received: %v\n", sink.Received)
		}
	},
	Example: "# graphrun run --count 5",
}

var (
	runCount  int
	debugAddr string
)

func init() {
	runCmd.Flags().IntVar(&runCount, "count", 5, "Number of packets the demo source emits")
	runCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "Address to serve /metrics and /debug/graph on (disabled if empty)")
	rootCmd.AddCommand(runCmd)
}
