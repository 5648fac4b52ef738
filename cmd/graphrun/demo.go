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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphrun/graphrun/calculator"
	"github.com/graphrun/graphrun/graph"
	"github.com/graphrun/graphrun/graphcontract"
	"github.com/graphrun/graphrun/logging"
	"github.com/graphrun/graphrun/packet"
)

// buildDemoGraph assembles a three-node source -> identity -> sink pipeline:
// a CountingSource emits count ints on "numbers", Identity copies them onto
// "numbers_copy", and a Sink records everything it receives. Exercises the
// same wiring a real calculator graph would, without depending on any
// calculator-library implementation (out of scope for the core). reg may be
// nil; passed through as the graph's MetricsRegistry.
func buildDemoGraph(count int, reg prometheus.Registerer) (*graph.Graph, *calculator.Sink, error) {
	b := graphcontract.NewBuilder()

	source := &calculator.CountingSource{Count: count}
	sink := &calculator.Sink{}

	b.AddNode(graphcontract.NodeDesc{
		Name:          "source",
		OutputStreams: []string{"numbers"},
		Executor:      "default",
	})
	b.AddNode(graphcontract.NodeDesc{
		Name:          "identity",
		InputStreams:  []string{"numbers"},
		OutputStreams: []string{"numbers_copy"},
		Executor:      "default",
	})
	b.AddNode(graphcontract.NodeDesc{
		Name:         "sink",
		InputStreams: []string{"numbers_copy"},
		Executor:     "default",
	})

	desc, err := b.Build()
	if err != nil {
		return nil, nil, err
	}

	g, err := graph.New(graph.Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{
			"source":   source,
			"identity": calculator.Identity{},
			"sink":     sink,
		},
		MetricsRegistry: reg,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := g.ObserveOutputStream("numbers_copy", func(p packet.Packet) {
		logging.Infof("observed numbers_copy: %s", p)
	}); err != nil {
		return nil, nil, err
	}
	return g, sink, nil
}
