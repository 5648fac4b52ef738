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

// Package metrics provides the per-name monotone counters calculators can
// request through a node's CounterFactory, backed by
// github.com/prometheus/client_golang instead of a hand-rolled mutex+map
// counter.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphrun/graphrun/common"
)

// CounterFactory hands out process-wide monotone counters scoped by name;
// asking twice for the same name returns the same counter.
type CounterFactory struct {
	mu       sync.Mutex
	vec      *prometheus.CounterVec
	counters map[string]Counter
}

// Counter is a single named monotone counter.
type Counter interface {
	Increment()
	IncrementBy(amount float64)
	Get() float64
}

type counter struct {
	name string
	m    prometheus.Counter
	mu   sync.Mutex
	n    float64
}

func (c *counter) Increment() { c.IncrementBy(1) }

func (c *counter) IncrementBy(amount float64) {
	c.m.Add(amount)
	c.mu.Lock()
	c.n += amount
	c.mu.Unlock()
}

func (c *counter) Get() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// NewCounterFactory builds a factory whose counters are exported under
// graphrun_node_counter_total{node,counter} in reg (a nil reg skips
// registration, for tests).
func NewCounterFactory(reg prometheus.Registerer) *CounterFactory {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "node",
		Name:      "counter_total",
		Help:      "calculator-declared named counters, one series per node/counter pair",
	}, []string{"node", "counter"})
	if reg != nil {
		reg.MustRegister(vec)
	}
	return &CounterFactory{vec: vec, counters: map[string]Counter{}}
}

// Get returns the counter named name for nodeName, creating it on first use.
func (f *CounterFactory) Get(nodeName, name string) Counter {
	key := nodeName + "\x00" + name
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[key]; ok {
		return c
	}
	c := &counter{name: name, m: f.vec.WithLabelValues(nodeName, name)}
	f.counters[key] = c
	return c
}
