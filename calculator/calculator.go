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

// Package calculator defines the user-supplied compute-kernel interface the
// node runtime drives, plus a handful of illustrative calculators used by
// this module's own tests. Calculator-library implementations are
// explicitly out of scope for the core; these exist only to exercise it.
package calculator

import (
	"github.com/pkg/errors"

	"github.com/graphrun/graphrun/handler"
	"github.com/graphrun/graphrun/metrics"
	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/timestamp"
)

// ErrStop is the sentinel a calculator returns from Process to request a
// graceful close of its own node.
var ErrStop = errors.New("calculator: stop")

// Calculator is the compute kernel a node wraps. Open runs once after all
// input headers and side packets are ready; Process runs once per ready
// invocation; Close runs once, at most, when the node shuts down.
type Calculator interface {
	Open(cc *Context) error
	Process(cc *Context) error
	Close(cc *Context) error
}

// SourceProcessOrderer is optionally implemented by a source calculator to
// set its node's priority in the scheduler queue: sources with a smaller
// order are dispatched first, ties break FIFO by registration order. A
// calculator that does not implement it gets order 0.
type SourceProcessOrderer interface {
	SourceProcessOrder() int
}

// Context is the per-invocation view a Calculator gets of its node: the
// input packet set at this invocation's timestamp, the node's side packets,
// and the output shards to populate before returning.
type Context struct {
	Timestamp        timestamp.Timestamp
	Inputs           packet.Set
	InputSidePackets packet.Set
	Outputs          []*handler.Shard

	nodeName string
	counters *metrics.CounterFactory

	outputSidePackets []packet.Packet
	outputSideSet     []bool
}

func NewContext(ts timestamp.Timestamp, inputs packet.Set, sidePackets packet.Set, outputs []*handler.Shard, numOutputSidePackets int, nodeName string, counters *metrics.CounterFactory) *Context {
	return &Context{
		Timestamp:         ts,
		Inputs:            inputs,
		InputSidePackets:  sidePackets,
		Outputs:           outputs,
		nodeName:          nodeName,
		counters:          counters,
		outputSidePackets: make([]packet.Packet, numOutputSidePackets),
		outputSideSet:     make([]bool, numOutputSidePackets),
	}
}

// Input returns the packet queued for input i at this invocation, or an
// empty packet if this input produced no data this round.
func (c *Context) Input(i int) packet.Packet { return c.Inputs.At(i) }

// InputSidePacket returns the node's side packet at index i.
func (c *Context) InputSidePacket(i int) packet.Packet { return c.InputSidePackets.At(i) }

// Output returns the shard for output i, to append packets to.
func (c *Context) Output(i int) *handler.Shard { return c.Outputs[i] }

// SetOutputSidePacket publishes a value on output side packet i. A later
// call on the same context replaces the value; the node publishes what the
// context holds when Open or Process returns.
func (c *Context) SetOutputSidePacket(i int, p packet.Packet) {
	c.outputSidePackets[i] = p
	c.outputSideSet[i] = true
}

func (c *Context) OutputSidePacket(i int) (packet.Packet, bool) {
	if i < 0 || i >= len(c.outputSidePackets) {
		return packet.Packet{}, false
	}
	return c.outputSidePackets[i], c.outputSideSet[i]
}

// Counter returns this node's named monotone counter, creating it on first use. Safe to call even when
// the graph was built without a CounterFactory: falls back to a
// process-local, unregistered one so calculators never need a nil check.
func (c *Context) Counter(name string) metrics.Counter {
	if c.counters == nil {
		c.counters = metrics.NewCounterFactory(nil)
	}
	return c.counters.Get(c.nodeName, name)
}
