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

// Package graphcontract builds the validated, immutable graph description
// the runtime consumes: per-node edge names, executor/source-layer
// assignment, and the name→index lookups and AncestorSources relation the
// scheduler's throttling path needs. Building a description from a config
// file is out of scope; callers construct one with Builder directly, from
// already-decoded stages.
package graphcontract

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/graphrun/graphrun/timestamp"
)

// Kind distinguishes the two node shapes: an ordinary streaming
// calculator, or a side-packet generator that runs once before streaming
// starts and carries no Process loop.
type Kind int

const (
	KindCalculator Kind = iota
	KindSidePacketGenerator
)

// NodeDesc describes one node's static wiring.
type NodeDesc struct {
	Name              string
	Kind              Kind
	InputStreams      []string
	OutputStreams     []string
	InputSidePackets  []string
	OutputSidePackets []string
	// InputBackEdges marks, by index into InputStreams, which inputs are
	// back edges: excluded from cycle-sensitive planning. A nil
	// slice means no input is a back edge.
	InputBackEdges []bool
	// OutputOffsets declares, by index into OutputStreams, the
	// TimestampOffset a calculator uses to infer that output's next bound
	// from its invocation timestamp. A nil entry (or a
	// slice shorter than OutputStreams) means no offset for that output.
	OutputOffsets  []timestamp.Offset
	BufferSizeHint int
	MaxInFlight    int
	InputHandler   string
	OutputHandler  string
	HandlerOptions map[string]any
	Executor       string
	SourceLayer    int
}

// Description is the validated, read-only graph topology.
type Description struct {
	nodes []NodeDesc

	streamIndex      map[string]int // stream name -> dense stream id
	streamNames      []string
	streamProducer   map[int]int // stream id -> producing node index, or -1 for a graph input
	graphInputs      map[string]int // graph input stream name -> virtual producer id (>= len(nodes))
	nextVirtualID    int
	ancestorSources  map[int]map[int]bool // node/virtual id -> set of source node indices feeding it
}

// Builder assembles a Description. Nodes must be added in an order where
// every input stream either already has a producer (an earlier node's
// output, or a declared graph input) or is declared as a graph input before
// use.
type Builder struct {
	desc *Description
	errs []error
}

func NewBuilder() *Builder {
	return &Builder{
		desc: &Description{
			streamIndex:     map[string]int{},
			streamProducer:  map[int]int{},
			graphInputs:     map[string]int{},
			ancestorSources: map[int]map[int]bool{},
		},
	}
}

// virtualIDBase separates graph-input virtual producer ids from node
// indices regardless of the order Builder calls arrive in: node indices are
// always small (bounded by node count), so biasing virtual ids by a large
// constant rules out collisions without requiring callers to declare every
// graph input before every node.
const virtualIDBase = 1 << 30

// DeclareGraphInput registers name as an externally-fed stream (a virtual
// producer with no node behind it), returning its virtual producer id.
func (b *Builder) DeclareGraphInput(name string) int {
	id := virtualIDBase + b.desc.nextVirtualID
	b.desc.nextVirtualID++
	b.desc.graphInputs[name] = id
	b.internStream(name)
	b.desc.ancestorSources[id] = map[int]bool{id: true}
	return id
}

func (b *Builder) internStream(name string) int {
	if id, ok := b.desc.streamIndex[name]; ok {
		return id
	}
	id := len(b.desc.streamNames)
	b.desc.streamIndex[name] = id
	b.desc.streamNames = append(b.desc.streamNames, name)
	b.desc.streamProducer[id] = -1
	return id
}

// AddNode appends a node, computing its AncestorSources set as the union of
// each input stream's producer's own ancestor sources (or the producer
// itself, if it is a source node with no inputs of its own).
func (b *Builder) AddNode(n NodeDesc) int {
	idx := len(b.desc.nodes)
	b.desc.nodes = append(b.desc.nodes, n)

	ancestors := map[int]bool{}
	isSource := len(n.InputStreams) == 0 && len(n.OutputStreams) > 0
	if isSource {
		ancestors[idx] = true
	}
	for _, in := range n.InputStreams {
		sid := b.internStream(in)
		producerID, ok := b.desc.streamProducer[sid]
		if !ok || producerID < 0 {
			if vid, ok := b.graphInputIDFor(in); ok {
				producerID = vid
			} else {
				b.errs = append(b.errs, errors.Errorf("graphcontract: input stream %q has no producer", in))
				continue
			}
		}
		for a := range b.desc.ancestorSources[producerID] {
			ancestors[a] = true
		}
	}
	b.desc.ancestorSources[idx] = ancestors

	for _, out := range n.OutputStreams {
		sid := b.internStream(out)
		b.desc.streamProducer[sid] = idx
	}
	return idx
}

func (b *Builder) graphInputIDFor(streamName string) (int, bool) {
	id, ok := b.desc.graphInputs[streamName]
	return id, ok
}

// Build returns the finished Description, or the first validation error
// encountered.
func (b *Builder) Build() (*Description, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	return b.desc, nil
}

func (d *Description) NumNodes() int { return len(d.nodes) }

func (d *Description) Node(i int) NodeDesc { return d.nodes[i] }

// NodeIndex looks up a node by name, returning -1 if absent.
func (d *Description) NodeIndex(name string) int {
	for i, n := range d.nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// AncestorSources returns the set of source-node indices (and/or virtual
// graph-input ids) that transitively feed producerID — either a node index
// or a graph input's virtual id.
func (d *Description) AncestorSources(producerID int) map[int]bool {
	return d.ancestorSources[producerID]
}

// GraphInputVirtualID returns the virtual producer id assigned to a
// declared graph input stream.
func (d *Description) GraphInputVirtualID(name string) (int, bool) {
	id, ok := d.graphInputs[name]
	return id, ok
}

// GraphInputNames returns every declared graph input stream name, sorted,
// so the runtime can build an OutputStreamManager for each one.
func (d *Description) GraphInputNames() []string {
	names := make([]string, 0, len(d.graphInputs))
	for name := range d.graphInputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QualifiedStreamKey builds the "nodeName#streamName" key the scheduler
// registers each input stream under, so two nodes fanned out from the same
// producer track full/not-full independently. Built via a pooled scratch
// buffer rather than string concatenation.
func QualifiedStreamKey(nodeName, streamName string) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.WriteString(nodeName)
	buf.WriteString("#")
	buf.WriteString(streamName)
	return buf.String()
}

// StreamHash is a stable, fast xxhash of a stream name. Nothing in this
// module calls it: the scheduler keys its per-stream throttling maps by the
// name string itself.
func StreamHash(name string) uint64 {
	return xxhash.Sum64String(name)
}
