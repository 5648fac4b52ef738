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

// Package handler implements the stream-handler policy layer: input
// stream handlers turn per-stream arrivals into per-node invocations with
// a coherent input set at a single timestamp, and the output stream
// handler commits an invocation's outputs to the shared stream managers in
// one step.
package handler

import (
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/timestamp"
)

// Policy selects the readiness algorithm an InputStreamHandler uses to pick
// the next invocation timestamp.
type Policy int

const (
	// PolicyDefault treats every input as one sync set: a timestamp is
	// ready iff every input either has a packet there or has already
	// advanced its bound past it. Used for both "Default" and
	// "default with offset" — a declared offset only affects the
	// output handler's bound inference, not input readiness.
	PolicyDefault Policy = iota
	// PolicyImmediate treats every input as its own sync set: each
	// invocation carries the front packet of a single input, taken from
	// the first input (in input order) that has one. A bound advance with
	// no packet yields no invocation; the earliest bound is reported back
	// as the input bound instead.
	PolicyImmediate
	// PolicyBarrier is ready only when every input has a packet at the
	// same timestamp.
	PolicyBarrier
)

// Options configures an InputStreamHandler; it is decoded from a node's
// handler options (a loose string-keyed map) via mapstructure.
type Options struct {
	MaxQueueSize           int  `mapstructure:"max_queue_size"`
	ProcessTimestampBounds bool `mapstructure:"process_timestamp_bounds"`
}

// Invocation is one ready input set: a timestamp and the packets (possibly
// empty for streams that only advanced their bound) collected for it.
type Invocation struct {
	Timestamp timestamp.Timestamp
	Inputs    packet.Set
}

// NodeInputHandler is the subset of an input stream handler the node
// runtime drives. Both InputStreamHandler and FixedSizeInputStreamHandler
// satisfy it, so a node can be wired to either without the runtime caring
// which policy or wrapping is behind it.
type NodeInputHandler interface {
	NumInputStreams() int
	PrepareForRun()
	SetHeadersReadyCallback(cb func())
	ScheduleInvocations(maxAllowance int) (invocations []Invocation, inputBound timestamp.Timestamp, hasBound bool)
}

// InputStreamHandler aggregates a node's input streams and emits ready
// Invocations. ScheduleInvocations holds the handler's own lock for the
// whole call, so concurrent calls on the same instance run one at a time.
type InputStreamHandler struct {
	mu sync.Mutex

	policy  Policy
	options Options

	streams []*streamBinding

	headersReadyFired bool
	headersReadyCb    func()
	unsetHeaderCount  int
	lastEmittedTS     timestamp.Timestamp
	doneEmitted       bool
}

type streamBinding struct {
	manager        InputStream
	headerSeenOnce bool
}

// InputStream is the subset of *stream.InputStreamManager the handler
// needs; declared as an interface so tests can substitute fakes without
// importing the stream package's concrete lock-bearing type.
type InputStream interface {
	Name() string
	HeaderSet() bool
	MinTimestampOrBound() (timestamp.Timestamp, bool)
	QueueHead() packet.Packet
	PopPacketAtTimestamp(ts timestamp.Timestamp) (p packet.Packet, dropped int, streamIsDone bool)
	SetMaxQueueSize(n int)
}

// NewInputStreamHandler builds a handler over streams using policy, with
// handlerOptions decoded via mapstructure (a nil map yields the defaults
// below). MaxQueueSize defaults to -1 (unbounded) rather than the zero
// value mapstructure would otherwise leave it at — a literal 0 would mark
// every stream permanently full.
func NewInputStreamHandler(policy Policy, streams []InputStream, handlerOptions map[string]any) (*InputStreamHandler, error) {
	h := &InputStreamHandler{
		policy:           policy,
		lastEmittedTS:    timestamp.Unstarted,
		unsetHeaderCount: len(streams),
		options:          Options{MaxQueueSize: -1},
	}
	for _, s := range streams {
		h.streams = append(h.streams, &streamBinding{manager: s})
	}
	if handlerOptions != nil {
		if err := mapstructure.Decode(handlerOptions, &h.options); err != nil {
			return nil, err
		}
	}
	// Stamp the handler's queue bound only when one was configured: the
	// graph layer may already have applied a node's buffer_size_hint, and
	// an unbounded default must not erase it.
	if h.options.MaxQueueSize > 0 {
		for _, b := range h.streams {
			b.manager.SetMaxQueueSize(h.options.MaxQueueSize)
		}
	}
	return h, nil
}

func (h *InputStreamHandler) NumInputStreams() int { return len(h.streams) }

// PrepareForRun resets the handler's per-run state so the same handler
// instance can drive a node across successive runs.
func (h *InputStreamHandler) PrepareForRun() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headersReadyFired = false
	h.unsetHeaderCount = len(h.streams)
	h.lastEmittedTS = timestamp.Unstarted
	h.doneEmitted = false
}

// SetHeadersReadyCallback installs the callback fired once every input's
// header has arrived.
func (h *InputStreamHandler) SetHeadersReadyCallback(cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.headersReadyCb = cb
}

// NotifyHeaderSet must be called by the node runtime whenever one of its
// input streams' SetHeader lands; it decrements UnsetHeaderCount and fires
// the ready callback exactly once when it reaches zero.
func (h *InputStreamHandler) NotifyHeaderSet() {
	h.mu.Lock()
	if h.headersReadyFired {
		h.mu.Unlock()
		return
	}
	h.unsetHeaderCount--
	fire := h.unsetHeaderCount <= 0
	cb := h.headersReadyCb
	if fire {
		h.headersReadyFired = true
	}
	h.mu.Unlock()
	if fire && cb != nil {
		cb()
	}
}

// ScheduleInvocations inspects readiness under a single lock and returns up
// to maxAllowance ready invocations plus, when none are ready (or fewer than
// exist), the earliest possible next input timestamp.
func (h *InputStreamHandler) ScheduleInvocations(maxAllowance int) (invocations []Invocation, inputBound timestamp.Timestamp, hasBound bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.policy {
	case PolicyImmediate:
		invocations, inputBound, hasBound = h.scheduleImmediateLocked(maxAllowance)
	case PolicyBarrier:
		invocations, inputBound, hasBound = h.scheduleBarrierLocked(maxAllowance)
	default:
		invocations, inputBound, hasBound = h.scheduleDefaultLocked(maxAllowance)
	}

	// Once every input is drained and closed, emit a single invocation at
	// Done so the node runtime runs its close path.
	if len(invocations) == 0 && !h.doneEmitted && h.allStreamsDoneLocked() {
		h.doneEmitted = true
		return []Invocation{{Timestamp: timestamp.Done}}, 0, false
	}
	return invocations, inputBound, hasBound
}

// allStreamsDoneLocked reports whether every input stream's queue is empty
// with its bound at Done, so no further invocation can ever become ready.
func (h *InputStreamHandler) allStreamsDoneLocked() bool {
	if len(h.streams) == 0 {
		return false
	}
	for _, b := range h.streams {
		v, empty := b.manager.MinTimestampOrBound()
		if !empty || v != timestamp.Done {
			return false
		}
	}
	return true
}

func (h *InputStreamHandler) scheduleDefaultLocked(maxAllowance int) ([]Invocation, timestamp.Timestamp, bool) {
	var invocations []Invocation
	for len(invocations) < maxAllowance {
		t, ready := h.defaultReadyTimestampLocked()
		if !ready {
			// process_timestamp_bounds: a bound advance with no packets
			// still invokes the node, at the last fully-settled timestamp
			// (bound-1), with an all-empty input set.
			if h.options.ProcessTimestampBounds && t.IsRangeValue() && t > timestamp.Min {
				prev := t.Add(-1)
				if prev > h.lastEmittedTS {
					h.lastEmittedTS = prev
					invocations = append(invocations, Invocation{Timestamp: prev, Inputs: packet.NewSet(len(h.streams))})
					continue
				}
			}
			return invocations, t, true
		}
		set := packet.NewSet(len(h.streams))
		for i, b := range h.streams {
			p, _, _ := b.manager.PopPacketAtTimestamp(t)
			set[i] = p
		}
		h.lastEmittedTS = t
		invocations = append(invocations, Invocation{Timestamp: t, Inputs: set})
	}
	return invocations, 0, false
}

// defaultReadyTimestampLocked computes the minimum candidate timestamp
// across all streams (front packet ts, or bound if empty) and reports
// whether every stream is "satisfied" at that timestamp: either it has a
// packet exactly there, or its bound has already passed it.
func (h *InputStreamHandler) defaultReadyTimestampLocked() (timestamp.Timestamp, bool) {
	if len(h.streams) == 0 {
		return timestamp.Min, false
	}
	t := timestamp.Done
	for _, b := range h.streams {
		v, _ := b.manager.MinTimestampOrBound()
		if v < t {
			t = v
		}
	}
	for _, b := range h.streams {
		v, empty := b.manager.MinTimestampOrBound()
		if empty {
			if v <= t {
				return t, false
			}
			continue
		}
		if v != t && v <= t {
			return t, false
		}
	}
	return t, true
}

func (h *InputStreamHandler) scheduleImmediateLocked(maxAllowance int) ([]Invocation, timestamp.Timestamp, bool) {
	var invocations []Invocation
	earliest := timestamp.Max
	anyBound := false
	for len(invocations) < maxAllowance {
		emitted := false
		for i, b := range h.streams {
			head := b.manager.QueueHead()
			if head.IsEmpty() {
				continue
			}
			t := head.Timestamp()
			set := packet.NewSet(len(h.streams))
			p, _, _ := b.manager.PopPacketAtTimestamp(t)
			set[i] = p
			invocations = append(invocations, Invocation{Timestamp: t, Inputs: set})
			emitted = true
			break
		}
		if !emitted {
			break
		}
	}
	for _, b := range h.streams {
		v, _ := b.manager.MinTimestampOrBound()
		if v < earliest {
			earliest = v
			anyBound = true
		}
	}
	if len(invocations) > 0 {
		return invocations, 0, false
	}
	return invocations, earliest, anyBound
}

func (h *InputStreamHandler) scheduleBarrierLocked(maxAllowance int) ([]Invocation, timestamp.Timestamp, bool) {
	var invocations []Invocation
	for len(invocations) < maxAllowance {
		t := timestamp.Max
		allPresent := true
		for _, b := range h.streams {
			head := b.manager.QueueHead()
			if head.IsEmpty() {
				allPresent = false
				break
			}
			if head.Timestamp() < t {
				t = head.Timestamp()
			}
		}
		if !allPresent {
			bound := timestamp.Max
			for _, b := range h.streams {
				v, _ := b.manager.MinTimestampOrBound()
				if v < bound {
					bound = v
				}
			}
			return invocations, bound, true
		}
		same := true
		for _, b := range h.streams {
			if b.manager.QueueHead().Timestamp() != t {
				same = false
				break
			}
		}
		if !same {
			return invocations, t, true
		}
		set := packet.NewSet(len(h.streams))
		for i, b := range h.streams {
			p, _, _ := b.manager.PopPacketAtTimestamp(t)
			set[i] = p
		}
		invocations = append(invocations, Invocation{Timestamp: t, Inputs: set})
	}
	return invocations, 0, false
}
