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

package stream

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/timestamp"
)

// Shard accumulates one invocation's output packets and bound update before
// they are committed to the shared OutputStreamManager in a single step.
// A Shard is never shared between concurrent invocations of the same node.
type Shard struct {
	packets      []packet.Packet
	boundSet     bool
	bound        timestamp.Timestamp
	headerSet    bool
	header       packet.Packet
}

// AddPacket queues a packet for propagation when the shard commits.
func (sh *Shard) AddPacket(p packet.Packet) {
	sh.packets = append(sh.packets, p)
}

// SetNextTimestampBound records the bound to advance to on commit; the last
// call before commit wins.
func (sh *Shard) SetNextTimestampBound(b timestamp.Timestamp) {
	sh.boundSet = true
	sh.bound = b
}

// SetHeader records a header to commit. Allowed only once per stream, ever.
func (sh *Shard) SetHeader(h packet.Packet) {
	sh.headerSet = true
	sh.header = h
}

// NextTimestampBoundOrOffset returns the bound the shard explicitly set, or
// else infers one from offset applied to the invocation's timestamp.
func (sh *Shard) NextTimestampBoundOrOffset(invocationTS timestamp.Timestamp, offset timestamp.Offset) timestamp.Timestamp {
	if sh.boundSet {
		return sh.bound
	}
	return offset.Apply(invocationTS)
}

// OutputStreamManager owns one producer-side stream: its header, its
// monotonically non-decreasing next-timestamp-bound, and its mirrors (the
// input streams that fan-out reaches).
type OutputStreamManager struct {
	name string

	mu              sync.Mutex
	header          packet.Packet
	headerSet       bool
	headerLocked    bool // true once a data packet has propagated
	bound           timestamp.Timestamp
	offset          timestamp.Offset
	numPacketsAdded int64
	closed          bool
	mirrors         []*InputStreamManager
}

func NewOutputStreamManager(name string, offset timestamp.Offset) *OutputStreamManager {
	return &OutputStreamManager{
		name:   name,
		bound:  timestamp.Min,
		offset: offset,
	}
}

func (o *OutputStreamManager) Name() string { return o.name }

// AddMirror registers target as a consumer of this stream's fan-out. Mirrors
// must be added before PrepareForRun of the first run; the mirror list
// itself never changes at runtime, only each mirror's queue does.
func (o *OutputStreamManager) AddMirror(target *InputStreamManager) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mirrors = append(o.mirrors, target)
}

// Offset returns the calculator-declared TimestampOffset for this stream, if
// any, used to infer a bound from an invocation's input timestamp.
func (o *OutputStreamManager) Offset() timestamp.Offset { return o.offset }

// PrepareForRun resets the manager (and cascades to each mirror) for a new
// run.
func (o *OutputStreamManager) PrepareForRun() {
	o.mu.Lock()
	o.header = packet.Packet{}
	o.headerSet = false
	o.headerLocked = false
	o.bound = timestamp.Min
	o.numPacketsAdded = 0
	o.closed = false
	mirrors := append([]*InputStreamManager(nil), o.mirrors...)
	o.mu.Unlock()

	for _, m := range mirrors {
		m.PrepareForRun()
	}
}

// SetHeader installs the stream's header, propagating it to every mirror.
// Allowed only while no data packet has yet propagated and the stream is
// not closed.
func (o *OutputStreamManager) SetHeader(header packet.Packet) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.Errorf("output stream %s: cannot set header on a closed stream", o.name)
	}
	if o.headerLocked {
		o.mu.Unlock()
		return errors.Errorf("output stream %s: header set after data already flowed", o.name)
	}
	if o.headerSet {
		o.mu.Unlock()
		return errors.Errorf("output stream %s: header already set", o.name)
	}
	o.header = header
	o.headerSet = true
	o.headerLocked = true
	mirrors := append([]*InputStreamManager(nil), o.mirrors...)
	o.mu.Unlock()

	for _, m := range mirrors {
		m.SetHeader(header)
	}
	return nil
}

// PropagateUpdatesToMirrors atomically appends shard's buffered packets to
// every mirror, in order, and advances each mirror's bound to bound. This
// is the only path by which data reaches consumers.
func (o *OutputStreamManager) PropagateUpdatesToMirrors(bound timestamp.Timestamp, shard *Shard) error {
	if shard.headerSet {
		if err := o.SetHeader(shard.header); err != nil {
			return err
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}

	for _, p := range shard.packets {
		ts := p.Timestamp()
		if !ts.IsAllowedInStream() {
			o.mu.Unlock()
			return errors.Errorf("output stream %s: timestamp %s not allowed in a stream", o.name, ts)
		}
		if ts < o.bound {
			o.mu.Unlock()
			return errors.Errorf("output stream %s: packet at %s published earlier than bound %s", o.name, ts, o.bound)
		}
		if (ts == timestamp.PreStream || ts == timestamp.PostStream) && o.numPacketsAdded > 0 {
			o.mu.Unlock()
			return errors.Errorf("output stream %s: %s packet must be the only packet on the stream", o.name, ts)
		}
		o.numPacketsAdded++
		o.headerLocked = true
		if ts == timestamp.PostStream {
			o.bound = timestamp.Done
		} else if ts.IsRangeValue() {
			o.bound = ts.NextAllowedInStream()
		}
	}

	if bound < o.bound {
		bound = o.bound
	}
	if bound > o.bound {
		o.bound = bound
	}

	packets := shard.packets
	finalBound := o.bound
	closeNow := finalBound == timestamp.Done
	if closeNow {
		o.closed = true
	}
	mirrors := append([]*InputStreamManager(nil), o.mirrors...)
	o.mu.Unlock()

	for _, m := range mirrors {
		if len(packets) > 0 {
			if _, err := m.AddPackets(packets); err != nil {
				return err
			}
		}
		if _, err := m.SetNextTimestampBound(finalBound); err != nil {
			return err
		}
		if closeNow {
			m.Close()
		}
	}
	return nil
}

// Close propagates a Done bound to every mirror and marks the stream closed.
func (o *OutputStreamManager) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.bound = timestamp.Done
	mirrors := append([]*InputStreamManager(nil), o.mirrors...)
	o.mu.Unlock()

	for _, m := range mirrors {
		m.Close()
	}
}

func (o *OutputStreamManager) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *OutputStreamManager) NextTimestampBound() timestamp.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bound
}
