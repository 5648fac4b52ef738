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

// Package stream implements the per-edge queue managers:
// InputStreamManager and OutputStreamManager. An input stream is written
// by exactly one output stream (possibly through a mirror) and read by a
// single node; an output stream fans out to any number of mirrored input
// streams.
package stream

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/timestamp"
)

// QueueSizeCallback is invoked when a stream's queue crosses its
// max-queue-size threshold, with no lock held. full reports the edge
// direction: true for becomes-full, false for becomes-not-full.
type QueueSizeCallback func(s *InputStreamManager, full bool)

// InputStreamManager owns one consumer-side packet queue.
type InputStreamManager struct {
	name     string
	backEdge bool

	mu                sync.Mutex
	queue             []packet.Packet
	numPacketsAdded   int64
	bound             timestamp.Timestamp
	lastSelectTS      timestamp.Timestamp
	closed            bool
	timestampsEnabled bool
	header            packet.Packet
	headerSet         bool

	maxQueueSize           int // -1 means unbounded
	becomesFullCallback    QueueSizeCallback
	becomesNotFullCallback QueueSizeCallback
	lastReportedFull       bool

	headerResolved   bool
	headerResolvedCb func()

	arrivalCallback func()
}

// NewInputStreamManager returns a manager for an edge named name. backEdge
// excludes the edge from cycle-sensitive scheduling decisions.
func NewInputStreamManager(name string, backEdge bool) *InputStreamManager {
	return &InputStreamManager{
		name:              name,
		backEdge:          backEdge,
		bound:             timestamp.Min,
		lastSelectTS:      timestamp.Unstarted,
		timestampsEnabled: true,
		maxQueueSize:      -1,
	}
}

func (s *InputStreamManager) Name() string   { return s.name }
func (s *InputStreamManager) BackEdge() bool { return s.backEdge }

// DisableTimestamps turns off strict timestamp ordering checks, for streams
// whose handler ignores timestamps entirely.
func (s *InputStreamManager) DisableTimestamps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestampsEnabled = false
}

// PrepareForRun resets the manager's queue and bound state for a new run.
func (s *InputStreamManager) PrepareForRun() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.numPacketsAdded = 0
	s.bound = timestamp.Min
	s.lastSelectTS = timestamp.Unstarted
	s.closed = false
	s.headerSet = false
	s.header = packet.Packet{}
	s.lastReportedFull = false
	s.headerResolved = false
}

// SetHeaderResolvedCallback installs the callback fired exactly once per
// run, the first time this stream's header state becomes known — either
// because a header packet arrived, or because a data packet or bound
// advance arrived first, proving no header is coming. The node's input
// handler wires this to its UnsetHeaderCount countdown: a
// stream that never gets an explicit header still must not block
// OpenNode forever.
func (s *InputStreamManager) SetHeaderResolvedCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerResolvedCb = cb
}

// resolveHeaderLocked must be called with s.mu held; it fires the
// header-resolved callback without the lock, at most once per run.
func (s *InputStreamManager) resolveHeaderLocked() {
	if s.headerResolved {
		return
	}
	s.headerResolved = true
	cb := s.headerResolvedCb
	if cb == nil {
		return
	}
	s.mu.Unlock()
	cb()
	s.mu.Lock()
}

// SetHeader installs the stream's header packet. Safe to call once per run,
// before any data packet; a second call is a no-op error reported by the
// caller (the output stream manager enforces "at most once").
func (s *InputStreamManager) SetHeader(header packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.header = header
	s.headerSet = true
	s.resolveHeaderLocked()
}

func (s *InputStreamManager) Header() packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

func (s *InputStreamManager) HeaderSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerSet
}

// SetArrivalCallback installs the callback fired (without the lock held)
// whenever packets are queued, the bound advances (whether or not the
// queue is empty), or the stream is closed — the events that can make a
// waiting node's scheduling loop runnable again from outside that loop.
// The node runtime wires this to CheckIfBecameReady.
func (s *InputStreamManager) SetArrivalCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arrivalCallback = cb
}

// AddPackets appends packets to the queue in order. Insertions into a closed
// stream are silent no-ops, not errors. notify reports whether
// the queue transitioned from empty to non-empty.
func (s *InputStreamManager) AddPackets(packets []packet.Packet) (notify bool, err error) {
	s.mu.Lock()
	notify, err = s.addLocked(packets)
	cb := s.arrivalCallback
	fire := err == nil && len(packets) > 0
	s.mu.Unlock()
	if fire && cb != nil {
		cb()
	}
	return notify, err
}

func (s *InputStreamManager) addLocked(packets []packet.Packet) (bool, error) {
	if s.closed {
		return false, nil
	}
	wasEmpty := len(s.queue) == 0
	s.resolveHeaderLocked()

	for _, p := range packets {
		ts := p.Timestamp()
		if !ts.IsAllowedInStream() {
			return false, errors.Errorf("stream %s: timestamp %s is not allowed in a stream", s.name, ts)
		}
		if s.timestampsEnabled {
			if ts < s.bound {
				return false, errors.Errorf("stream %s: packet timestamp %s is earlier than bound %s", s.name, ts, s.bound)
			}
			if (ts == timestamp.PreStream || ts == timestamp.PostStream) && s.numPacketsAdded > 0 {
				return false, errors.Errorf("stream %s: %s packet must be the only packet in the stream", s.name, ts)
			}
			if len(s.queue) > 0 && ts <= s.queue[len(s.queue)-1].Timestamp() {
				return false, errors.Errorf("stream %s: packet timestamps must be strictly increasing", s.name)
			}
		}
		s.queue = append(s.queue, p)
		s.numPacketsAdded++
		if ts == timestamp.PostStream {
			s.bound = timestamp.Done
		} else if ts.IsRangeValue() {
			s.bound = ts.NextAllowedInStream()
		}
	}

	s.maybeFireQueueCallback()
	return wasEmpty && len(s.queue) > 0, nil
}

// MovePackets appends *packets to the queue in order, taking ownership: the
// caller's slice is emptied whether or not the insert succeeds, so the
// producer cannot retain aliases to packets the consumer now owns.
func (s *InputStreamManager) MovePackets(packets *[]packet.Packet) (notify bool, err error) {
	moved := *packets
	*packets = nil
	return s.AddPackets(moved)
}

// Close marks the stream closed; it may be called multiple times. The
// arrival callback fires so a consumer blocked on readiness re-evaluates
// against the Done bound.
func (s *InputStreamManager) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.bound = timestamp.Done
	s.resolveHeaderLocked()
	cb := s.arrivalCallback
	s.mu.Unlock()
	if !alreadyClosed && cb != nil {
		cb()
	}
}

func (s *InputStreamManager) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetNextTimestampBound advances the stream's bound. notify reports whether
// the bound advanced while the queue was empty (so a node waiting on this
// stream alone may now be ready). Does nothing on a closed stream.
func (s *InputStreamManager) SetNextTimestampBound(bound timestamp.Timestamp) (notify bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, nil
	}
	if s.timestampsEnabled && bound < s.bound {
		s.mu.Unlock()
		return false, errors.Errorf("stream %s: next timestamp bound must not decrease (have %s, got %s)", s.name, s.bound, bound)
	}
	wasEmpty := len(s.queue) == 0
	advanced := bound > s.bound
	s.bound = bound
	s.resolveHeaderLocked()
	cb := s.arrivalCallback
	s.mu.Unlock()
	// Fire only on an actual advance: a repeated same-bound propagation must
	// not re-enter the consumer's scheduling loop, or a cycle of back edges
	// would ping-pong bound updates forever.
	if advanced && cb != nil {
		cb()
	}
	return wasEmpty && advanced, nil
}

// MinTimestampOrBound returns the timestamp of the front packet if the queue
// is non-empty, otherwise the stream's bound.
func (s *InputStreamManager) MinTimestampOrBound() (ts timestamp.Timestamp, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return s.bound, true
	}
	return s.queue[0].Timestamp(), false
}

func (s *InputStreamManager) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// QueueHead returns the packet at the front of the queue, or an empty packet.
func (s *InputStreamManager) QueueHead() packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return packet.Packet{}
	}
	return s.queue[0]
}

// PopPacketAtTimestamp returns the packet with timestamp ts if present,
// dropping (and counting) any earlier packets first. Successive calls must
// use strictly increasing ts. streamIsDone reports whether the bound has
// reached Done after the pop.
func (s *InputStreamManager) PopPacketAtTimestamp(ts timestamp.Timestamp) (p packet.Packet, dropped int, streamIsDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timestampsEnabled && ts <= s.lastSelectTS {
		panic("stream: PopPacketAtTimestamp called with non-increasing timestamp")
	}
	s.lastSelectTS = ts

	for len(s.queue) > 0 && s.queue[0].Timestamp() < ts {
		s.queue = s.queue[1:]
		dropped++
	}

	if len(s.queue) > 0 && s.queue[0].Timestamp() == ts {
		p = s.queue[0]
		s.queue = s.queue[1:]
	}

	if ts.IsRangeValue() {
		next := ts.NextAllowedInStream()
		if next > s.bound {
			s.bound = next
		}
	}

	s.maybeFireQueueCallback()
	return p, dropped, s.bound == timestamp.Done
}

// PopQueueHead pops and returns the front packet, if any.
func (s *InputStreamManager) PopQueueHead() (p packet.Packet, streamIsDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		p = s.queue[0]
		s.queue = s.queue[1:]
	}
	s.maybeFireQueueCallback()
	return p, s.bound == timestamp.Done
}

func (s *InputStreamManager) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *InputStreamManager) MaxQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxQueueSize
}

// SetMaxQueueSize sets the bound used for becomes-full/becomes-not-full
// edge detection; -1 disables it. This is the only setter that a running
// scheduler may call after PrepareForRun (deadlock resolution grows it).
func (s *InputStreamManager) SetMaxQueueSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxQueueSize = n
	s.maybeFireQueueCallback()
}

// SetQueueSizeCallbacks installs the becomes-full/becomes-not-full
// callbacks. Callbacks are invoked with no stream lock held.
func (s *InputStreamManager) SetQueueSizeCallbacks(onFull, onNotFull QueueSizeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.becomesFullCallback = onFull
	s.becomesNotFullCallback = onNotFull
}

// maybeFireQueueCallback must be called with s.mu held; it fires the
// appropriate callback (without the lock) at most once per edge crossing,
// guarded by lastReportedFull exactly as
// input_stream_manager.h's last_reported_stream_full_ does.
func (s *InputStreamManager) maybeFireQueueCallback() {
	if s.maxQueueSize < 0 {
		return
	}
	full := len(s.queue) >= s.maxQueueSize
	if full == s.lastReportedFull {
		return
	}
	s.lastReportedFull = full

	var cb QueueSizeCallback
	if full {
		cb = s.becomesFullCallback
	} else {
		cb = s.becomesNotFullCallback
	}
	if cb == nil {
		return
	}
	s.mu.Unlock()
	cb(s, full)
	s.mu.Lock()
}

// GetMinTimestampAmongNLatest returns the minimum timestamp among the latest
// n queued packets, or timestamp.Unset if fewer than n are queued. Intended
// for the fixed-size handler only.
func (s *InputStreamManager) GetMinTimestampAmongNLatest(n int) timestamp.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) < n {
		return timestamp.Unset
	}
	return s.queue[len(s.queue)-n].Timestamp()
}

// ErasePacketsEarlierThan drops queued packets with timestamp < ts. Intended
// for the fixed-size handler only.
func (s *InputStreamManager) ErasePacketsEarlierThan(ts timestamp.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.queue) && s.queue[i].Timestamp() < ts {
		i++
	}
	s.queue = s.queue[i:]
	s.maybeFireQueueCallback()
}
