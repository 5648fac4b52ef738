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

// Package packet implements the immutable, type-erased value that flows
// through the graph: Packet. A Packet is cheap to copy (it only ever shares
// its payload) and carries a Timestamp; side packets reuse the same type but
// are exchanged outside the timestamped streaming topology.
package packet

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/graphrun/graphrun/timestamp"
)

// generation is a process-wide counter assigned at MakePacket time. Two
// packets produced by distinct MakePacket calls never share a generation,
// even if their payloads are deeply equal; this is what lets
// InputSidePacketsChanged compare "same producer run" cheaply,
// without requiring payloads to be comparable.
var generation uint64

func nextGeneration() uint64 {
	return atomic.AddUint64(&generation, 1)
}

// Packet is an immutable, type-erased value with a Timestamp. The zero value
// is the empty packet.
type Packet struct {
	value holder
	ts    timestamp.Timestamp
}

// holder carries the payload, its reflect.Type (for a fail-fast Get[T]), and
// the generation counter. Packet stays a small, cheaply-copied value and
// every copy shares one payload.
type holder struct {
	payload any
	typ     reflect.Type
	gen     uint64
}

// Empty returns an empty packet at the given timestamp.
func Empty(ts timestamp.Timestamp) Packet {
	return Packet{ts: ts}
}

// MakePacket wraps value into a new Packet timestamped at ts.
func MakePacket[T any](value T, ts timestamp.Timestamp) Packet {
	return Packet{
		value: holder{
			payload: value,
			typ:     reflect.TypeOf(value),
			gen:     nextGeneration(),
		},
		ts: ts,
	}
}

// Timestamp returns the packet's timestamp.
func (p Packet) Timestamp() timestamp.Timestamp {
	return p.ts
}

// At returns a copy of p retimestamped to ts; the payload is shared, never
// copied or mutated.
func (p Packet) At(ts timestamp.Timestamp) Packet {
	p.ts = ts
	return p
}

// IsEmpty reports whether the packet carries no payload.
func (p Packet) IsEmpty() bool {
	return p.value.typ == nil
}

// Generation returns the packet's generation counter, used by
// InputSidePacketsChanged to detect "same value as last run" without
// requiring comparable payloads.
func (p Packet) Generation() uint64 {
	return p.value.gen
}

// Get extracts a T from the packet. It returns an error, rather than
// panicking, if the packet is empty or holds a different concrete type —
// a type mismatch is a recoverable failure, not a framework bug.
func Get[T any](p Packet) (T, error) {
	var zero T
	if p.IsEmpty() {
		return zero, errors.New("packet: Get on an empty packet")
	}
	v, ok := p.value.payload.(T)
	if !ok {
		return zero, errors.Errorf("packet: type mismatch: packet holds %s, requested %s",
			p.value.typ, reflect.TypeOf(zero))
	}
	return v, nil
}

// MustGet is like Get but panics on failure; reserved for calculators that
// have already validated their contract and want terse call sites.
func MustGet[T any](p Packet) T {
	v, err := Get[T](p)
	if err != nil {
		panic(err)
	}
	return v
}

func (p Packet) String() string {
	if p.IsEmpty() {
		return fmt.Sprintf("Packet{empty, ts=%s}", p.ts)
	}
	return fmt.Sprintf("Packet{%s, ts=%s}", p.value.typ, p.ts)
}
