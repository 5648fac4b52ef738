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

// Package timestamp defines the time coordinate used by every packet, stream
// bound, and invocation in the graph runtime.
//
// A Timestamp is a signed, 64-bit integer coordinate plus a handful of
// distinguished special values. The type is totally ordered: Done compares
// greater than every finite timestamp, and arithmetic saturates at Min/Max
// instead of overflowing.
package timestamp

import "math"

// Timestamp is a monotonic integer time coordinate. The special values below
// never collide with a real packet timestamp: Min/Max bound the admissible
// range from either side, Unset/Unstarted describe a stream before its first
// bound, PreStream/PostStream bracket the streaming region, and Done marks a
// closed stream or a finished node.
type Timestamp int64

const (
	// Unset marks a Timestamp that was never assigned.
	Unset Timestamp = math.MinInt64

	// Unstarted is the synthetic timestamp a node is opened with, before any
	// real input has arrived.
	Unstarted Timestamp = math.MinInt64 + 1

	// PreStream is the only timestamp allowed before Min; a PreStream packet
	// is the only packet ever admitted to its stream.
	PreStream Timestamp = math.MinInt64 + 2

	// Min is the smallest timestamp an ordinary data packet may carry.
	Min Timestamp = math.MinInt64 + 3

	// Max is the largest timestamp an ordinary data packet may carry.
	Max Timestamp = math.MaxInt64 - 3

	// PostStream is the only timestamp allowed after Max; like PreStream, it
	// is the only packet ever admitted to its stream and it closes the
	// stream once propagated.
	PostStream Timestamp = math.MaxInt64 - 2

	// OneOverPostStream is the successor of PostStream; NextAllowedInStream
	// of PostStream returns this value.
	OneOverPostStream Timestamp = math.MaxInt64 - 1

	// Done is strictly greater than every other Timestamp, including
	// OneOverPostStream. A stream whose bound is Done will never receive
	// another packet.
	Done Timestamp = math.MaxInt64
)

// IsSpecialValue reports whether t is one of the named constants rather than
// an ordinary data timestamp in [Min, Max].
func (t Timestamp) IsSpecialValue() bool {
	return t < Min || t > Max
}

// IsAllowedInStream reports whether t is a timestamp a packet may legally
// carry: either an ordinary [Min, Max] value, or PreStream/PostStream.
func (t Timestamp) IsAllowedInStream() bool {
	return (t >= Min && t <= Max) || t == PreStream || t == PostStream
}

// IsRangeValue reports whether t is an ordinary, non-special data timestamp.
func (t Timestamp) IsRangeValue() bool {
	return t >= Min && t <= Max
}

// NextAllowedInStream returns the smallest timestamp strictly greater than t
// that is admissible as a packet timestamp on some stream.
//
// Special values collapse at the boundary: the next timestamp after
// PreStream is Min (the first ordinary value), the next after PostStream is
// OneOverPostStream, and Done has no successor so it maps to itself.
func (t Timestamp) NextAllowedInStream() Timestamp {
	switch t {
	case Done:
		return Done
	case PreStream:
		return Min
	case Max:
		return PostStream
	case PostStream:
		return OneOverPostStream
	case OneOverPostStream:
		return OneOverPostStream
	default:
		if t < Min {
			return Min
		}
		return t + 1
	}
}

// Add returns t shifted by delta, saturating at Min/Max and preserving the
// special constants: Done+delta is always Done, and Unset can never be
// shifted (callers must check IsSpecialValue/compare against Unset first).
func (t Timestamp) Add(delta int64) Timestamp {
	switch t {
	case Unset:
		panic("timestamp: cannot add to an Unset timestamp")
	case Done:
		return Done
	case PreStream, PostStream, Unstarted, OneOverPostStream:
		return t
	}

	sum := int64(t) + delta
	switch {
	case delta > 0 && sum < int64(t):
		return Max
	case delta < 0 && sum > int64(t):
		return Min
	case sum > int64(Max):
		return Max
	case sum < int64(Min):
		return Min
	default:
		return Timestamp(sum)
	}
}

func (t Timestamp) String() string {
	switch t {
	case Unset:
		return "Unset"
	case Unstarted:
		return "Unstarted"
	case PreStream:
		return "PreStream"
	case Min:
		return "Min"
	case Max:
		return "Max"
	case PostStream:
		return "PostStream"
	case OneOverPostStream:
		return "OneOverPostStream"
	case Done:
		return "Done"
	default:
		return formatInt(int64(t))
	}
}

func formatInt(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Offset is a calculator-declared additive relationship between an
// invocation's input timestamp and the next-timestamp-bound it implies for
// that calculator's outputs.
type Offset struct {
	set   bool
	delta int64
}

// NoOffset means the calculator declares no automatic bound inference; the
// output bound must be set explicitly via SetNextTimestampBound.
var NoOffset = Offset{}

// MakeOffset returns an Offset of delta ticks relative to the invocation
// timestamp.
func MakeOffset(delta int64) Offset {
	return Offset{set: true, delta: delta}
}

// IsSet reports whether the calculator declared an offset.
func (o Offset) IsSet() bool {
	return o.set
}

// Apply returns the bound implied by invoking at t with this offset.
func (o Offset) Apply(t Timestamp) Timestamp {
	if !o.set {
		return t
	}
	return t.Add(o.delta)
}
