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

package calculator

import "github.com/graphrun/graphrun/packet"

// Identity copies its single input packet to its single output unchanged.
// Used by the E1 pass-through scenario.
type Identity struct{}

func (Identity) Open(*Context) error { return nil }

func (Identity) Process(cc *Context) error {
	p := cc.Input(0)
	if p.IsEmpty() {
		return nil
	}
	cc.Output(0).AddPacket(p)
	return nil
}

func (Identity) Close(*Context) error { return nil }

// CountingSource emits sequential ints on its one output stream, one per
// invocation, until it has emitted Count packets, then stops the node.
// Used by the E2 source/sink scenario.
type CountingSource struct {
	Count int

	emitted int
}

func (s *CountingSource) Open(*Context) error { return nil }

func (s *CountingSource) Process(cc *Context) error {
	if s.emitted >= s.Count {
		return ErrStop
	}
	cc.Output(0).AddPacket(packet.MakePacket(s.emitted, cc.Timestamp))
	cc.Counter("emitted").Increment()
	s.emitted++
	return nil
}

func (s *CountingSource) Close(*Context) error { return nil }

// Sink records every input packet it receives, for tests to inspect.
type Sink struct {
	Received []any
}

func (s *Sink) Open(*Context) error { return nil }

func (s *Sink) Process(cc *Context) error {
	p := cc.Input(0)
	if p.IsEmpty() {
		return nil
	}
	s.Received = append(s.Received, packet.MustGet[int](p))
	return nil
}

func (s *Sink) Close(*Context) error { return nil }
