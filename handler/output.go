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

package handler

import (
	"github.com/graphrun/graphrun/stream"
	"github.com/graphrun/graphrun/timestamp"
)

// Shard is the per-invocation output buffer type; re-exported so callers
// building invocations only need to import the handler package.
type Shard = stream.Shard

// OutputStreamHandler packages one invocation's output shards (one per
// output stream) and commits them to the shared managers in a single step
// at the end of Process, inferring each stream's next bound from its
// declared TimestampOffset when the calculator did not call
// SetNextTimestampBound explicitly.
type OutputStreamHandler struct {
	outputs []*stream.OutputStreamManager
}

func NewOutputStreamHandler(outputs []*stream.OutputStreamManager) *OutputStreamHandler {
	return &OutputStreamHandler{outputs: outputs}
}

func (h *OutputStreamHandler) NumOutputStreams() int { return len(h.outputs) }

// NewShards returns one fresh Shard per output stream, for a single
// invocation's calculator context.
func (h *OutputStreamHandler) NewShards() []*Shard {
	shards := make([]*Shard, len(h.outputs))
	for i := range shards {
		shards[i] = &Shard{}
	}
	return shards
}

// Commit propagates every shard to its output stream's mirrors, inferring a
// bound from the stream's offset relative to invocationTS when the shard
// itself set none.
func (h *OutputStreamHandler) Commit(invocationTS timestamp.Timestamp, shards []*Shard) error {
	for i, out := range h.outputs {
		sh := shards[i]
		bound := sh.NextTimestampBoundOrOffset(invocationTS, out.Offset())
		if err := out.PropagateUpdatesToMirrors(bound, sh); err != nil {
			return err
		}
	}
	return nil
}
