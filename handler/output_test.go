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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/stream"
	"github.com/graphrun/graphrun/timestamp"
)

func TestOutputStreamHandlerInfersBoundFromOffset(t *testing.T) {
	out := stream.NewOutputStreamManager("out", timestamp.MakeOffset(1))
	mirror := stream.NewInputStreamManager("mirror", false)
	out.AddMirror(mirror)

	h := NewOutputStreamHandler([]*stream.OutputStreamManager{out})
	shards := h.NewShards()
	shards[0].AddPacket(packet.MakePacket(1, timestamp.Timestamp(5)))

	require.NoError(t, h.Commit(timestamp.Timestamp(5), shards))
	assert.Equal(t, 1, mirror.QueueSize())
}

func TestOutputStreamHandlerExplicitBoundWins(t *testing.T) {
	out := stream.NewOutputStreamManager("out", timestamp.MakeOffset(1))
	mirror := stream.NewInputStreamManager("mirror", false)
	out.AddMirror(mirror)

	h := NewOutputStreamHandler([]*stream.OutputStreamManager{out})
	shards := h.NewShards()
	shards[0].SetNextTimestampBound(timestamp.Timestamp(100))

	require.NoError(t, h.Commit(timestamp.Timestamp(5), shards))
	bound, empty := mirror.MinTimestampOrBound()
	assert.True(t, empty)
	assert.Equal(t, timestamp.Timestamp(100), bound)
}
