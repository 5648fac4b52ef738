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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/timestamp"
)

func TestOutputStreamPropagatesToMirrors(t *testing.T) {
	out := NewOutputStreamManager("out", timestamp.NoOffset)
	a := NewInputStreamManager("a", false)
	b := NewInputStreamManager("b", false)
	out.AddMirror(a)
	out.AddMirror(b)

	var sh Shard
	sh.AddPacket(packet.MakePacket(1, timestamp.Timestamp(1)))

	require.NoError(t, out.PropagateUpdatesToMirrors(timestamp.Timestamp(2), &sh))
	assert.Equal(t, 1, a.QueueSize())
	assert.Equal(t, 1, b.QueueSize())

	a.PopQueueHead()
	bound, empty := a.MinTimestampOrBound()
	assert.True(t, empty)
	assert.Equal(t, timestamp.Timestamp(2), bound)
}

func TestOutputStreamSetHeaderOnce(t *testing.T) {
	out := NewOutputStreamManager("out", timestamp.NoOffset)
	require.NoError(t, out.SetHeader(packet.MakePacket("h", timestamp.Unset)))
	assert.Error(t, out.SetHeader(packet.MakePacket("h2", timestamp.Unset)))
}

func TestOutputStreamHeaderAfterDataRejected(t *testing.T) {
	out := NewOutputStreamManager("out", timestamp.NoOffset)
	var sh Shard
	sh.AddPacket(packet.MakePacket(1, timestamp.Timestamp(1)))
	require.NoError(t, out.PropagateUpdatesToMirrors(timestamp.Timestamp(2), &sh))
	assert.Error(t, out.SetHeader(packet.MakePacket("h", timestamp.Unset)))
}

func TestOutputStreamRejectsPacketEarlierThanBound(t *testing.T) {
	out := NewOutputStreamManager("out", timestamp.NoOffset)
	var sh Shard
	sh.AddPacket(packet.MakePacket(1, timestamp.Timestamp(5)))
	require.NoError(t, out.PropagateUpdatesToMirrors(timestamp.Timestamp(6), &sh))

	var sh2 Shard
	sh2.AddPacket(packet.MakePacket(2, timestamp.Timestamp(1)))
	assert.Error(t, out.PropagateUpdatesToMirrors(timestamp.Timestamp(7), &sh2))
}

func TestOutputStreamPostStreamClosesMirrors(t *testing.T) {
	out := NewOutputStreamManager("out", timestamp.NoOffset)
	a := NewInputStreamManager("a", false)
	out.AddMirror(a)

	var sh Shard
	sh.AddPacket(packet.MakePacket(1, timestamp.PostStream))
	require.NoError(t, out.PropagateUpdatesToMirrors(timestamp.PostStream, &sh))
	assert.True(t, a.Closed())
	assert.True(t, out.Closed())
}

func TestOutputStreamClosePropagatesDone(t *testing.T) {
	out := NewOutputStreamManager("out", timestamp.NoOffset)
	a := NewInputStreamManager("a", false)
	out.AddMirror(a)
	out.Close()
	assert.True(t, a.Closed())
	assert.Equal(t, timestamp.Done, out.NextTimestampBound())
}
