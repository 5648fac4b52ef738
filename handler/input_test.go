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

func TestDefaultHandlerWaitsForSlowestStream(t *testing.T) {
	a := stream.NewInputStreamManager("a", false)
	b := stream.NewInputStreamManager("b", false)
	h, err := NewInputStreamHandler(PolicyDefault, []InputStream{a, b}, nil)
	require.NoError(t, err)

	_, err = a.AddPackets([]packet.Packet{packet.MakePacket(1, timestamp.Timestamp(1))})
	require.NoError(t, err)

	invocations, bound, hasBound := h.ScheduleInvocations(4)
	assert.Empty(t, invocations)
	assert.True(t, hasBound)
	assert.Equal(t, timestamp.Min, bound)

	_, err = b.AddPackets([]packet.Packet{packet.MakePacket(2, timestamp.Timestamp(1))})
	require.NoError(t, err)

	invocations, _, _ = h.ScheduleInvocations(4)
	require.Len(t, invocations, 1)
	assert.Equal(t, timestamp.Timestamp(1), invocations[0].Timestamp)
}

func TestDefaultHandlerBoundAloneSatisfiesStream(t *testing.T) {
	a := stream.NewInputStreamManager("a", false)
	b := stream.NewInputStreamManager("b", false)
	h, err := NewInputStreamHandler(PolicyDefault, []InputStream{a, b}, nil)
	require.NoError(t, err)

	_, err = a.AddPackets([]packet.Packet{packet.MakePacket(1, timestamp.Timestamp(1))})
	require.NoError(t, err)
	_, err = b.SetNextTimestampBound(timestamp.Timestamp(2))
	require.NoError(t, err)

	invocations, _, _ := h.ScheduleInvocations(4)
	require.Len(t, invocations, 1)
	assert.Equal(t, timestamp.Timestamp(1), invocations[0].Timestamp)
	assert.True(t, invocations[0].Inputs.At(1).IsEmpty())
}

func TestImmediateHandlerEmitsPerStream(t *testing.T) {
	a := stream.NewInputStreamManager("a", false)
	b := stream.NewInputStreamManager("b", false)
	h, err := NewInputStreamHandler(PolicyImmediate, []InputStream{a, b}, nil)
	require.NoError(t, err)

	_, err = a.AddPackets([]packet.Packet{packet.MakePacket(1, timestamp.Timestamp(1))})
	require.NoError(t, err)
	_, err = b.AddPackets([]packet.Packet{packet.MakePacket(2, timestamp.Timestamp(5))})
	require.NoError(t, err)

	invocations, _, _ := h.ScheduleInvocations(8)
	assert.Len(t, invocations, 2)
}

func TestBarrierHandlerRequiresSameTimestamp(t *testing.T) {
	a := stream.NewInputStreamManager("a", false)
	b := stream.NewInputStreamManager("b", false)
	h, err := NewInputStreamHandler(PolicyBarrier, []InputStream{a, b}, nil)
	require.NoError(t, err)

	_, err = a.AddPackets([]packet.Packet{packet.MakePacket(1, timestamp.Timestamp(1))})
	require.NoError(t, err)

	invocations, _, hasBound := h.ScheduleInvocations(4)
	assert.Empty(t, invocations)
	assert.True(t, hasBound)

	_, err = b.AddPackets([]packet.Packet{packet.MakePacket(2, timestamp.Timestamp(1))})
	require.NoError(t, err)
	invocations, _, _ = h.ScheduleInvocations(4)
	require.Len(t, invocations, 1)
}

func TestProcessTimestampBoundsInvokesOnBoundAdvance(t *testing.T) {
	a := stream.NewInputStreamManager("a", false)
	h, err := NewInputStreamHandler(PolicyDefault, []InputStream{a},
		map[string]any{"process_timestamp_bounds": true})
	require.NoError(t, err)

	_, err = a.SetNextTimestampBound(timestamp.Timestamp(5))
	require.NoError(t, err)

	invocations, _, _ := h.ScheduleInvocations(4)
	require.Len(t, invocations, 1)
	assert.Equal(t, timestamp.Timestamp(4), invocations[0].Timestamp)
	assert.True(t, invocations[0].Inputs.At(0).IsEmpty())

	// The same bound never produces a second invocation.
	invocations, _, _ = h.ScheduleInvocations(4)
	assert.Empty(t, invocations)
}

func TestHandlerEmitsDoneInvocationWhenDrained(t *testing.T) {
	a := stream.NewInputStreamManager("a", false)
	h, err := NewInputStreamHandler(PolicyDefault, []InputStream{a}, nil)
	require.NoError(t, err)

	_, err = a.AddPackets([]packet.Packet{packet.MakePacket(1, timestamp.Timestamp(1))})
	require.NoError(t, err)
	a.Close()

	invocations, _, _ := h.ScheduleInvocations(4)
	require.Len(t, invocations, 1)
	assert.Equal(t, timestamp.Timestamp(1), invocations[0].Timestamp)

	invocations, _, hasBound := h.ScheduleInvocations(4)
	require.Len(t, invocations, 1)
	assert.Equal(t, timestamp.Done, invocations[0].Timestamp)
	assert.False(t, hasBound)

	// Done is emitted exactly once per run.
	invocations, _, _ = h.ScheduleInvocations(4)
	assert.Empty(t, invocations)

	h.PrepareForRun()
	a.PrepareForRun()
	a.Close()
	invocations, _, _ = h.ScheduleInvocations(4)
	require.Len(t, invocations, 1)
	assert.Equal(t, timestamp.Done, invocations[0].Timestamp)
}

func TestHeadersReadyFiresOnce(t *testing.T) {
	a := stream.NewInputStreamManager("a", false)
	b := stream.NewInputStreamManager("b", false)
	h, err := NewInputStreamHandler(PolicyDefault, []InputStream{a, b}, nil)
	require.NoError(t, err)

	fired := 0
	h.SetHeadersReadyCallback(func() { fired++ })
	h.NotifyHeaderSet()
	assert.Equal(t, 0, fired)
	h.NotifyHeaderSet()
	assert.Equal(t, 1, fired)
	h.NotifyHeaderSet()
	assert.Equal(t, 1, fired)
}
