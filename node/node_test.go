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

package node

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrun/graphrun/calculator"
	"github.com/graphrun/graphrun/handler"
	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/stream"
	"github.com/graphrun/graphrun/timestamp"
)

func TestNodePassThrough(t *testing.T) {
	in := stream.NewInputStreamManager("in", false)
	out := stream.NewOutputStreamManager("out", timestamp.NoOffset)
	sink := stream.NewInputStreamManager("sink", false)
	out.AddMirror(sink)

	ih, err := handler.NewInputStreamHandler(handler.PolicyDefault, []handler.InputStream{in}, nil)
	require.NoError(t, err)
	oh := handler.NewOutputStreamHandler([]*stream.OutputStreamManager{out})

	var mu sync.Mutex
	var scheduled []timestamp.Timestamp

	n := New(Config{
		Name:          "identity",
		Calculator:    calculator.Identity{},
		InputStreams:  []*stream.InputStreamManager{in},
		OutputStreams: []*stream.OutputStreamManager{out},
		InputHandler:  ih,
		OutputHandler: oh,
		ScheduleCallback: func(n *Node, ts timestamp.Timestamp, inputs packet.Set) {
			mu.Lock()
			scheduled = append(scheduled, ts)
			mu.Unlock()
		},
	})

	require.NoError(t, n.PrepareForRun(nil))
	require.NoError(t, n.OpenNode())
	assert.Equal(t, Opened, n.Status())

	_, err = in.AddPackets([]packet.Packet{packet.MakePacket(7, timestamp.Timestamp(1))})
	require.NoError(t, err)
	n.CheckIfBecameReady()

	mu.Lock()
	require.Len(t, scheduled, 1)
	ts := scheduled[0]
	mu.Unlock()

	// The scheduling loop already reserved the node's only in-flight slot
	// for the invocation it dispatched.
	assert.False(t, n.TryToBeginScheduling())
	require.NoError(t, n.ProcessInvocation(ts, packet.Set{packet.MakePacket(7, ts)}))
	n.EndScheduling()

	assert.Equal(t, 1, sink.QueueSize())
}

func TestNodeStopCascadesToClose(t *testing.T) {
	out := stream.NewOutputStreamManager("out", timestamp.NoOffset)
	oh := handler.NewOutputStreamHandler([]*stream.OutputStreamManager{out})
	src := &calculator.CountingSource{Count: 0}

	n := New(Config{
		Name:          "source",
		Calculator:    src,
		OutputStreams: []*stream.OutputStreamManager{out},
		OutputHandler: oh,
	})
	require.NoError(t, n.PrepareForRun(nil))
	require.NoError(t, n.OpenNode())

	err := n.ProcessInvocation(timestamp.Timestamp(0), nil)
	require.NoError(t, err)
	assert.Equal(t, Closed, n.Status())
	assert.True(t, out.Closed())
}

func TestNodeOutputSidePacketRoundTrip(t *testing.T) {
	n := New(Config{
		Name:                 "gen",
		Calculator:           sidePacketEmitter{},
		NumOutputSidePackets: 1,
	})
	require.NoError(t, n.PrepareForRun(nil))
	require.NoError(t, n.OpenNode())

	p, ok := n.GetOutputSidePacket(0)
	require.True(t, ok)
	v, err := packet.Get[int](p)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

type sidePacketEmitter struct{}

func (sidePacketEmitter) Open(cc *calculator.Context) error {
	cc.SetOutputSidePacket(0, packet.MakePacket(42, timestamp.Unset))
	return nil
}
func (sidePacketEmitter) Process(*calculator.Context) error { return nil }
func (sidePacketEmitter) Close(*calculator.Context) error   { return nil }
