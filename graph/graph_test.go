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

package graph

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrun/graphrun/apperr"
	"github.com/graphrun/graphrun/calculator"
	"github.com/graphrun/graphrun/graphcontract"
	"github.com/graphrun/graphrun/node"
	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/timestamp"
)

// gateCalculator blocks in Open until released, so a node wired to it never
// reaches Active and never drains its input queue: used to pin a stream's
// queue at a known depth for the backpressure test.
type gateCalculator struct {
	release chan struct{}
}

func (g *gateCalculator) Open(*calculator.Context) error {
	<-g.release
	return nil
}

func (g *gateCalculator) Process(*calculator.Context) error { return nil }

func (g *gateCalculator) Close(*calculator.Context) error { return nil }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// E1: a graph input feeding a single identity node is observable on its
// output stream, in order.
func TestGraphPassThrough(t *testing.T) {
	b := graphcontract.NewBuilder()
	b.DeclareGraphInput("in")
	b.AddNode(graphcontract.NodeDesc{
		Name:          "identity",
		InputStreams:  []string{"in"},
		OutputStreams: []string{"out"},
	})
	desc, err := b.Build()
	require.NoError(t, err)

	g, err := New(Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{"identity": calculator.Identity{}},
	})
	require.NoError(t, err)

	poller, err := g.AddOutputStreamPoller("out")
	require.NoError(t, err)

	require.NoError(t, g.StartRun(nil, nil))

	for i := 0; i < 3; i++ {
		require.NoError(t, g.AddPacketToInputStream("in", packet.MakePacket(i, timestamp.Timestamp(i+1))))
	}
	require.NoError(t, g.CloseInputStream("in"))

	for i := 0; i < 3; i++ {
		p, ok := poller.Next(time.Second)
		require.True(t, ok)
		assert.Equal(t, i, packet.MustGet[int](p))
	}

	require.NoError(t, g.WaitUntilDone())
}

// E2: a source node driving a sink directly, with no graph input.
func TestGraphSourceToSink(t *testing.T) {
	b := graphcontract.NewBuilder()
	b.AddNode(graphcontract.NodeDesc{
		Name:          "source",
		OutputStreams: []string{"numbers"},
	})
	b.AddNode(graphcontract.NodeDesc{
		Name:         "sink",
		InputStreams: []string{"numbers"},
	})
	desc, err := b.Build()
	require.NoError(t, err)

	sink := &calculator.Sink{}
	g, err := New(Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{
			"source": &calculator.CountingSource{Count: 5},
			"sink":   sink,
		},
	})
	require.NoError(t, err)

	require.NoError(t, g.StartRun(nil, nil))
	require.NoError(t, g.WaitUntilDone())

	assert.Equal(t, []any{0, 1, 2, 3, 4}, sink.Received)
}

// E3: one source fanned out to two independent consumers, each observable
// without interfering with the other's full/not-full tracking.
func TestGraphFanOutTwoObservers(t *testing.T) {
	b := graphcontract.NewBuilder()
	b.AddNode(graphcontract.NodeDesc{
		Name:          "source",
		OutputStreams: []string{"numbers"},
	})
	b.AddNode(graphcontract.NodeDesc{
		Name:          "left",
		InputStreams:  []string{"numbers"},
		OutputStreams: []string{"left_out"},
	})
	b.AddNode(graphcontract.NodeDesc{
		Name:          "right",
		InputStreams:  []string{"numbers"},
		OutputStreams: []string{"right_out"},
	})
	desc, err := b.Build()
	require.NoError(t, err)

	g, err := New(Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{
			"source": &calculator.CountingSource{Count: 4},
			"left":   calculator.Identity{},
			"right":  calculator.Identity{},
		},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var leftSeen, rightSeen []int
	require.NoError(t, g.ObserveOutputStream("left_out", func(p packet.Packet) {
		mu.Lock()
		leftSeen = append(leftSeen, packet.MustGet[int](p))
		mu.Unlock()
	}))
	require.NoError(t, g.ObserveOutputStream("right_out", func(p packet.Packet) {
		mu.Lock()
		rightSeen = append(rightSeen, packet.MustGet[int](p))
		mu.Unlock()
	}))

	require.NoError(t, g.StartRun(nil, nil))
	require.NoError(t, g.WaitUntilDone())

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(leftSeen) == 4 && len(rightSeen) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, leftSeen)
	assert.Equal(t, []int{0, 1, 2, 3}, rightSeen)
}

// E4: ADD_IF_NOT_FULL returns Unavailable once a bounded input queue fills,
// instead of blocking the caller.
func TestGraphAddIfNotFullThrottles(t *testing.T) {
	b := graphcontract.NewBuilder()
	b.DeclareGraphInput("in")
	b.AddNode(graphcontract.NodeDesc{
		Name:           "gate",
		InputStreams:   []string{"in"},
		BufferSizeHint: 2,
	})
	desc, err := b.Build()
	require.NoError(t, err)

	gate := &gateCalculator{release: make(chan struct{})}
	defer close(gate.release)

	g, err := New(Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{"gate": gate},
	})
	require.NoError(t, err)

	require.NoError(t, g.StartRun(nil, nil))

	require.NoError(t, g.AddPacketToInputStream("in", packet.MakePacket(1, timestamp.Timestamp(1))))
	require.NoError(t, g.AddPacketToInputStream("in", packet.MakePacket(2, timestamp.Timestamp(2))))

	err = g.AddPacketToInputStream("in", packet.MakePacket(3, timestamp.Timestamp(3)))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Unavailable))
}

// E5: a source throttled behind a bounded queue that no runnable node will
// drain is recovered by deadlock resolution growing the queue, and the run
// still terminates cleanly with every packet accounted for.
func TestGraphDeadlockResolutionGrowsQueue(t *testing.T) {
	b := graphcontract.NewBuilder()
	b.DeclareGraphInput("side")
	b.AddNode(graphcontract.NodeDesc{
		Name:          "source",
		OutputStreams: []string{"data"},
	})
	b.AddNode(graphcontract.NodeDesc{
		Name:           "join",
		InputStreams:   []string{"data", "side"},
		BufferSizeHint: 1,
	})
	desc, err := b.Build()
	require.NoError(t, err)

	sink := &calculator.Sink{}
	g, err := New(Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{
			"source": &calculator.CountingSource{Count: 5},
			"join":   sink,
		},
		DeadlockCheckInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, g.StartRun(nil, nil))

	// With "side" never fed, "join" is never ready, so the source can only
	// finish if UnthrottleSources keeps growing the full "data" queue.
	waitFor(t, 5*time.Second, func() bool {
		return g.nodes[g.desc.NodeIndex("source")].Status() == node.Closed
	})

	require.NoError(t, g.CloseInputStream("side"))
	require.NoError(t, g.WaitUntilDone())
	assert.Equal(t, []any{0, 1, 2, 3, 4}, sink.Received)
}

func TestGraphWaitForObservedOutput(t *testing.T) {
	b := graphcontract.NewBuilder()
	b.DeclareGraphInput("in")
	b.AddNode(graphcontract.NodeDesc{
		Name:          "identity",
		InputStreams:  []string{"in"},
		OutputStreams: []string{"out"},
	})
	desc, err := b.Build()
	require.NoError(t, err)

	g, err := New(Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{"identity": calculator.Identity{}},
	})
	require.NoError(t, err)
	require.NoError(t, g.ObserveOutputStream("out", func(packet.Packet) {}))
	require.NoError(t, g.StartRun(nil, nil))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = g.AddPacketToInputStream("in", packet.MakePacket(1, timestamp.Timestamp(1)))
	}()
	assert.True(t, g.WaitForObservedOutput())

	require.NoError(t, g.CloseInputStream("in"))
	require.NoError(t, g.WaitUntilDone())

	// After termination the wait returns immediately, reporting no packet.
	assert.False(t, g.WaitForObservedOutput())
}

// E6: Cancel stops a long-running source mid-flight and WaitUntilDone
// returns instead of hanging until every packet is processed.
func TestGraphCancelMidRun(t *testing.T) {
	b := graphcontract.NewBuilder()
	b.AddNode(graphcontract.NodeDesc{
		Name:          "source",
		OutputStreams: []string{"numbers"},
	})
	b.AddNode(graphcontract.NodeDesc{
		Name:         "sink",
		InputStreams: []string{"numbers"},
	})
	desc, err := b.Build()
	require.NoError(t, err)

	sink := &calculator.Sink{}
	g, err := New(Config{
		Description: desc,
		Calculators: map[string]calculator.Calculator{
			"source": &calculator.CountingSource{Count: 1_000_000},
			"sink":   sink,
		},
	})
	require.NoError(t, err)

	require.NoError(t, g.StartRun(nil, nil))

	done := make(chan error, 1)
	go func() { done <- g.WaitUntilDone() }()

	time.Sleep(5 * time.Millisecond)
	g.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitUntilDone did not return after Cancel")
	}

	assert.Less(t, len(sink.Received), 1_000_000)
}
