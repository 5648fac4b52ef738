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

package scheduler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrun/graphrun/calculator"
	"github.com/graphrun/graphrun/executor"
	"github.com/graphrun/graphrun/handler"
	"github.com/graphrun/graphrun/node"
	"github.com/graphrun/graphrun/stream"
	"github.com/graphrun/graphrun/timestamp"
)

// newSourceNode builds a closed-over-immediately source node (CountingSource
// with Count: 0 stops on its first Process) wired to sched, the way
// graph.New wires every source node's callbacks. Each close is appended to
// closeOrder, guarded by mu, so tests can assert on promotion ordering.
func newSourceNode(t *testing.T, sched *Scheduler, mu *sync.Mutex, closeOrder *[]string, name string, id, layer int) *node.Node {
	t.Helper()
	out := stream.NewOutputStreamManager("out", timestamp.NoOffset)
	oh := handler.NewOutputStreamHandler([]*stream.OutputStreamManager{out})
	n := node.New(node.Config{
		Name:          name,
		ID:            id,
		SourceLayer:   layer,
		Calculator:    &calculator.CountingSource{Count: 0},
		OutputStreams: []*stream.OutputStreamManager{out},
		OutputHandler: oh,
		ClosedCallback: func(n *node.Node) {
			mu.Lock()
			*closeOrder = append(*closeOrder, n.Name())
			mu.Unlock()
			sched.NotifyNodeClosed(n)
		},
	})
	require.NoError(t, n.PrepareForRun(nil))
	sched.AddNode(n)
	return n
}

// TestSchedulerPromotesNextSourceLayer checks that the next source layer
// is promoted only once every source node in the active layer
// has closed, not as soon as the first one does. Two sources share layer 0
// specifically to catch a double-counted close: nodeClosed is reachable
// both from a source's ClosedCallback and from stepSource's own
// tail-recursive re-check of an already-Closed node, and must not count the
// same close twice against layerTotal.
func TestSchedulerPromotesNextSourceLayer(t *testing.T) {
	sched := New(Options{})
	defer sched.Stop()

	var mu sync.Mutex
	var closeOrder []string

	srcA := newSourceNode(t, sched, &mu, &closeOrder, "srcA", 0, 0)
	srcB := newSourceNode(t, sched, &mu, &closeOrder, "srcB", 1, 0)
	srcC := newSourceNode(t, sched, &mu, &closeOrder, "srcC", 2, 1)

	require.NoError(t, srcA.OpenNode())
	require.NoError(t, srcB.OpenNode())
	require.NoError(t, srcC.OpenNode())

	// Everything here runs on the reserved (synchronous) executor, so by
	// the time ActivateInitialSourceLayer returns every source across both
	// layers has already run its single invocation and closed.
	sched.ActivateInitialSourceLayer()

	assert.Equal(t, node.Closed, srcA.Status())
	assert.Equal(t, node.Closed, srcB.Status())
	assert.Equal(t, node.Closed, srcC.Status())

	mu.Lock()
	order := append([]string(nil), closeOrder...)
	mu.Unlock()
	require.Len(t, order, 3)
	assert.ElementsMatch(t, []string{"srcA", "srcB"}, order[:2],
		"both layer-0 sources must close before layer 1's srcC is promoted")
	assert.Equal(t, "srcC", order[2])
}

// manualExecutor collects scheduled tasks without running them, so a test
// can queue several units of work and then observe the priority order the
// scheduler queue releases them in.
type manualExecutor struct {
	mu    sync.Mutex
	tasks []executor.Task
}

func (m *manualExecutor) Schedule(task executor.Task) {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
}

func (m *manualExecutor) Stop() {}

func (m *manualExecutor) runAll() {
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return
		}
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()
		task()
	}
}

// orderedSource stops on its first Process, recording its name so tests can
// assert dispatch order, and declares an explicit SourceProcessOrder.
type orderedSource struct {
	order  int
	name   string
	mu     *sync.Mutex
	record *[]string
}

func (s *orderedSource) Open(*calculator.Context) error { return nil }

func (s *orderedSource) Process(*calculator.Context) error {
	s.mu.Lock()
	*s.record = append(*s.record, s.name)
	s.mu.Unlock()
	return calculator.ErrStop
}

func (s *orderedSource) Close(*calculator.Context) error { return nil }

func (s *orderedSource) SourceProcessOrder() int { return s.order }

// TestSchedulerDispatchesSourcesByProcessOrder checks the queue priority:
// among runnable sources on one executor, the one with the
// smallest SourceProcessOrder runs first even if it was registered last.
func TestSchedulerDispatchesSourcesByProcessOrder(t *testing.T) {
	sched := New(Options{})
	defer sched.Stop()

	man := &manualExecutor{}
	sched.RegisterExecutor("default", man)

	var mu sync.Mutex
	var record []string

	newOrdered := func(name string, id, order int) *node.Node {
		out := stream.NewOutputStreamManager("out_"+name, timestamp.NoOffset)
		oh := handler.NewOutputStreamHandler([]*stream.OutputStreamManager{out})
		n := node.New(node.Config{
			Name:           name,
			ID:             id,
			Calculator:     &orderedSource{order: order, name: name, mu: &mu, record: &record},
			OutputStreams:  []*stream.OutputStreamManager{out},
			OutputHandler:  oh,
			ClosedCallback: sched.NotifyNodeClosed,
		})
		require.NoError(t, n.PrepareForRun(nil))
		sched.AddNode(n)
		return n
	}

	late := newOrdered("late", 0, 10)
	early := newOrdered("early", 1, -10)

	require.NoError(t, late.OpenNode())
	require.NoError(t, early.OpenNode())

	sched.ActivateInitialSourceLayer()
	man.runAll()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early", "late"}, record)
}

// TestSchedulerUnthrottleSourcesGrowsFullQueue checks that, given a
// full, non-observer stream, UnthrottleSources grows its max queue size by
// exactly one so the next becomes-full/becomes-not-full edge can fire.
func TestSchedulerUnthrottleSourcesGrowsFullQueue(t *testing.T) {
	sched := New(Options{Ancestors: func(producerID int) map[int]bool {
		return map[int]bool{producerID: true}
	}})
	defer sched.Stop()

	mgr := stream.NewInputStreamManager("feedback", false)
	mgr.SetMaxQueueSize(1)

	sched.RegisterInputStream("producer#feedback", mgr, false)

	before := mgr.MaxQueueSize()
	sched.NotifyStreamFullness(7, "producer#feedback", true)
	assert.True(t, sched.Throttled(7))

	grew := sched.UnthrottleSources()
	assert.True(t, grew)
	assert.Greater(t, mgr.MaxQueueSize(), before)
}

// TestSchedulerUnthrottleSourcesSkipsObserverStreams verifies the
// deadlock-resolution exemption: an observer/poller stream's capacity is
// consumer-controlled and must never be grown automatically.
func TestSchedulerUnthrottleSourcesSkipsObserverStreams(t *testing.T) {
	sched := New(Options{Ancestors: func(producerID int) map[int]bool {
		return map[int]bool{producerID: true}
	}})
	defer sched.Stop()

	mgr := stream.NewInputStreamManager("obs", false)
	mgr.SetMaxQueueSize(1)
	sched.RegisterInputStream("observer#obs", mgr, true)

	before := mgr.MaxQueueSize()
	sched.NotifyStreamFullness(3, "observer#obs", true)

	grew := sched.UnthrottleSources()
	assert.False(t, grew)
	assert.Equal(t, before, mgr.MaxQueueSize())
}
