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
	"container/heap"
	"sync"

	"github.com/graphrun/graphrun/executor"
)

// queuedTask is one unit of runnable work: a node invocation, a source step,
// or an OpenNode call, ordered by priority then FIFO sequence.
type queuedTask struct {
	priority int64
	seq      int64
	run      executor.Task
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// schedulerQueue is the per-executor priority structure: source nodes are
// keyed by SourceProcessOrder, non-source invocations by
// their input timestamp (smaller first), with FIFO tie-break. Each push
// hands the underlying executor one drain token; the worker that consumes
// it pops whatever is highest-priority at that moment, so work submitted
// while earlier tasks were queued still runs in priority order.
type schedulerQueue struct {
	mu      sync.Mutex
	tasks   taskHeap
	nextSeq int64
	ex      executor.Executor
}

func newSchedulerQueue(ex executor.Executor) *schedulerQueue {
	return &schedulerQueue{ex: ex}
}

func (q *schedulerQueue) push(priority int64, task executor.Task) {
	q.mu.Lock()
	heap.Push(&q.tasks, &queuedTask{priority: priority, seq: q.nextSeq, run: task})
	q.nextSeq++
	q.mu.Unlock()
	q.ex.Schedule(q.runNext)
}

func (q *schedulerQueue) runNext() {
	q.mu.Lock()
	if q.tasks.Len() == 0 {
		q.mu.Unlock()
		return
	}
	item := heap.Pop(&q.tasks).(*queuedTask)
	q.mu.Unlock()
	item.run()
}
