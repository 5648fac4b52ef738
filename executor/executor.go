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

// Package executor implements the graph's task-running backends: a
// fixed-size worker pool (the default executor type) and a reserved,
// synchronous executor that runs every task on the caller's own goroutine.
// Every worker goroutine follows internal/rescue's panic-safe convention.
package executor

import (
	"runtime"
	"sync"

	"github.com/graphrun/graphrun/internal/rescue"
)

// Task is one unit of scheduled work: running a single node invocation.
type Task func()

// Executor runs Tasks, in whatever order and concurrency its implementation
// chooses.
type Executor interface {
	// Schedule enqueues task for execution. Schedule must not block on
	// task completion.
	Schedule(task Task)
	// Stop drains in-flight tasks and releases any worker goroutines. No
	// further Schedule calls are valid afterward.
	Stop()
}

// DefaultPoolSize returns min(NumCPU, nodeCount), floored at 1, the pool
// size used for the default executor.
func DefaultPoolSize(nodeCount int) int {
	n := runtime.NumCPU()
	if nodeCount > 0 && nodeCount < n {
		n = nodeCount
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ThreadPool is a fixed-size worker-goroutine pool executor.
type ThreadPool struct {
	tasks  chan Task
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewThreadPool starts size worker goroutines pulling from a shared task
// queue of the given backlog capacity.
func NewThreadPool(size, queueCapacity int) *ThreadPool {
	if size < 1 {
		size = 1
	}
	if queueCapacity < 1 {
		queueCapacity = size * 4
	}
	p := &ThreadPool{
		tasks:  make(chan Task, queueCapacity),
		stopCh: make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()
	defer rescue.HandleCrash()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopCh:
			return
		}
	}
}

func (p *ThreadPool) runTask(task Task) {
	defer rescue.HandleCrash()
	task()
}

func (p *ThreadPool) Schedule(task Task) {
	select {
	case p.tasks <- task:
	case <-p.stopCh:
	}
}

func (p *ThreadPool) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		close(p.tasks)
	})
	p.wg.Wait()
}

// Reserved runs every task synchronously on whatever goroutine calls
// Schedule — the "reserved" application-thread executor a graph's
// WaitUntilDone caller drives directly, with no worker pool.
type Reserved struct{}

func NewReserved() *Reserved { return &Reserved{} }

func (Reserved) Schedule(task Task) {
	defer rescue.HandleCrash()
	task()
}

func (Reserved) Stop() {}
