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

package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThreadPoolRunsTasks(t *testing.T) {
	p := NewThreadPool(2, 4)
	defer p.Stop()

	var n int64
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		p.Schedule(func() {
			atomic.AddInt64(&n, 1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete")
	}
	assert.EqualValues(t, 10, atomic.LoadInt64(&n))
}

func TestThreadPoolRecoversPanics(t *testing.T) {
	p := NewThreadPool(1, 1)
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	p.Schedule(func() {
		defer wg.Done()
		panic("boom")
	})
	p.Schedule(func() {
		defer wg.Done()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not recover from a panicking task")
	}
}

func TestReservedRunsSynchronously(t *testing.T) {
	r := NewReserved()
	ran := false
	r.Schedule(func() { ran = true })
	assert.True(t, ran)
}

func TestDefaultPoolSize(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultPoolSize(1), 1)
	assert.LessOrEqual(t, DefaultPoolSize(1), 1)
}
