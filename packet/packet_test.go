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

package packet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphrun/graphrun/timestamp"
)

func TestMakeAndGet(t *testing.T) {
	p := MakePacket(42, timestamp.Timestamp(5))
	assert.False(t, p.IsEmpty())
	assert.Equal(t, timestamp.Timestamp(5), p.Timestamp())

	v, err := Get[int](p)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Get[string](p)
	assert.Error(t, err)
}

func TestEmptyPacket(t *testing.T) {
	p := Empty(timestamp.Min)
	assert.True(t, p.IsEmpty())
	_, err := Get[int](p)
	assert.Error(t, err)
}

func TestAtRetimestamps(t *testing.T) {
	p := MakePacket("x", timestamp.Timestamp(1)).At(timestamp.Timestamp(2))
	assert.Equal(t, timestamp.Timestamp(2), p.Timestamp())
	v, err := Get[string](p)
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestGenerationsAreUnique(t *testing.T) {
	a := MakePacket(1, 0)
	b := MakePacket(1, 0)
	assert.NotEqual(t, a.Generation(), b.Generation())
}

func TestSidePacketHandlerReadyOnLastArrival(t *testing.T) {
	var h SidePacketHandler
	var mu sync.Mutex
	ready := false
	h.PrepareForRun(2, func() {
		mu.Lock()
		ready = true
		mu.Unlock()
	}, nil)

	h.Set(0, MakePacket(1, timestamp.Unset))
	mu.Lock()
	assert.False(t, ready)
	mu.Unlock()

	h.Set(1, MakePacket(2, timestamp.Unset))
	mu.Lock()
	assert.True(t, ready)
	mu.Unlock()
	assert.Equal(t, 0, h.MissingCount())
}

func TestSidePacketHandlerZeroExpectedFiresImmediately(t *testing.T) {
	var h SidePacketHandler
	fired := false
	h.PrepareForRun(0, func() { fired = true }, nil)
	assert.True(t, fired)
}

func TestSidePacketHandlerDuplicateReportsError(t *testing.T) {
	var h SidePacketHandler
	h.PrepareForRun(1, func() {}, nil)
	h.Set(0, MakePacket(1, timestamp.Unset))

	var gotErr error
	h.errorCallback = func(err error) { gotErr = err }
	h.Set(0, MakePacket(2, timestamp.Unset))
	assert.Error(t, gotErr)
}

func TestInputSidePacketsChanged(t *testing.T) {
	var h SidePacketHandler
	h.PrepareForRun(1, func() {}, nil)
	assert.True(t, h.InputSidePacketsChanged(), "first run always changed")

	p := MakePacket(1, timestamp.Unset)
	h.Set(0, p)

	h.PrepareForRun(1, func() {}, nil)
	h.Set(0, p)
	assert.False(t, h.InputSidePacketsChanged(), "same packet identity as previous run")

	h.PrepareForRun(1, func() {}, nil)
	h.Set(0, MakePacket(1, timestamp.Unset))
	assert.True(t, h.InputSidePacketsChanged(), "different generation even with equal value")
}
