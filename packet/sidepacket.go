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

	"github.com/pkg/errors"
)

// SidePacketHandler collects a node's expected side packets into a typed
// set, firing a ready callback once the last missing entry arrives. It is
// the one-shot, non-streaming counterpart to an input stream handler.
type SidePacketHandler struct {
	mu sync.Mutex

	current  Set
	previous Set // from the prior run, for InputSidePacketsChanged
	missing  int

	readyCallback func()
	errorCallback func(error)
}

// PrepareForRun resets the handler for a new run. n is the number of
// expected side packets; ready is invoked (without the handler's lock held)
// the moment the last missing one is Set.
func (h *SidePacketHandler) PrepareForRun(n int, ready func(), onError func(error)) {
	h.mu.Lock()
	h.previous = h.current
	h.current = NewSet(n)
	h.missing = n
	h.readyCallback = ready
	h.errorCallback = onError
	fire := n == 0
	h.mu.Unlock()

	if fire && ready != nil {
		ready()
	}
}

// Set installs packet at index id. A duplicate Set for the same index is
// reported via the error callback rather than panicking.
func (h *SidePacketHandler) Set(id int, p Packet) {
	h.mu.Lock()
	if id < 0 || id >= len(h.current) {
		h.mu.Unlock()
		h.reportError(errors.Errorf("side packet index %d out of range", id))
		return
	}
	if !h.current[id].IsEmpty() {
		h.mu.Unlock()
		h.reportError(errors.Errorf("input side packet %d was already set", id))
		return
	}

	h.current[id] = p
	h.missing--
	fire := h.missing == 0
	cb := h.readyCallback
	h.mu.Unlock()

	if fire && cb != nil {
		cb()
	}
}

func (h *SidePacketHandler) reportError(err error) {
	h.mu.Lock()
	cb := h.errorCallback
	h.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// InputSidePackets returns the current run's side-packet set. It is only
// meaningful after the ready callback has fired.
func (h *SidePacketHandler) InputSidePackets() Set {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// MissingCount returns the number of side packets still unset.
func (h *SidePacketHandler) MissingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missing
}

// InputSidePacketsChanged reports whether any side packet differs, by
// generation, from the previous run — used to skip recomputation on the
// "constant outputs" fast path. A node with no previous run,
// or a different packet count, is always considered changed.
func (h *SidePacketHandler) InputSidePacketsChanged() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.previous == nil || len(h.previous) != len(h.current) {
		return true
	}
	for i := range h.current {
		if h.current[i].Generation() != h.previous[i].Generation() {
			return true
		}
	}
	return false
}
