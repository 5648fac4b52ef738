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

import "github.com/graphrun/graphrun/timestamp"

// FixedSizeStream is the subset of InputStream a FixedSizeInputStreamHandler
// needs beyond the base InputStream interface, to trim backlog.
type FixedSizeStream interface {
	InputStream
	GetMinTimestampAmongNLatest(n int) timestamp.Timestamp
	ErasePacketsEarlierThan(ts timestamp.Timestamp)
}

// FixedSizeInputStreamHandler wraps another InputStreamHandler, trimming
// each stream to its latest keep packets before every ScheduleInvocations
// call, so a slow consumer never accumulates unbounded latency.
type FixedSizeInputStreamHandler struct {
	inner   *InputStreamHandler
	streams []FixedSizeStream
	keep    int
}

// NewFixedSizeInputStreamHandler wraps inner, which must have been built
// over the same streams slice, trimming each to at most keep queued packets.
func NewFixedSizeInputStreamHandler(inner *InputStreamHandler, streams []FixedSizeStream, keep int) *FixedSizeInputStreamHandler {
	if keep < 1 {
		keep = 1
	}
	return &FixedSizeInputStreamHandler{inner: inner, streams: streams, keep: keep}
}

func (h *FixedSizeInputStreamHandler) NumInputStreams() int { return h.inner.NumInputStreams() }

func (h *FixedSizeInputStreamHandler) PrepareForRun() { h.inner.PrepareForRun() }

func (h *FixedSizeInputStreamHandler) SetHeadersReadyCallback(cb func()) {
	h.inner.SetHeadersReadyCallback(cb)
}

func (h *FixedSizeInputStreamHandler) NotifyHeaderSet() { h.inner.NotifyHeaderSet() }

func (h *FixedSizeInputStreamHandler) ScheduleInvocations(maxAllowance int) ([]Invocation, timestamp.Timestamp, bool) {
	for _, s := range h.streams {
		if ts := s.GetMinTimestampAmongNLatest(h.keep); ts != timestamp.Unset {
			s.ErasePacketsEarlierThan(ts)
		}
	}
	return h.inner.ScheduleInvocations(maxAllowance)
}
