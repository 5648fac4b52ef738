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

package timestamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalOrder(t *testing.T) {
	ordered := []Timestamp{Unset, Unstarted, PreStream, Min, 0, 1, Max, PostStream, OneOverPostStream, Done}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, ordered[i-1], ordered[i], "index %d", i)
	}
}

func TestNextAllowedInStream(t *testing.T) {
	cases := []struct {
		in, want Timestamp
	}{
		{PreStream, Min},
		{Min, Min + 1},
		{0, 1},
		{Max, PostStream},
		{PostStream, OneOverPostStream},
		{OneOverPostStream, OneOverPostStream},
		{Done, Done},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.in.NextAllowedInStream(), "NextAllowedInStream(%s)", c.in)
	}
}

func TestAddSaturates(t *testing.T) {
	assert.Equal(t, Done, Done.Add(100))
	assert.Equal(t, Max, Max.Add(1))
	assert.Equal(t, Min, Min.Add(-1))
	assert.Equal(t, Timestamp(5), Timestamp(2).Add(3))
}

func TestAddOnUnsetPanics(t *testing.T) {
	assert.Panics(t, func() { Unset.Add(1) })
}

func TestIsAllowedInStream(t *testing.T) {
	assert.True(t, Timestamp(0).IsAllowedInStream())
	assert.True(t, PreStream.IsAllowedInStream())
	assert.True(t, PostStream.IsAllowedInStream())
	assert.False(t, Done.IsAllowedInStream())
	assert.False(t, Unset.IsAllowedInStream())
}

func TestOffsetApply(t *testing.T) {
	off := MakeOffset(2)
	assert.True(t, off.IsSet())
	assert.Equal(t, Timestamp(7), off.Apply(5))
	assert.False(t, NoOffset.IsSet())
	assert.Equal(t, Timestamp(5), NoOffset.Apply(5))
}
