// Copyright 2024 The sabfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocStablePerWorkerAndKind(t *testing.T) {
	a := NewArena(make([]byte, 4096))
	counter := uint8(1)

	first, err := a.Alloc(64, 8, &counter, 0)
	require.NoError(t, err)
	first[0] = 0xAA

	again, err := a.Alloc(64, 8, &counter, 0)
	require.NoError(t, err)

	assert.Same(t, &first[0], &again[0], "repeat lookup must return the same base")
	assert.Equal(t, byte(0), again[0], "reused allocation must come back zeroed")
}

func TestAllocDistinctKinds(t *testing.T) {
	a := NewArena(make([]byte, 4096))
	counter := uint8(1)

	x, err := a.Alloc(64, 8, &counter, 0)
	require.NoError(t, err)
	y, err := a.Alloc(64, 8, &counter, 1)
	require.NoError(t, err)

	assert.NotSame(t, &x[0], &y[0])
	assert.Equal(t, 2, a.Count())
}

func TestAllocDistinctWorkers(t *testing.T) {
	a := NewArena(make([]byte, 4096))
	counter := uint8(1)

	x, err := a.Alloc(32, 4, &counter, 7)
	require.NoError(t, err)

	// Another worker becomes current.
	counter = 2
	y, err := a.Alloc(32, 4, &counter, 7)
	require.NoError(t, err)

	assert.NotSame(t, &x[0], &y[0])
}

func TestCounterAddressIsPinned(t *testing.T) {
	a := NewArena(make([]byte, 4096))
	counter := uint8(1)
	other := uint8(1)

	_, err := a.Alloc(16, 4, &counter, 0)
	require.NoError(t, err)

	_, err = a.Alloc(16, 4, &other, 0)
	assert.Error(t, err)
}

func TestAllocAlignment(t *testing.T) {
	a := NewArena(make([]byte, 4096))
	counter := uint8(1)

	_, err := a.Alloc(3, 1, &counter, 0)
	require.NoError(t, err)
	buf, err := a.Alloc(64, 64, &counter, 1)
	require.NoError(t, err)

	// The arena is the sole owner of its heap, so alignment is relative
	// to the heap base.
	assert.Zero(t, (cap(a.heap)-cap(buf))%64, "base must be 64-aligned")
	assert.Len(t, buf, 64)
}

func TestAllocExhaustion(t *testing.T) {
	a := NewArena(make([]byte, 64))
	counter := uint8(1)

	_, err := a.Alloc(64, 1, &counter, 0)
	require.NoError(t, err)
	_, err = a.Alloc(64, 1, &counter, 1)
	assert.Error(t, err)
}

func TestAllocRejectsBadArguments(t *testing.T) {
	a := NewArena(make([]byte, 64))
	counter := uint8(1)

	_, err := a.Alloc(0, 1, &counter, 0)
	assert.Error(t, err)
	_, err = a.Alloc(8, 3, &counter, 0)
	assert.Error(t, err, "non power-of-two alignment")
}
