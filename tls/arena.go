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

// Package tls gives each worker stable scratch allocations inside a
// shared heap. Workers cannot relocate data, so an allocation for a
// given (worker-id, kind) pair must come back at the same base on
// every request.
package tls

import (
	"fmt"
	"sync"
)

type allocationMeta struct {
	id   int32
	kind int32
}

type allocationData struct {
	base  int
	size  int
	align int
}

// Arena hands out (worker-id, kind)-keyed allocations from an owned
// heap buffer. The worker id is read from a counter byte shared with
// the host runtime; the counter's address is pinned on first use.
type Arena struct {
	mu sync.Mutex

	// The shared heap and the bump offset of the next free byte.
	//
	// GUARDED_BY(mu)
	heap []byte
	next int

	// Address of the worker counter, recorded on the first Alloc.
	//
	// GUARDED_BY(mu)
	counter *uint8

	// GUARDED_BY(mu)
	allocs map[allocationMeta]allocationData
}

func NewArena(heap []byte) *Arena {
	return &Arena{
		heap:   heap,
		allocs: make(map[allocationMeta]allocationData),
	}
}

// Alloc returns the scratch buffer for (worker-id, kind), where the
// worker id is the current value of *counter. A repeated request with
// the same size and alignment returns the existing allocation zeroed;
// anything else carves fresh space from the heap.
//
// The counter address must be the same on every call; a different
// address means two runtimes are sharing one arena, which is a bug.
func (a *Arena) Alloc(size, align int, counter *uint8, kind int32) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bad allocation size %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("bad allocation alignment %d", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counter == nil {
		a.counter = counter
	} else if a.counter != counter {
		return nil, fmt.Errorf("worker counter address changed: %p vs. %p", a.counter, counter)
	}

	id := int32(*a.counter)
	meta := allocationMeta{id: id, kind: kind}

	if data, ok := a.allocs[meta]; ok && data.size == size && data.align == align {
		buf := a.heap[data.base : data.base+data.size]
		clear(buf)
		return buf, nil
	}

	base := a.next
	if rem := base % align; rem != 0 {
		base += align - rem
	}
	if base+size > len(a.heap) {
		return nil, fmt.Errorf("tls heap exhausted: need %d, have %d", size, len(a.heap)-base)
	}
	a.next = base + size

	a.allocs[meta] = allocationData{base: base, size: size, align: align}
	return a.heap[base : base+size], nil
}

// Count returns the number of live allocations, for diagnostics.
func (a *Arena) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocs)
}
