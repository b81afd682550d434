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

// Package lock implements a registry of spinlocks shared by all
// workers. Slots live for the life of the process and are recycled
// through Free/New rather than destroyed.
package lock

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
)

// ID names a lock slot in a registry.
type ID int

// A single lock slot. The atomic word is the sole cross-worker state:
// 0 means free, 1 means held. The held flag is administrative only and
// tracks slot allocation, not acquisition.
type slot struct {
	word uint32
	held bool
}

type Registry struct {
	// Abort acquisition after this many spins. Zero disables the check.
	spinBudget int

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards allocation state (the slots slice and held flags). The
	// atomic words themselves are accessed without this mutex.
	//
	// GUARDED_BY(mu)
	mu syncutil.InvariantMutex

	// Grow-only pool of slots.
	//
	// INVARIANT: len(slots) never decreases
	//
	// GUARDED_BY(mu)
	slots []*slot
}

// NewRegistry creates an empty lock registry. spinBudget bounds
// acquisition spinning when positive.
func NewRegistry(spinBudget int) *Registry {
	r := &Registry{spinBudget: spinBudget}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Registry) checkInvariants() {
	for i, s := range r.slots {
		if s == nil {
			panic(fmt.Sprintf("nil lock slot at %d", i))
		}
	}
}

// New allocates a lock slot, reusing a released one when possible.
func (r *Registry) New() ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if !s.held {
			s.held = true
			return ID(i)
		}
	}

	r.slots = append(r.slots, &slot{held: true})
	return ID(len(r.slots) - 1)
}

// lookup returns the slot for id, or nil if id was never allocated.
func (r *Registry) lookup(id ID) *slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || int(id) >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

// Acquire spins until the lock word is won. Safe to call from any
// worker; at most one holds the lock at a time.
func (r *Registry) Acquire(id ID) {
	s := r.lookup(id)
	if s == nil {
		return
	}

	spins := 0
	for !atomic.CompareAndSwapUint32(&s.word, 0, 1) {
		runtime.Gosched()
		spins++
		if r.spinBudget > 0 && spins > r.spinBudget {
			panic(fmt.Sprintf("deadlock detected on lock %d", id))
		}
	}
}

// Release clears the lock word unconditionally.
func (r *Registry) Release(id ID) {
	if s := r.lookup(id); s != nil {
		atomic.StoreUint32(&s.word, 0)
	}
}

// Held reports whether the lock word is currently set.
func (r *Registry) Held(id ID) bool {
	s := r.lookup(id)
	return s != nil && atomic.LoadUint32(&s.word) != 0
}

// Free releases the lock word and returns the slot to the pool.
func (r *Registry) Free(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || int(id) >= len(r.slots) {
		return
	}
	s := r.slots[id]
	atomic.StoreUint32(&s.word, 0)
	s.held = false
}

// Guard is a scoped acquisition: construction acquires, Release
// releases exactly once no matter how the protected region exits.
//
// Typical usage:
//
//	g := locks.NewGuard(diskLock)
//	defer g.Release()
type Guard struct {
	r        *Registry
	id       ID
	released bool
}

// NewGuard acquires id and returns the guard owning the acquisition.
func (r *Registry) NewGuard(id ID) *Guard {
	r.Acquire(id)
	return &Guard{r: r, id: id}
}

func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.r.Release(g.id)
}
