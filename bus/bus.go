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

// Package bus provides the cross-worker message queues ("buses") and
// the named event emitters that fan out onto them. Consumers poll with
// Receive; senders never block on consumers.
package bus

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

// ID names a bus slot in a registry.
type ID int

type busSlot struct {
	q *queue

	// Administrative: slot is allocated. Queues are recycled, not
	// destroyed.
	//
	// GUARDED_BY(Registry.mu)
	held bool
}

type Registry struct {
	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards allocation state. Queue operations themselves are
	// lock-free and run outside this mutex.
	//
	// GUARDED_BY(mu)
	mu syncutil.InvariantMutex

	// Grow-only pool of bus slots.
	//
	// INVARIANT: len(slots) never decreases
	// INVARIANT: slots[i].q != nil for all i
	//
	// GUARDED_BY(mu)
	slots []*busSlot
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Registry) checkInvariants() {
	for i, s := range r.slots {
		if s == nil || s.q == nil {
			panic(fmt.Sprintf("bad bus slot at %d", i))
		}
	}
}

// New allocates a bus, reusing a freed slot when possible.
func (r *Registry) New() ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if !s.held {
			s.held = true
			return ID(i)
		}
	}

	r.slots = append(r.slots, &busSlot{q: newQueue(), held: true})
	return ID(len(r.slots) - 1)
}

// Free drains pending messages and returns the slot to the pool.
func (r *Registry) Free(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || int(id) >= len(r.slots) {
		return
	}
	s := r.slots[id]
	for {
		if _, ok := s.q.Pop(); !ok {
			break
		}
	}
	s.held = false
}

func (r *Registry) lookup(id ID) *busSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || int(id) >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

// snapshot returns the current slots. Only slot allocation is guarded;
// pushes onto a concurrently-freed slot land in a drained queue, which
// is harmless.
func (r *Registry) snapshot() []*busSlot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*busSlot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Send pushes value onto the bus named by to.
func (r *Registry) Send(to ID, value string) {
	if s := r.lookup(to); s != nil {
		s.q.Push(value)
	}
}

// Broadcast pushes value onto every bus except from.
func (r *Registry) Broadcast(from ID, value string) {
	for i, s := range r.snapshot() {
		if ID(i) != from {
			s.q.Push(value)
		}
	}
}

// Yeet pushes value onto every bus.
func (r *Registry) Yeet(value string) {
	for _, s := range r.snapshot() {
		s.q.Push(value)
	}
}

// Receive pops one pending message from the bus. The empty string
// means nothing was pending.
func (r *Registry) Receive(id ID) string {
	s := r.lookup(id)
	if s == nil {
		return ""
	}
	value, _ := s.q.Pop()
	return value
}
