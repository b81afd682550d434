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

package bus

import (
	"errors"
	"sync"

	"github.com/jacobsa/syncutil"
)

// ErrTooManyListeners is returned by On/Once when an emitter's
// max-listeners cap would be exceeded.
var ErrTooManyListeners = errors.New("too many listeners")

type subscription struct {
	once bool
	bus  ID
}

// Emitter maps event names to ordered subscriber lists. Emitters are
// named singletons obtained from an EmitterRegistry; they are created
// lazily and never destroyed.
type Emitter struct {
	name  string
	buses *Registry

	mu sync.Mutex

	// Zero means unlimited.
	//
	// GUARDED_BY(mu)
	maxListeners int

	// GUARDED_BY(mu)
	slots map[string][]subscription
}

type EmitterRegistry struct {
	buses *Registry

	// Initial max-listeners for emitters created by LookUp.
	defaultMaxListeners int

	// GUARDED_BY(mu)
	mu syncutil.InvariantMutex

	// INVARIANT: For each k/v, v.name == k
	//
	// GUARDED_BY(mu)
	emitters map[string]*Emitter
}

func NewEmitterRegistry(buses *Registry, defaultMaxListeners int) *EmitterRegistry {
	er := &EmitterRegistry{
		buses:               buses,
		defaultMaxListeners: defaultMaxListeners,
		emitters:            make(map[string]*Emitter),
	}
	er.mu = syncutil.NewInvariantMutex(er.checkInvariants)
	return er
}

func (er *EmitterRegistry) checkInvariants() {
	for k, v := range er.emitters {
		if v.name != k {
			panic("emitter name mismatch: " + k)
		}
	}
}

// LookUp returns the emitter with the given name, creating it on miss.
func (er *EmitterRegistry) LookUp(name string) *Emitter {
	er.mu.Lock()
	defer er.mu.Unlock()

	e, ok := er.emitters[name]
	if !ok {
		e = &Emitter{
			name:         name,
			buses:        er.buses,
			maxListeners: er.defaultMaxListeners,
			slots:        make(map[string][]subscription),
		}
		er.emitters[name] = e
	}
	return e
}

// Names returns the emitters created so far, for diagnostics.
func (er *EmitterRegistry) Names() []string {
	er.mu.RLock()
	defer er.mu.RUnlock()

	var names []string
	for k := range er.emitters {
		names = append(names, k)
	}
	return names
}

func (e *Emitter) Name() string {
	return e.name
}

// LOCKS_REQUIRED(e.mu)
func (e *Emitter) add(event string, sub subscription, prepend bool) error {
	if e.maxListeners > 0 && len(e.slots[event]) >= e.maxListeners {
		return ErrTooManyListeners
	}
	if prepend {
		e.slots[event] = append([]subscription{sub}, e.slots[event]...)
	} else {
		e.slots[event] = append(e.slots[event], sub)
	}
	return nil
}

// On subscribes the bus to every future emission of event.
func (e *Emitter) On(event string, bus ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.add(event, subscription{bus: bus}, false)
}

// AddListener is an alias for On.
func (e *Emitter) AddListener(event string, bus ID) error {
	return e.On(event, bus)
}

// Once subscribes the bus to the next emission of event only.
func (e *Emitter) Once(event string, bus ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.add(event, subscription{once: true, bus: bus}, false)
}

func (e *Emitter) PrependListener(event string, bus ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.add(event, subscription{bus: bus}, true)
}

func (e *Emitter) PrependOnceListener(event string, bus ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.add(event, subscription{once: true, bus: bus}, true)
}

// Off removes every subscription of bus to event.
func (e *Emitter) Off(event string, bus ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.slots[event]
	kept := subs[:0]
	for _, s := range subs {
		if s.bus != bus {
			kept = append(kept, s)
		}
	}
	e.slots[event] = kept
}

// RemoveListener is an alias for Off.
func (e *Emitter) RemoveListener(event string, bus ID) {
	e.Off(event, bus)
}

// RemoveAllListeners drops the named events, or every event when none
// are named.
func (e *Emitter) RemoveAllListeners(events ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(events) == 0 {
		e.slots = make(map[string][]subscription)
		return
	}
	for _, event := range events {
		delete(e.slots, event)
	}
}

// Emit pushes value onto each subscriber's bus in subscription order,
// dropping once-subscribers on the way. Emission never blocks on
// receivers.
func (e *Emitter) Emit(event, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.slots[event]
	kept := subs[:0]
	for _, s := range subs {
		e.buses.Send(s.bus, value)
		if !s.once {
			kept = append(kept, s)
		}
	}
	e.slots[event] = kept
}

func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots[event])
}

// Listeners returns the subscribed bus ids for event, in order.
func (e *Emitter) Listeners(event string) []ID {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ID, 0, len(e.slots[event]))
	for _, s := range e.slots[event] {
		out = append(out, s.bus)
	}
	return out
}

// RawListeners is an alias for Listeners.
func (e *Emitter) RawListeners(event string) []ID {
	return e.Listeners(event)
}

// EventNames returns the event names with at least one subscription.
func (e *Emitter) EventNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var names []string
	for k, subs := range e.slots {
		if len(subs) > 0 {
			names = append(names, k)
		}
	}
	return names
}

func (e *Emitter) SetMaxListeners(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxListeners = n
}

func (e *Emitter) GetMaxListeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxListeners
}
