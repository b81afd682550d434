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

// Package kv is the process-wide string store with change events.
// Mutations emit "set" and "del" on the kv emitter so watchers on any
// worker observe them.
package kv

import (
	"encoding/json"
	"sync"

	"github.com/sabfs/sabfs/bus"
)

// EmitterName is the emitter carrying kv change events.
const EmitterName = "kv"

type setEvent struct {
	Key      string  `json:"key"`
	OldValue *string `json:"oldValue,omitempty"`
	NewValue string  `json:"newValue"`
}

type delEvent struct {
	Key      string  `json:"key"`
	OldValue *string `json:"oldValue"`
}

type Store struct {
	emitter *bus.Emitter

	mu sync.Mutex

	// GUARDED_BY(mu)
	m map[string]string

	// Key iteration order: insertion order, compacted on delete.
	//
	// INVARIANT: len(keys) == len(m) and every key appears exactly once
	//
	// GUARDED_BY(mu)
	keys []string
}

func NewStore(emitters *bus.EmitterRegistry) *Store {
	return &Store{
		emitter: emitters.LookUp(EmitterName),
		m:       make(map[string]string),
	}
}

func (s *Store) emit(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.emitter.Emit(event, string(b))
}

// Get returns the value for key; ok is false when absent.
func (s *Store) Get(key string) (value string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	return value, ok
}

// Set stores value under key and emits a "set" event. First writes
// carry {key, newValue}; overwrites additionally carry the old value.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	old, existed := s.m[key]
	s.m[key] = value
	if !existed {
		s.keys = append(s.keys, key)
	}
	s.mu.Unlock()

	ev := setEvent{Key: key, NewValue: value}
	if existed {
		ev.OldValue = &old
	}
	s.emit("set", ev)
}

// Del removes key and emits a "del" event carrying the old value
// (null when the key was absent).
func (s *Store) Del(key string) {
	s.mu.Lock()
	old, existed := s.m[key]
	if existed {
		delete(s.m, key)
		for i, k := range s.keys {
			if k == key {
				s.keys = append(s.keys[:i], s.keys[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	ev := delEvent{Key: key}
	if existed {
		ev.OldValue = &old
	}
	s.emit("del", ev)
}

// Key returns the i-th key in iteration order; ok is false past the
// end.
func (s *Store) Key(i int) (key string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.keys) {
		return "", false
	}
	return s.keys[i], true
}

// Clear drops every entry. No events are emitted.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[string]string)
	s.keys = nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
