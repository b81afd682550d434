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

package kv

import (
	"encoding/json"
	"testing"

	"github.com/sabfs/sabfs/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setUpStore(t *testing.T) (*Store, *bus.Registry, *bus.Emitter) {
	t.Helper()
	buses := bus.NewRegistry()
	emitters := bus.NewEmitterRegistry(buses, 0)
	return NewStore(emitters), buses, emitters.LookUp(EmitterName)
}

func TestGetSetDelete(t *testing.T) {
	s, _, _ := setUpStore(t)

	_, ok := s.Get("k")
	assert.False(t, ok)

	s.Set("k", "v")
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, s.Len())

	s.Del("k")
	_, ok = s.Get("k")
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestKeyIterationOrder(t *testing.T) {
	s, _, _ := setUpStore(t)
	s.Set("a", "1")
	s.Set("b", "2")
	s.Set("c", "3")
	s.Del("b")

	k, ok := s.Key(0)
	require.True(t, ok)
	assert.Equal(t, "a", k)
	k, ok = s.Key(1)
	require.True(t, ok)
	assert.Equal(t, "c", k)
	_, ok = s.Key(2)
	assert.False(t, ok)
	_, ok = s.Key(-1)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	s, _, _ := setUpStore(t)
	s.Set("a", "1")
	s.Set("b", "2")

	s.Clear()

	assert.Zero(t, s.Len())
	_, ok := s.Key(0)
	assert.False(t, ok)
}

func TestSetEventsDistinguishFirstWrite(t *testing.T) {
	s, buses, emitter := setUpStore(t)
	b := buses.New()
	require.NoError(t, emitter.On("set", b))

	s.Set("k", "v1")
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(buses.Receive(b)), &first))
	assert.Equal(t, "k", first["key"])
	assert.Equal(t, "v1", first["newValue"])
	assert.NotContains(t, first, "oldValue")

	s.Set("k", "v2")
	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(buses.Receive(b)), &second))
	assert.Equal(t, "v1", second["oldValue"])
	assert.Equal(t, "v2", second["newValue"])
}

func TestDelEventCarriesOldValue(t *testing.T) {
	s, buses, emitter := setUpStore(t)
	b := buses.New()
	require.NoError(t, emitter.On("del", b))

	s.Set("k", "v")
	s.Del("k")
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(buses.Receive(b)), &ev))
	assert.Equal(t, "k", ev["key"])
	assert.Equal(t, "v", ev["oldValue"])

	// Deleting a missing key reports a null old value.
	s.Del("ghost")
	require.NoError(t, json.Unmarshal([]byte(buses.Receive(b)), &ev))
	assert.Nil(t, ev["oldValue"])
}
