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

package fs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/sabfs/sabfs/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEventTestFS wires a filesystem with externally visible registries
// so tests can subscribe buses to its emitter.
func newEventTestFS(t *testing.T) (*FileSystem, *bus.Registry) {
	t.Helper()

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	buses := bus.NewRegistry()
	emitters := bus.NewEmitterRegistry(buses, 0)
	fs, err := NewFileSystem(&ServerConfig{
		Clock:      clock,
		Buses:      buses,
		Emitters:   emitters,
		RegionSize: 4 << 20,
		BlockSize:  512,
	})
	require.NoError(t, err)
	return fs, buses
}

func drain(r *bus.Registry, id bus.ID) []string {
	var out []string
	for {
		msg := r.Receive(id)
		if msg == "" {
			return out
		}
		out = append(out, msg)
	}
}

func TestWriteFileEmitsChange(t *testing.T) {
	fs, buses := newEventTestFS(t)
	b := buses.New()
	require.NoError(t, fs.Emitter().On(EventChange, b))

	require.NoError(t, fs.WriteFile("/f", []byte("1"), nil))

	msgs := drain(buses, b)
	require.NotEmpty(t, msgs)
	var args []string
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &args))
	assert.Equal(t, []string{"/f"}, args)
}

func TestSuccessiveWritesEmitOrderedChanges(t *testing.T) {
	fs, buses := newEventTestFS(t)
	b := buses.New()
	require.NoError(t, fs.Emitter().On(EventChange, b))

	require.NoError(t, fs.WriteFile("/f", []byte("1"), nil))
	require.NoError(t, fs.WriteFile("/g", []byte("2"), nil))

	msgs := drain(buses, b)
	require.GreaterOrEqual(t, len(msgs), 2)

	var first, second []string
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(msgs[len(msgs)-1]), &second))
	assert.Equal(t, "/f", first[0])
	assert.Equal(t, "/g", second[0])
}

func TestEventOrderWithinOperation(t *testing.T) {
	fs, buses := newEventTestFS(t)
	b := buses.New()
	e := fs.Emitter()
	require.NoError(t, e.On(EventWatch, b))
	require.NoError(t, e.On(EventChange, b))
	require.NoError(t, e.On("writeFileSync", b))

	require.NoError(t, fs.WriteFile("/f", []byte("1"), nil))

	msgs := drain(buses, b)
	require.Len(t, msgs, 3)

	// watch_ first: [path, prev, curr] with a null prev for a create.
	var watch []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &watch))
	require.Len(t, watch, 3)
	var path string
	require.NoError(t, json.Unmarshal(watch[0], &path))
	assert.Equal(t, "/f", path)
	assert.Equal(t, "null", string(watch[1]), "no previous stat for a created path")
	var curr Stats
	require.NoError(t, json.Unmarshal(watch[2], &curr))
	assert.Equal(t, uint64(1), curr.Size)

	// Then the semantic change event, then the operation event.
	var change []string
	require.NoError(t, json.Unmarshal([]byte(msgs[1]), &change))
	assert.Equal(t, []string{"/f"}, change)

	var op []string
	require.NoError(t, json.Unmarshal([]byte(msgs[2]), &op))
	assert.Equal(t, []string{"/f"}, op)
}

func TestMkdirEmitsRename(t *testing.T) {
	fs, buses := newEventTestFS(t)
	b := buses.New()
	require.NoError(t, fs.Emitter().On(EventRename, b))

	_, err := fs.Mkdir("/d", nil)
	require.NoError(t, err)

	msgs := drain(buses, b)
	require.NotEmpty(t, msgs)
	var args []string
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &args))
	assert.Equal(t, []string{"/d"}, args)
}

func TestUnlinkEmitsRename(t *testing.T) {
	fs, buses := newEventTestFS(t)
	require.NoError(t, fs.WriteFile("/f", []byte("x"), nil))

	b := buses.New()
	require.NoError(t, fs.Emitter().On(EventRename, b))

	require.NoError(t, fs.Unlink("/f"))

	msgs := drain(buses, b)
	require.NotEmpty(t, msgs)
	var args []string
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &args))
	assert.Equal(t, []string{"/f"}, args)
}

func TestFailedOperationEmitsNothing(t *testing.T) {
	fs, buses := newEventTestFS(t)
	b := buses.New()
	e := fs.Emitter()
	require.NoError(t, e.On(EventChange, b))
	require.NoError(t, e.On(EventRename, b))
	require.NoError(t, e.On("unlinkSync", b))

	require.Error(t, fs.Unlink("/missing"))

	assert.Empty(t, drain(buses, b))
}

func TestOnceSubscriptionSeesOneEvent(t *testing.T) {
	fs, buses := newEventTestFS(t)
	b := buses.New()
	require.NoError(t, fs.Emitter().Once(EventChange, b))

	require.NoError(t, fs.WriteFile("/f", []byte("1"), nil))
	require.NoError(t, fs.WriteFile("/f", []byte("2"), nil))

	assert.Len(t, drain(buses, b), 1)
}

func TestWatchCarriesPrevAndCurrStats(t *testing.T) {
	fs, buses := newEventTestFS(t)
	require.NoError(t, fs.WriteFile("/f", []byte("abc"), nil))

	b := buses.New()
	require.NoError(t, fs.Emitter().On(EventWatch, b))

	require.NoError(t, fs.Truncate("/f", 1))

	msgs := drain(buses, b)
	require.NotEmpty(t, msgs)
	var watch []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &watch))
	require.Len(t, watch, 3)

	var prev, curr Stats
	require.NoError(t, json.Unmarshal(watch[1], &prev))
	require.NoError(t, json.Unmarshal(watch[2], &curr))
	assert.Equal(t, uint64(3), prev.Size)
	assert.Equal(t, uint64(1), curr.Size)
}
