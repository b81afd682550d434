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

// Package sabfs wires the component singletons together: the lock and
// bus registries, the shared-region filesystem, the kv store, and the
// per-worker TLS arena. Init is idempotent; Reboot recreates every
// table.
package sabfs

import (
	"sync"

	"github.com/sabfs/sabfs/bus"
	"github.com/sabfs/sabfs/cfg"
	"github.com/sabfs/sabfs/fs"
	"github.com/sabfs/sabfs/internal/logger"
	"github.com/sabfs/sabfs/kv"
	"github.com/sabfs/sabfs/lock"
	"github.com/sabfs/sabfs/tls"
)

// tlsHeapSize is the scratch heap shared by every worker's TLS
// allocations.
const tlsHeapSize = 1 << 20

// System owns one instance of every component.
type System struct {
	Config   *cfg.Config
	Locks    *lock.Registry
	Buses    *bus.Registry
	Emitters *bus.EmitterRegistry
	FS       *fs.FileSystem
	KV       *kv.Store
	TLS      *tls.Arena
}

var (
	// Serializes first-time initialization across workers; the mount
	// itself happens exactly once.
	initMu  sync.Mutex
	current *System
)

// Init mounts the system on first call and returns the existing
// instance afterwards. A nil config selects the defaults.
func Init(c *cfg.Config) (*System, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if current != nil {
		return current, nil
	}
	s, err := newSystem(c)
	if err != nil {
		return nil, err
	}
	current = s
	return current, nil
}

// Current returns the mounted system, or nil before Init.
func Current() *System {
	initMu.Lock()
	defer initMu.Unlock()
	return current
}

// Reboot discards every table and mounts a fresh system. Not safe to
// call while other workers are mid-operation.
func Reboot(c *cfg.Config) (*System, error) {
	initMu.Lock()
	defer initMu.Unlock()

	s, err := newSystem(c)
	if err != nil {
		return nil, err
	}
	current = s
	return current, nil
}

func newSystem(c *cfg.Config) (*System, error) {
	if c == nil {
		c = cfg.NewConfig()
	}
	logger.SetLogSeverity(c.LogSeverity)

	locks := lock.NewRegistry(c.LockSpinBudget)
	buses := bus.NewRegistry()
	emitters := bus.NewEmitterRegistry(buses, c.MaxListeners)

	filesystem, err := fs.NewFileSystem(&fs.ServerConfig{
		Locks:      locks,
		Buses:      buses,
		Emitters:   emitters,
		RegionSize: c.RegionSizeMiB << 20,
		BlockSize:  c.BlockSize,
		FilePerms:  uint32(c.FilePerms),
		DirPerms:   uint32(c.DirPerms),
	})
	if err != nil {
		return nil, err
	}

	return &System{
		Config:   c,
		Locks:    locks,
		Buses:    buses,
		Emitters: emitters,
		FS:       filesystem,
		KV:       kv.NewStore(emitters),
		TLS:      tls.NewArena(make([]byte, tlsHeapSize)),
	}, nil
}

// Locked reports whether the filesystem's disk lock is currently held.
func (s *System) Locked() bool {
	return s.FS.Locked()
}

// Diag logs a snapshot of per-component state.
func (s *System) Diag() {
	st, err := s.FS.Statfs("/", false)
	if err != nil {
		logger.Errorf("diag: statfs: %v", err)
		return
	}
	logger.Infof("fs: %d/%d blocks free, %d files, %d dirs, %d open handles",
		st.Bfree, st.Blocks, st.Files-st.Dirs, st.Dirs, s.FS.OpenHandleCount())
	logger.Infof("kv: %d entries", s.KV.Len())
	logger.Infof("tls: %d allocations", s.TLS.Count())
	logger.Infof("emitters: %v", s.Emitters.Names())
}
