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

// Package fs is the POSIX facade over the shared-region storage
// engine. Every operation resolves paths, checks permissions, touches
// timestamps, and notifies watchers through the event emitter; the
// storage engine below it only moves bytes.
package fs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/sabfs/sabfs/bus"
	"github.com/sabfs/sabfs/lock"
	"github.com/sabfs/sabfs/storage"
)

// Default permission bits for paths created without an explicit mode.
const (
	DefaultPermDir  uint32 = 0o777
	DefaultPermFile uint32 = 0o666
)

// Reserved watcher event names.
const (
	EventChange = "change"
	EventRename = "rename"
	EventWatch  = "watch_"
)

// CopyFile mode bit: fail if the destination exists.
const COPYFILE_EXCL = 1

// Link resolution gives up after this many hops.
const maxLinkDepth = 100

// EmitterName is the emitter carrying all filesystem events.
const EmitterName = "fs"

type ServerConfig struct {
	// A clock used for all timestamps.
	Clock timeutil.Clock

	// Registries shared with the rest of the process.
	Locks    *lock.Registry
	Buses    *bus.Registry
	Emitters *bus.EmitterRegistry

	// Size of the shared byte region, in bytes. The region cannot be
	// resized after mounting.
	RegionSize int

	// Storage block size. Mount-time constant.
	BlockSize int

	// Permission bits used when a create supplies no mode. No bits
	// outside of 0o777 may be set.
	FilePerms uint32
	DirPerms  uint32

	// Birthtime of the root directory, in ms since the epoch. Zero
	// means the mount time; the root package leaves it zero.
	BuildTime float64
}

// LOCK ORDERING
//
// The disk lock serializes whole facade operations across workers and
// is always taken first. The storage engine's internal lock (passed as
// the mount callbacks) nests strictly inside it. The handle-table and
// hardlink mutexes are leaves: nothing is acquired while they are
// held. Emitter pushes are non-blocking and never take the disk lock,
// so emission inside the scoped region cannot deadlock.

type FileSystem struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	clock    timeutil.Clock
	locks    *lock.Registry
	buses    *bus.Registry
	emitter  *bus.Emitter
	disk     *storage.Disk
	handles  *handleTable

	/////////////////////////
	// Constant data
	/////////////////////////

	filePerms uint32
	dirPerms  uint32

	// The facade-scoped disk lock, and the engine's internal lock fed
	// to storage.Mount. See the lock ordering notes above.
	diskLock   lock.ID
	engineLock lock.ID

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards the hardlink side map.
	//
	// GUARDED_BY(mu)
	mu syncutil.InvariantMutex

	// Hardlink target path → alias paths, used to cascade removal
	// across every alias.
	//
	// INVARIANT: For each k/v, len(v) > 0
	//
	// GUARDED_BY(mu)
	hardLinks map[string][]string
}

// NewFileSystem mounts a fresh shared region and returns the facade
// over it. The root directory exists afterwards with default directory
// permissions and birthtime taken from cfg.BuildTime.
func NewFileSystem(cfg *ServerConfig) (*FileSystem, error) {
	if cfg.FilePerms&^0o777 != 0 {
		return nil, fmt.Errorf("illegal file perms: %04o", cfg.FilePerms)
	}
	if cfg.DirPerms&^0o777 != 0 {
		return nil, fmt.Errorf("illegal dir perms: %04o", cfg.DirPerms)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = lock.NewRegistry(0)
	}
	buses := cfg.Buses
	if buses == nil {
		buses = bus.NewRegistry()
	}
	emitters := cfg.Emitters
	if emitters == nil {
		emitters = bus.NewEmitterRegistry(buses, 0)
	}
	regionSize := cfg.RegionSize
	if regionSize == 0 {
		regionSize = 256 << 20
	}
	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}
	filePerms := cfg.FilePerms
	if filePerms == 0 {
		filePerms = DefaultPermFile
	}
	dirPerms := cfg.DirPerms
	if dirPerms == 0 {
		dirPerms = DefaultPermDir
	}

	fs := &FileSystem{
		clock:     clock,
		locks:     locks,
		buses:     buses,
		emitter:   emitters.LookUp(EmitterName),
		handles:   newHandleTable(),
		filePerms: filePerms,
		dirPerms:  dirPerms,
		hardLinks: make(map[string][]string),
	}
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	fs.engineLock = locks.New()
	fs.diskLock = locks.New()

	region := make([]byte, regionSize)
	disk, err := storage.Mount(
		region,
		blockSize,
		func() { locks.Acquire(fs.engineLock) },
		func() { locks.Release(fs.engineLock) })
	if err != nil {
		return nil, fmt.Errorf("mounting region: %w", err)
	}
	fs.disk = disk

	// Give the root directory its attribute record.
	birth := cfg.BuildTime
	if birth == 0 {
		birth = fs.nowMs()
	}
	err = disk.AttrPatch("/", storage.Attr{
		Ino:       uint32(fs.handles.RequestIno()),
		Mode:      S_IFDIR | dirPerms,
		Nlink:     1,
		Atime:     birth,
		Mtime:     birth,
		Ctime:     birth,
		Birthtime: birth,
	})
	if err != nil {
		return nil, fmt.Errorf("creating root attributes: %w", err)
	}

	return fs, nil
}

func (fs *FileSystem) checkInvariants() {
	for k, v := range fs.hardLinks {
		if len(v) == 0 {
			panic("empty hardlink alias set for " + k)
		}
	}
}

// Locked reports whether the disk lock is held by some worker.
func (fs *FileSystem) Locked() bool {
	return fs.locks.Held(fs.diskLock)
}

// Emitter returns the emitter carrying this filesystem's events, so
// callers can subscribe buses to them.
func (fs *FileSystem) Emitter() *bus.Emitter {
	return fs.emitter
}

// OpenHandleCount returns the number of live descriptors, for
// diagnostics.
func (fs *FileSystem) OpenHandleCount() int {
	return fs.handles.Count()
}

////////////////////////////////////////////////////////////////////////
// Time
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) nowMs() float64 {
	return float64(fs.clock.Now().UnixNano()) / 1e6
}

// patchAttr applies f to path's attribute record. Missing paths are
// ignored, matching the original's fire-and-forget attribute updates.
func (fs *FileSystem) patchAttr(path string, f func(*storage.Attr)) {
	a, err := fs.disk.AttrQuery(path)
	if err != nil {
		return
	}
	f(&a)
	fs.disk.AttrPatch(path, a)
}

// touchBirthtime sets all four timestamps to t.
func (fs *FileSystem) touchBirthtime(path string, t float64) {
	fs.patchAttr(path, func(a *storage.Attr) {
		a.Birthtime = t
		a.Atime = t
		a.Mtime = t
		a.Ctime = t
	})
}

func (fs *FileSystem) touchAtime(path string) {
	t := fs.nowMs()
	fs.patchAttr(path, func(a *storage.Attr) { a.Atime = t })
}

func (fs *FileSystem) touchMtime(path string) {
	t := fs.nowMs()
	fs.patchAttr(path, func(a *storage.Attr) { a.Mtime = t })
}

func (fs *FileSystem) touchCtime(path string) {
	t := fs.nowMs()
	fs.patchAttr(path, func(a *storage.Attr) { a.Ctime = t })
}

////////////////////////////////////////////////////////////////////////
// Predicates
////////////////////////////////////////////////////////////////////////

// existsNoFollow reports whether a record exists at exactly path.
func (fs *FileSystem) existsNoFollow(path string) bool {
	if path == "/" {
		return true
	}
	if path == "" {
		return false
	}
	_, err := fs.disk.Stat(path)
	return err == nil
}

func (fs *FileSystem) isDirectory(path string) bool {
	if path == "/" {
		return true
	}
	info, err := fs.disk.Stat(path)
	return err == nil && info.Type == storage.TypeDir
}

func (fs *FileSystem) isFile(path string) bool {
	if path == "/" || !fs.existsNoFollow(path) {
		return false
	}
	return !fs.isDirectory(path)
}

func (fs *FileSystem) isSymlink(path string) bool {
	if path == "/" || !fs.existsNoFollow(path) {
		return false
	}
	a, err := fs.disk.AttrQuery(path)
	return err == nil && a.Symlink
}

// isInternalLink reports whether path is a hardlink alias.
func (fs *FileSystem) isInternalLink(path string) bool {
	if path == "/" || !fs.existsNoFollow(path) {
		return false
	}
	a, err := fs.disk.AttrQuery(path)
	return err == nil && a.Link
}

// isOpen reports whether path, any of its hardlink aliases, or (for
// directories) anything under it has a live handle.
func (fs *FileSystem) isOpen(path string) bool {
	if fs.handles.LookUpPath(path) != nil {
		return true
	}

	fs.mu.RLock()
	aliases := fs.hardLinks[path]
	fs.mu.RUnlock()
	for _, alias := range aliases {
		if fs.handles.LookUpPath(alias) != nil {
			return true
		}
	}

	if fs.isDirectory(path) && fs.handles.AnyOpenUnder(path) {
		return true
	}
	return false
}

////////////////////////////////////////////////////////////////////////
// Link resolution
////////////////////////////////////////////////////////////////////////

// readAllNoFollow slurps the content at exactly path.
func (fs *FileSystem) readAllNoFollow(path string) ([]byte, error) {
	f, err := fs.disk.FileOpen(path, storage.O_RDONLY)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data []byte
	buf := make([]byte, 1024)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return data, err
		}
		if n == 0 {
			return data, nil
		}
		data = append(data, buf[:n]...)
	}
}

// followLink resolves internal hardlinks. Hardlinks are invisible to
// the user, so every operation routes through this before touching
// storage. Chains longer than maxLinkDepth fail with ELOOP.
func (fs *FileSystem) followLink(path string) (string, error) {
	p := normalizePath(path)
	for attempt := 0; attempt <= maxLinkDepth; attempt++ {
		if !fs.isInternalLink(p) {
			return p, nil
		}
		content, err := fs.readAllNoFollow(p)
		if err != nil {
			return p, nil
		}
		p = normalizePath(string(content))
	}
	return "", newError(ELOOP, "follow", path)
}

// resolve follows hardlinks and then user-visible symlinks to the
// final path. The final path need not exist.
func (fs *FileSystem) resolve(path string) (string, error) {
	p, err := fs.followLink(path)
	if err != nil {
		return "", err
	}
	for attempt := 0; attempt <= maxLinkDepth; attempt++ {
		if !fs.isSymlink(p) {
			return p, nil
		}
		content, err := fs.readAllNoFollow(p)
		if err != nil {
			return p, nil
		}
		p, err = fs.followLink(string(content))
		if err != nil {
			return "", err
		}
	}
	return "", newError(ELOOP, "realpath", path)
}

////////////////////////////////////////////////////////////////////////
// Stats
////////////////////////////////////////////////////////////////////////

// statsFor builds the user-visible stat record for an existing path.
// Does not touch atime; callers decide.
func (fs *FileSystem) statsFor(path string) (*Stats, error) {
	a, err := fs.disk.AttrQuery(path)
	if err != nil {
		return nil, err
	}
	bs := uint64(fs.disk.BlockSize())
	return &Stats{
		Ino:         float64(a.Ino),
		Mode:        a.Mode,
		Nlink:       a.Nlink,
		UID:         a.UID,
		GID:         a.GID,
		Size:        a.Size,
		Blksize:     bs,
		Blocks:      (a.Size + bs - 1) / bs,
		AtimeMs:     a.Atime,
		MtimeMs:     a.Mtime,
		CtimeMs:     a.Ctime,
		BirthtimeMs: a.Birthtime,
	}, nil
}

// statsNoTouch is statsFor through hardlink resolution, nil when the
// path is missing. Used for watch_ payloads.
func (fs *FileSystem) statsNoTouch(path string) *Stats {
	p, err := fs.followLink(path)
	if err != nil {
		return nil
	}
	s, err := fs.statsFor(p)
	if err != nil {
		return nil
	}
	return s
}

////////////////////////////////////////////////////////////////////////
// Mode parsing
////////////////////////////////////////////////////////////////////////

// ParseMode parses a textual permission mode. "0o"/"0x"/"0b" prefixes
// select octal, hex, and binary; unprefixed strings parse as octal.
func ParseMode(mode string) (uint32, error) {
	s := strings.TrimSpace(mode)
	base := 8
	switch {
	case strings.HasPrefix(s, "0o"):
		s = s[2:]
	case strings.HasPrefix(s, "0x"):
		s, base = s[2:], 16
	case strings.HasPrefix(s, "0b"):
		s, base = s[2:], 2
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), base, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing mode %q: %w", mode, err)
	}
	return uint32(v), nil
}

func sanitizePerms(p uint32) uint32 {
	return p & 0o777
}
