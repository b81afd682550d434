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
	"fmt"
	"strings"

	"github.com/jacobsa/syncutil"
	"github.com/sabfs/sabfs/storage"
)

// idPool hands out recycled small integers starting at a floor value.
type idPool struct {
	next int
	free []int
}

func newIDPool(start int) *idPool {
	return &idPool{next: start}
}

func (p *idPool) Request() int {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}
	id := p.next
	p.next++
	return id
}

func (p *idPool) Return(id int) {
	p.free = append(p.free, id)
}

// handle is the tagged union held by the table: exactly one of file
// and dir is set.
type handle struct {
	fd   int
	path string

	file *storage.File

	dir *storage.Dir
	// Last value of dir.Tell() returned to the caller. Guards against
	// the enumerator going backwards when entries are removed mid-read.
	told int
}

func (h *handle) isDir() bool {
	return h.dir != nil
}

// handleTable maps descriptors (≥ 3; 0-2 are reserved for stdio) to
// open handles, and owns the inode number pool.
type handleTable struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	fds *idPool

	// GUARDED_BY(mu)
	inos *idPool

	// INVARIANT: For each k/v, v.fd == k
	// INVARIANT: For each k, k >= 3
	// INVARIANT: For each value v, exactly one of v.file, v.dir is set
	//
	// GUARDED_BY(mu)
	handles map[int]*handle
}

func newHandleTable() *handleTable {
	t := &handleTable{
		fds:     newIDPool(3),
		inos:    newIDPool(1),
		handles: make(map[int]*handle),
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *handleTable) checkInvariants() {
	for fd, h := range t.handles {
		if h.fd != fd {
			panic(fmt.Sprintf("fd mismatch: %d vs. %d", h.fd, fd))
		}
		if fd < 3 {
			panic(fmt.Sprintf("reserved fd in table: %d", fd))
		}
		if (h.file == nil) == (h.dir == nil) {
			panic(fmt.Sprintf("handle %d is not exactly one of file/dir", fd))
		}
	}
}

// InsertFile registers an open file and returns its descriptor.
func (t *handleTable) InsertFile(path string, f *storage.File) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.fds.Request()
	t.handles[fd] = &handle{fd: fd, path: path, file: f}
	return fd
}

// InsertDir registers an open directory and returns its descriptor.
func (t *handleTable) InsertDir(path string, d *storage.Dir) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.fds.Request()
	t.handles[fd] = &handle{fd: fd, path: path, dir: d}
	return fd
}

// LookUpFd returns the handle for fd, or nil. Descriptors below 3
// never resolve.
func (t *handleTable) LookUpFd(fd int) *handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if fd < 3 {
		return nil
	}
	return t.handles[fd]
}

// LookUpPath returns some handle open at exactly path, or nil.
func (t *handleTable) LookUpPath(path string) *handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, h := range t.handles {
		if h.path == path {
			return h
		}
	}
	return nil
}

// AnyOpenUnder reports whether any handle's path starts with prefix.
func (t *handleTable) AnyOpenUnder(prefix string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, h := range t.handles {
		if strings.HasPrefix(h.path, prefix) {
			return true
		}
	}
	return false
}

// Remove closes the handle for fd and recycles the descriptor.
func (t *handleTable) Remove(fd int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[fd]
	if !ok {
		return false
	}
	if h.file != nil {
		h.file.Close()
	}
	if h.dir != nil {
		h.dir.Close()
	}
	delete(t.handles, fd)
	t.fds.Return(fd)
	return true
}

// RequestIno allocates an inode number.
func (t *handleTable) RequestIno() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inos.Request()
}

// ReturnIno recycles an inode number after the last alias of a path is
// gone.
func (t *handleTable) ReturnIno(ino int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inos.Return(ino)
}

// Count returns the number of live handles, for diagnostics.
func (t *handleTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}
