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
	"errors"

	"github.com/sabfs/sabfs/internal/monitor"
	"github.com/sabfs/sabfs/storage"
)

// Open opens path, routing to a directory handle when the resolved
// path is a directory and a file handle otherwise. flags is a textual
// open mode ("r", "w+", ...); the empty string means "r". mode carries
// permission bits for a created file; negative means the default.
func (fs *FileSystem) Open(path, flags string, mode int) (fd int, err error) {
	monitor.RecordOp("open")
	defer recordError("open", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	fd, err = fs.openLocked(path, flags, mode)
	if err != nil {
		return 0, err
	}

	w.Commit()
	fs.emitEvent("openSync", path, flags, mode)
	return fd, nil
}

// OpenFile is Open for callers that know they want a file.
func (fs *FileSystem) OpenFile(path, flags string, mode int) (int, error) {
	fd, err := fs.Open(path, flags, mode)
	if err != nil {
		return 0, err
	}
	fs.emitEvent("openfileSync", path)
	return fd, nil
}

// Opendir is Open for callers that know they want a directory.
func (fs *FileSystem) Opendir(path string) (int, error) {
	fd, err := fs.Open(path, "", -1)
	if err != nil {
		return 0, err
	}
	fs.emitEvent("opendirSync", path)
	return fd, nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) openLocked(path, flags string, mode int) (int, error) {
	resolved, err := fs.resolve(path)
	if err != nil {
		return 0, err
	}
	if fs.isDirectory(resolved) {
		return fs.openDirLocked(resolved)
	}
	return fs.openFileLocked(resolved, flags, mode)
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) openFileLocked(path, flags string, mode int) (int, error) {
	if flags == "" {
		flags = "r"
	}
	existed := fs.existsNoFollow(path)

	f, err := fs.disk.FileOpen(path, storage.ParseFlags(flags))
	if err != nil {
		if errors.Is(err, storage.ErrExist) {
			return 0, newError(EEXIST, "open", path)
		}
		return 0, newError(ENOENT, "open", path)
	}

	if !existed {
		perm := fs.filePerms
		if mode >= 0 {
			perm = sanitizePerms(uint32(mode))
		}
		now := fs.nowMs()
		fs.disk.AttrPatch(path, storage.Attr{
			Ino:       uint32(fs.handles.RequestIno()),
			Mode:      S_IFREG | perm,
			Nlink:     1,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			Birthtime: now,
		})
	} else {
		fs.touchAtime(path)
	}

	return fs.handles.InsertFile(path, f), nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) openDirLocked(path string) (int, error) {
	d, err := fs.disk.DirOpen(path)
	if err != nil {
		return 0, newError(ENOENT, "open", path)
	}
	fs.touchAtime(path)
	return fs.handles.InsertDir(path, d), nil
}

// Close destroys the handle for fd, making the descriptor reusable.
func (fs *FileSystem) Close(fd int) (err error) {
	monitor.RecordOp("close")
	defer recordError("close", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	if !fs.handles.Remove(fd) {
		return newError(EBADF, "close", "")
	}
	fs.emitEvent("closeSync", fd)
	return nil
}

// Lseek repositions a file descriptor's cursor and returns it.
func (fs *FileSystem) Lseek(fd int, offset int64, whence int) (pos int64, err error) {
	monitor.RecordOp("lseek")
	defer recordError("lseek", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil || h.isDir() {
		return 0, newError(EBADF, "lseek", "")
	}
	if whence != storage.SeekSet && whence != storage.SeekCur && whence != storage.SeekEnd {
		return 0, newError(EINVAL, "lseek", h.path)
	}

	h.file.Sync()
	pos, serr := h.file.Seek(offset, whence)
	if serr != nil {
		return 0, newError(EINVAL, "lseek", h.path)
	}
	fs.emitEvent("lseekSync", fd, offset, whence)
	return pos, nil
}

// Read fills buf[offset:offset+length] from the descriptor. A
// non-negative position reads there without moving the cursor;
// position -1 reads at the cursor and advances it. Returns the byte
// count, 0 at end of file.
func (fs *FileSystem) Read(fd int, buf []byte, offset, length int, position int64) (n int, err error) {
	monitor.RecordOp("read")
	defer recordError("read", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil || h.isDir() {
		return 0, newError(EBADF, "read", "")
	}
	dst, err := sliceRange(buf, offset, length, "read", h.path)
	if err != nil {
		return 0, err
	}

	n, rerr := fs.positionalIO(h.file, position, func(f *storage.File) (int, error) {
		return f.Read(dst)
	})
	if rerr != nil {
		return 0, newError(EBADF, "read", h.path)
	}

	fs.touchAtime(h.path)
	fs.emitEvent("readSync", fd, offset, length, position)
	return n, nil
}

// Write stores buf[offset:offset+length] through the descriptor, with
// the same position contract as Read. The file is synced before any
// write.
func (fs *FileSystem) Write(fd int, buf []byte, offset, length int, position int64) (n int, err error) {
	monitor.RecordOp("write")
	defer recordError("write", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil || h.isDir() {
		return 0, newError(EBADF, "write", "")
	}
	src, err := sliceRange(buf, offset, length, "write", h.path)
	if err != nil {
		return 0, err
	}

	w := fs.watch(h.path)
	h.file.Sync()
	n, werr := fs.positionalIO(h.file, position, func(f *storage.File) (int, error) {
		return f.Write(src)
	})
	if werr != nil {
		return 0, newError(EBADF, "write", h.path)
	}

	fs.touchMtime(h.path)
	w.Commit()
	fs.emitChange(h.path)
	fs.emitEvent("writeSync", fd, offset, length, position)
	return n, nil
}

// positionalIO runs io at an absolute position, saving and restoring
// the cursor; position -1 runs at the cursor, which advances.
func (fs *FileSystem) positionalIO(f *storage.File, position int64, io func(*storage.File) (int, error)) (int, error) {
	if position < 0 {
		return io(f)
	}
	cur := f.Tell()
	if _, err := f.Seek(position, storage.SeekSet); err != nil {
		return 0, err
	}
	n, err := io(f)
	if _, serr := f.Seek(cur, storage.SeekSet); err == nil && serr != nil {
		err = serr
	}
	return n, err
}

// sliceRange bounds-checks the buf[offset:offset+length] window.
// Negative length means "the rest of buf".
func sliceRange(buf []byte, offset, length int, syscall, path string) ([]byte, error) {
	if offset < 0 || offset > len(buf) {
		return nil, newError(EINVAL, syscall, path)
	}
	if length < 0 {
		length = len(buf) - offset
	}
	if offset+length > len(buf) {
		return nil, newError(EINVAL, syscall, path)
	}
	return buf[offset : offset+length], nil
}

// Fstat returns stats for an open descriptor.
func (fs *FileSystem) Fstat(fd int) (s *Stats, err error) {
	monitor.RecordOp("fstat")
	defer recordError("fstat", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil {
		return nil, newError(EBADF, "fstat", "")
	}
	s = fs.statsNoTouch(h.path)
	if s == nil {
		return nil, newError(EFAULT, "fstat", h.path)
	}
	fs.touchAtime(h.path)
	fs.emitEvent("fstatSync", fd)
	return s, nil
}

// Fchmod changes permission bits through a descriptor.
func (fs *FileSystem) Fchmod(fd int, mode uint32) (err error) {
	monitor.RecordOp("fchmod")
	defer recordError("fchmod", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil {
		return newError(EBADF, "fchmod", "")
	}
	w := fs.watch(h.path)
	fs.chmodLocked(h.path, mode)
	w.Commit()
	fs.emitChange(h.path)
	fs.emitEvent("fchmodSync", fd, mode)
	return nil
}

// Fchown changes ownership through a descriptor.
func (fs *FileSystem) Fchown(fd, uid, gid int) (err error) {
	monitor.RecordOp("fchown")
	defer recordError("fchown", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil {
		return newError(EBADF, "fchown", "")
	}
	w := fs.watch(h.path)
	fs.chownLocked(h.path, uid, gid)
	w.Commit()
	fs.emitChange(h.path)
	fs.emitEvent("fchownSync", fd, uid, gid)
	return nil
}

// Ftruncate syncs and then sets the file's length.
func (fs *FileSystem) Ftruncate(fd int, size int64) (err error) {
	monitor.RecordOp("ftruncate")
	defer recordError("ftruncate", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil || h.isDir() {
		return newError(EBADF, "ftruncate", "")
	}
	w := fs.watch(h.path)
	h.file.Sync()
	if h.file.Truncate(size) != nil {
		return newError(EBADF, "ftruncate", h.path)
	}
	fs.touchMtime(h.path)
	w.Commit()
	fs.emitChange(h.path)
	fs.emitEvent("ftruncateSync", fd, size)
	return nil
}

// Futimes sets atime and mtime (ms since the epoch) through a
// descriptor.
func (fs *FileSystem) Futimes(fd int, atime, mtime float64) (err error) {
	monitor.RecordOp("futimes")
	defer recordError("futimes", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil {
		return newError(EBADF, "futimes", "")
	}
	w := fs.watch(h.path)
	fs.patchAttr(h.path, func(a *storage.Attr) {
		a.Atime = atime
		a.Mtime = mtime
	})
	w.Commit()
	fs.emitChange(h.path)
	fs.emitEvent("futimesSync", fd, atime, mtime)
	return nil
}

// Fsync flushes a file descriptor.
func (fs *FileSystem) Fsync(fd int) (err error) {
	monitor.RecordOp("fsync")
	defer recordError("fsync", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil || h.isDir() {
		return newError(EBADF, "fsync", "")
	}
	w := fs.watch(h.path)
	if h.file.Sync() != nil {
		return newError(EBADF, "fsync", h.path)
	}
	w.Commit()
	fs.emitEvent("fsyncSync", fd)
	return nil
}

// Fdatasync is Fsync; there is no separate metadata journal.
func (fs *FileSystem) Fdatasync(fd int) (err error) {
	monitor.RecordOp("fdatasync")
	defer recordError("fdatasync", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil || h.isDir() {
		return newError(EBADF, "fdatasync", "")
	}
	w := fs.watch(h.path)
	if h.file.Sync() != nil {
		return newError(EBADF, "fdatasync", h.path)
	}
	w.Commit()
	fs.emitEvent("fdatasyncSync", fd)
	return nil
}

// Freaddir returns the next entry of an open directory, or nil at the
// end. The enumerator never goes backwards, even when entries are
// removed mid-iteration.
func (fs *FileSystem) Freaddir(fd int) (ent *Dirent, err error) {
	monitor.RecordOp("freaddir")
	defer recordError("freaddir", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	h := fs.handles.LookUpFd(fd)
	if h == nil || !h.isDir() {
		return nil, newError(EBADF, "freaddir", "")
	}

	w := fs.watch(h.path)
	name, ok := h.dir.Read()
	if !ok {
		return nil, nil
	}
	tell := h.dir.Tell()
	if tell <= h.told {
		return nil, nil
	}
	h.told = tell

	fs.touchAtime(h.path)
	ent = fs.direntFor(h.path, name)
	w.Commit()
	fs.emitEvent("freaddirSync", fd)
	return ent, nil
}

// direntFor builds the Dirent for child name under dir.
func (fs *FileSystem) direntFor(dir, name string) *Dirent {
	full := dir + "/" + name
	if dir == "/" {
		full = "/" + name
	}
	return &Dirent{
		Name:    name,
		Path:    pathDirname(full),
		File:    fs.isFile(full),
		Symlink: fs.isSymlink(full),
	}
}

// recordError feeds the failure counter when *err is a facade error.
func recordError(op string, err *error) {
	if *err == nil {
		return
	}
	code := ErrorCode(*err)
	if code == "" {
		code = "other"
	}
	monitor.RecordOpError(op, code)
}
