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
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sabfs/sabfs/internal/monitor"
	"github.com/sabfs/sabfs/storage"
)

// ErrUnsupportedEncoding is returned for encodings other than
// utf8/utf-8/buffer.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

func isValidUTF8(data []byte) bool {
	return utf8.Valid(data)
}

// checkEncoding canonicalizes an encoding option. Empty means utf8.
func checkEncoding(enc string) (string, error) {
	if enc == "" {
		return "utf8", nil
	}
	enc = strings.ToLower(enc)
	switch enc {
	case "utf8", "utf-8":
		return "utf8", nil
	case "buffer":
		return "buffer", nil
	default:
		return "", ErrUnsupportedEncoding
	}
}

type WriteFileOptions struct {
	// utf8 (default) or buffer.
	Encoding string
	// Permission bits for a created file. Zero or negative means the
	// default.
	Mode int
	// Open mode, "w" by default ("a" for AppendFile).
	Flag string
}

type MkdirOptions struct {
	Recursive bool
	// Permission bits. Zero or negative means the default.
	Mode int
}

type RmOptions struct {
	Recursive bool
	Force     bool
}

////////////////////////////////////////////////////////////////////////
// Existence and listing
////////////////////////////////////////////////////////////////////////

// Exists reports whether path resolves to a live entry.
func (fs *FileSystem) Exists(path string) bool {
	monitor.RecordOp("exists")

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	ok := fs.existsLocked(path)
	w.Commit()
	fs.emitEvent("existsSync", path)
	return ok
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) existsLocked(path string) bool {
	p, err := fs.resolve(path)
	return err == nil && fs.existsNoFollow(p)
}

// Readdir lists a directory. The returned entries always carry file
// types; names-only callers read .Name. "." and ".." are never
// reported.
func (fs *FileSystem) Readdir(path string, withFileTypes bool) (ents []Dirent, err error) {
	monitor.RecordOp("readdir")
	defer recordError("readdir", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if !fs.existsNoFollow(p) {
		return nil, newError(ENOENT, "readdir", path)
	}
	if !fs.isDirectory(p) {
		return nil, newError(ENOTDIR, "readdir", path)
	}

	names, err := fs.listLocked(p)
	if err != nil {
		return nil, err
	}
	ents = make([]Dirent, 0, len(names))
	for _, name := range names {
		ents = append(ents, *fs.direntFor(p, name))
	}
	fs.touchAtime(p)

	w.Commit()
	if withFileTypes {
		fs.emitEvent("readdirSync", path, withFileTypes)
	} else {
		fs.emitEvent("readdirSync", path)
	}
	return ents, nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) listLocked(path string) ([]string, error) {
	d, err := fs.disk.DirOpen(path)
	if err != nil {
		return nil, newError(ENOENT, "readdir", path)
	}
	defer d.Close()

	var names []string
	for {
		name, ok := d.Read()
		if !ok {
			return names, nil
		}
		names = append(names, name)
	}
}

////////////////////////////////////////////////////////////////////////
// Directory creation
////////////////////////////////////////////////////////////////////////

// Mkdir creates a directory, and with Recursive every missing
// ancestor. It returns the deepest path created, or "" when nothing
// was (the recursive form is idempotent on existing directories).
func (fs *FileSystem) Mkdir(path string, opts *MkdirOptions) (created string, err error) {
	monitor.RecordOp("mkdir")
	defer recordError("mkdir", &err)

	if opts == nil {
		opts = &MkdirOptions{}
	}

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	norm := normalizePath(path)

	if fs.existsLocked(norm) {
		resolved, _ := fs.resolve(norm)
		if fs.isFile(resolved) {
			return "", newError(EEXIST, "mkdir", path)
		}
		// Creating an existing directory is a no-op.
		w.Commit()
		fs.emitRename(path)
		fs.emitEvent("mkdirSync", path, opts.Recursive, opts.Mode)
		return "", nil
	}

	if opts.Recursive {
		for _, p := range pathAncestry(norm) {
			if fs.existsLocked(p) {
				resolved, _ := fs.resolve(p)
				if fs.isFile(resolved) {
					return "", newError(ENOTDIR, "mkdir", path)
				}
				continue
			}
			created, err = fs.mkdirOneLocked(p, opts.Mode)
			if err != nil {
				return "", err
			}
		}
	} else {
		created, err = fs.mkdirOneLocked(norm, opts.Mode)
		if err != nil {
			return "", err
		}
	}

	w.Commit()
	fs.emitRename(path)
	fs.emitEvent("mkdirSync", path, opts.Recursive, opts.Mode)
	return created, nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) mkdirOneLocked(path string, mode int) (string, error) {
	p, err := fs.followLink(path)
	if err != nil {
		return "", err
	}

	parent := pathDirname(p)
	pa, err := fs.disk.AttrQuery(parent)
	if err != nil {
		return "", newError(ENOENT, "mkdir", path)
	}
	if pa.Mode&(S_IWUSR|S_IWGRP|S_IWOTH) == 0 {
		return "", newError(EACCES, "mkdir", path)
	}

	switch err := fs.disk.Mkdir(p); {
	case errors.Is(err, storage.ErrExist):
		return "", newError(EEXIST, "mkdir", p)
	case errors.Is(err, storage.ErrNoEnt):
		return "", newError(ENOENT, "mkdir", p)
	case err != nil:
		return "", newError(EFAULT, "mkdir", p)
	}

	perm := fs.dirPerms
	if mode > 0 {
		perm = sanitizePerms(uint32(mode))
	}
	now := fs.nowMs()
	fs.disk.AttrPatch(p, storage.Attr{
		Ino:       uint32(fs.handles.RequestIno()),
		Mode:      S_IFDIR | perm,
		Nlink:     1,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Birthtime: now,
	})
	return p, nil
}

// Mkdtemp creates a uniquely named directory starting with prefix and
// returns its path.
func (fs *FileSystem) Mkdtemp(prefix string) (path string, err error) {
	monitor.RecordOp("mkdtemp")
	defer recordError("mkdtemp", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	path = normalizePath(prefix + tempSuffix(fs.nowMs()))
	w := fs.watch(path)
	if _, err = fs.mkdirOneLocked(path, 0); err != nil {
		return "", err
	}

	w.Commit()
	fs.emitRename(path)
	fs.emitEvent("mkdtempSync", prefix, path)
	return path, nil
}

// tempSuffix derives six base64url characters from the low bits of the
// current time.
func tempSuffix(nowMs float64) string {
	bits := uint64(math.Floor(nowMs))
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	var out [6]byte
	for i := range out {
		out[i] = chars[(bits>>(6*i))&0x3F]
	}
	return string(out[:])
}

////////////////////////////////////////////////////////////////////////
// Whole-file I/O
////////////////////////////////////////////////////////////////////////

// WriteFile replaces (or creates) path with data.
func (fs *FileSystem) WriteFile(path string, data []byte, opts *WriteFileOptions) (err error) {
	monitor.RecordOp("writeFile")
	defer recordError("writeFile", &err)

	if opts == nil {
		opts = &WriteFileOptions{}
	}
	if _, err = checkEncoding(opts.Encoding); err != nil {
		return err
	}
	flag := opts.Flag
	if flag == "" {
		flag = "w"
	}

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err = fs.writeFileLocked(p, data, flag, opts.Mode, "write"); err != nil {
		return err
	}

	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("writeFileSync", path)
	return nil
}

// AppendFile appends data to path, creating it when missing.
func (fs *FileSystem) AppendFile(path string, data []byte, opts *WriteFileOptions) (err error) {
	monitor.RecordOp("appendFile")
	defer recordError("appendFile", &err)

	if opts == nil {
		opts = &WriteFileOptions{}
	}
	if _, err = checkEncoding(opts.Encoding); err != nil {
		return err
	}
	flag := opts.Flag
	if flag == "" {
		flag = "a"
	}

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err = fs.writeFileLocked(p, data, flag, opts.Mode, "appendFile"); err != nil {
		return err
	}

	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("appendFileSync", path)
	return nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) writeFileLocked(path string, data []byte, flag string, mode int, syscall string) error {
	if fs.isDirectory(path) {
		return newError(EISDIR, syscall, path)
	}
	existed := fs.existsNoFollow(path)

	f, err := fs.disk.FileOpen(path, storage.ParseFlags(flag))
	if err != nil {
		if errors.Is(err, storage.ErrExist) {
			return newError(EEXIST, syscall, path)
		}
		return newError(ENOENT, syscall, path)
	}
	defer f.Close()

	if !existed {
		perm := fs.filePerms
		if mode > 0 {
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
	}

	if _, err = f.Write(data); err != nil {
		return newError(EFAULT, syscall, path)
	}
	fs.touchMtime(path)
	return f.Sync()
}

// ReadFile slurps path. With utf8 encoding (the default) valid UTF-8
// comes back decoded as text, anything else as raw bytes; buffer
// always returns bytes.
func (fs *FileSystem) ReadFile(path, encoding string) (content FileContent, err error) {
	monitor.RecordOp("readFile")
	defer recordError("readFile", &err)

	enc, err := checkEncoding(encoding)
	if err != nil {
		return FileContent{}, err
	}

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	p, err := fs.resolve(path)
	if err != nil {
		return FileContent{}, err
	}
	if !fs.existsNoFollow(p) {
		return FileContent{}, newError(ENOENT, "open", path)
	}
	if fs.isDirectory(p) {
		return FileContent{}, newError(EISDIR, "read", path)
	}

	w := fs.watch(path)
	data, rerr := fs.readAllNoFollow(p)
	if rerr != nil {
		return FileContent{}, newError(EFAULT, "read", path)
	}
	fs.touchAtime(p)
	w.Commit()
	fs.emitEvent("readFileSync", path)

	if enc == "utf8" && isValidUTF8(data) {
		return FileContent{Text: string(data), IsText: true}, nil
	}
	return FileContent{Data: data}, nil
}

////////////////////////////////////////////////////////////////////////
// Metadata
////////////////////////////////////////////////////////////////////////

// Statfs describes the mounted region. With dump, JSON carries the
// whole tree under path.
func (fs *FileSystem) Statfs(path string, dump bool) (st StatFS, err error) {
	monitor.RecordOp("statfs")
	defer recordError("statfs", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	sv := fs.disk.Statvfs()
	st = StatFS{
		Bsize:  sv.Bsize,
		Blocks: sv.Blocks,
		Bfree:  sv.Bfree,
		Bavail: sv.Bavail,
		Files:  sv.Files,
		Ffree:  sv.Ffree,
		Dirs:   sv.Dirs,
		JSON:   "{}",
	}

	if dump {
		p, rerr := fs.resolve(path)
		if rerr != nil {
			return st, rerr
		}
		node, derr := fs.dumpNodeLocked(p)
		if derr != nil {
			return st, derr
		}
		b, merr := json.Marshal(node)
		if merr != nil {
			return st, merr
		}
		st.JSON = string(b)
	}

	fs.emitEvent("statfsSync", path, dump)
	return st, nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) dumpNodeLocked(path string) (*DumpNode, error) {
	a, err := fs.disk.AttrQuery(path)
	if err != nil {
		return nil, newError(ENOENT, "statfs", path)
	}
	node := &DumpNode{
		Path:      path,
		Ino:       a.Ino,
		Mode:      a.Mode,
		UID:       a.UID,
		GID:       a.GID,
		Birthtime: a.Birthtime,
		Atime:     a.Atime,
		Mtime:     a.Mtime,
		Ctime:     a.Ctime,
		Link:      a.Link,
		Nlink:     a.Nlink,
		Symlink:   a.Symlink,
		Size:      a.Size,
	}

	if fs.isDirectory(path) {
		names, err := fs.listLocked(path)
		if err != nil {
			return nil, err
		}
		children := make([]*DumpNode, 0, len(names))
		for _, name := range names {
			full := path + "/" + name
			if path == "/" {
				full = "/" + name
			}
			child, err := fs.dumpNodeLocked(full)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		node.Content = children
	} else {
		data, err := fs.readAllNoFollow(path)
		if err != nil {
			return nil, newError(EFAULT, "statfs", path)
		}
		node.Content = data
	}
	return node, nil
}

// Chmod changes permission bits, following links.
func (fs *FileSystem) Chmod(path string, mode uint32) (err error) {
	monitor.RecordOp("chmod")
	defer recordError("chmod", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	fs.chmodLocked(p, mode)
	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("chmodSync", path, mode)
	return nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) chmodLocked(path string, mode uint32) {
	perm := sanitizePerms(mode)
	fs.patchAttr(path, func(a *storage.Attr) {
		typ := a.Mode & S_IFMT
		if typ == 0 {
			if fs.isDirectory(path) {
				typ = S_IFDIR
			} else {
				typ = S_IFREG
			}
		}
		a.Mode = typ | perm
	})
	fs.touchCtime(path)
}

// Chown changes ownership, following links.
func (fs *FileSystem) Chown(path string, uid, gid int) (err error) {
	monitor.RecordOp("chown")
	defer recordError("chown", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	fs.chownLocked(p, uid, gid)
	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("chownSync", path, uid, gid)
	return nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) chownLocked(path string, uid, gid int) {
	fs.patchAttr(path, func(a *storage.Attr) {
		a.UID = int32(uid)
		a.GID = int32(gid)
	})
	fs.touchCtime(path)
}

// Truncate sets a file's length by path.
func (fs *FileSystem) Truncate(path string, size int64) (err error) {
	monitor.RecordOp("truncate")
	defer recordError("truncate", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if fs.isDirectory(p) {
		return newError(EISDIR, "truncate", path)
	}
	f, oerr := fs.disk.FileOpen(p, storage.O_RDWR)
	if oerr != nil {
		return newError(ENOENT, "truncate", path)
	}
	defer f.Close()

	f.Sync()
	if f.Truncate(size) != nil {
		return newError(EFAULT, "truncate", path)
	}
	fs.touchMtime(p)

	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("truncateSync", path, size)
	return nil
}

// Utimes sets access and modification times, in seconds since the
// epoch.
func (fs *FileSystem) Utimes(path string, atime, mtime float64) (err error) {
	monitor.RecordOp("utimes")
	defer recordError("utimes", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if !fs.existsNoFollow(p) {
		return newError(ENOENT, "utimes", path)
	}
	fs.patchAttr(p, func(a *storage.Attr) {
		a.Atime = atime * 1000
		a.Mtime = mtime * 1000
	})

	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("utimesSync", path, atime, mtime)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Removal
////////////////////////////////////////////////////////////////////////

// Unlink removes a file and every hardlink alias recorded for it.
func (fs *FileSystem) Unlink(path string) (err error) {
	monitor.RecordOp("unlink")
	defer recordError("unlink", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	if err = fs.unlinkLocked(path, false, "unlink"); err != nil {
		return err
	}
	w.Commit()
	fs.emitRename(path)
	fs.emitEvent("unlinkSync", path)
	return nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) unlinkLocked(path string, force bool, syscall string) error {
	p, err := fs.followLink(path)
	if err != nil {
		return err
	}
	if fs.isDirectory(p) {
		return newError(EISDIR, syscall, p)
	}
	if !fs.existsNoFollow(p) {
		return newError(ENOENT, syscall, p)
	}
	if !force && fs.isOpen(p) {
		return newError(EBUSY, syscall, p)
	}
	return fs.removeGroupLocked(p, syscall)
}

// removeGroupLocked removes p plus every hardlink alias in its group,
// recycling inode numbers on the way out.
//
// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) removeGroupLocked(p, syscall string) error {
	group := fs.linkGroup(p)

	// The principal goes first so structural errors surface before any
	// alias disappears.
	for _, member := range group {
		a, aerr := fs.disk.AttrQuery(member)
		switch err := fs.disk.Remove(member); {
		case errors.Is(err, storage.ErrNotEmpty):
			if member == p {
				return newError(ENOTEMPTY, syscall, p)
			}
		case errors.Is(err, storage.ErrNoEnt):
			// Already gone; nothing to recycle.
		case err != nil:
			if member == p {
				return newError(EFAULT, syscall, p)
			}
		default:
			if aerr == nil {
				fs.handles.ReturnIno(int(a.Ino))
			}
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, member := range group {
		delete(fs.hardLinks, member)
	}
	return nil
}

// linkGroup returns p plus the rest of its hardlink group, p first.
func (fs *FileSystem) linkGroup(p string) []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if aliases, ok := fs.hardLinks[p]; ok {
		return append([]string{p}, aliases...)
	}
	for target, aliases := range fs.hardLinks {
		for _, alias := range aliases {
			if alias != p {
				continue
			}
			group := []string{p, target}
			for _, other := range aliases {
				if other != p {
					group = append(group, other)
				}
			}
			return group
		}
	}
	return []string{p}
}

// Rmdir removes an empty directory (and its hardlink aliases).
func (fs *FileSystem) Rmdir(path string) (err error) {
	monitor.RecordOp("rmdir")
	defer recordError("rmdir", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	if err = fs.rmdirLocked(path, false); err != nil {
		return err
	}
	w.Commit()
	fs.emitRename(path)
	fs.emitEvent("rmdirSync", path)
	return nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) rmdirLocked(path string, force bool) error {
	p, err := fs.followLink(path)
	if err != nil {
		return err
	}
	if fs.isFile(p) {
		return newError(ENOTDIR, "rmdir", p)
	}
	if !fs.existsNoFollow(p) {
		return newError(ENOENT, "rmdir", p)
	}
	if !force && fs.isOpen(p) {
		return newError(EBUSY, "rmdir", p)
	}
	return fs.removeGroupLocked(p, "rmdir")
}

// Rm removes path; with Recursive whole trees, with Force ignoring
// missing paths and open handles.
func (fs *FileSystem) Rm(path string, opts *RmOptions) (err error) {
	monitor.RecordOp("rm")
	defer recordError("rm", &err)

	if opts == nil {
		opts = &RmOptions{}
	}

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	if err = fs.rmLocked(path, opts.Recursive, opts.Force); err != nil {
		return err
	}
	w.Commit()
	fs.emitRename(path)
	fs.emitEvent("rmSync", path, opts.Recursive, opts.Force)
	return nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) rmLocked(path string, recursive, force bool) error {
	p, err := fs.followLink(path)
	if err != nil {
		return err
	}
	if fs.isFile(p) {
		return fs.unlinkLocked(p, force, "rm")
	}
	if !fs.existsNoFollow(p) {
		if force {
			return nil
		}
		return newError(ENOENT, "rm", p)
	}
	if !force && fs.isOpen(p) {
		return newError(EBUSY, "rm", p)
	}
	if !recursive {
		return fs.rmdirLocked(p, force)
	}

	names, err := fs.listLocked(p)
	if err != nil {
		return err
	}
	for _, name := range names {
		child := p + "/" + name
		if p == "/" {
			child = "/" + name
		}
		if err := fs.rmLocked(child, true, force); err != nil {
			return err
		}
	}
	return fs.rmdirLocked(p, force)
}

////////////////////////////////////////////////////////////////////////
// Rename and copy
////////////////////////////////////////////////////////////////////////

// Rename moves oldPath to newPath. Neither endpoint may be open;
// directories move with all their descendants.
func (fs *FileSystem) Rename(oldPath, newPath string) (err error) {
	monitor.RecordOp("rename")
	defer recordError("rename", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	wOld := fs.watch(oldPath)
	wNew := fs.watch(newPath)

	o := normalizePath(oldPath)
	n := normalizePath(newPath)
	if fs.isOpen(o) || fs.isOpen(n) {
		return newError(EBUSY, "rename", o)
	}

	switch err := fs.disk.Rename(o, n); {
	case errors.Is(err, storage.ErrNoEnt):
		return newError(ENOENT, "rename", o)
	case errors.Is(err, storage.ErrExist):
		return newError(EEXIST, "rename", n)
	case err != nil:
		return newError(EFAULT, "rename", o)
	}
	fs.touchCtime(n)

	wOld.Commit()
	wNew.Commit()
	fs.emitRename(oldPath)
	fs.emitRename(newPath)
	fs.emitEvent("renameSync", oldPath, newPath)
	return nil
}

// CopyFile copies src's content to dest. With COPYFILE_EXCL in mode an
// existing destination fails.
func (fs *FileSystem) CopyFile(src, dest string, mode int) (err error) {
	monitor.RecordOp("copyFile")
	defer recordError("copyFile", &err)

	excl := mode&COPYFILE_EXCL != 0

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	wSrc := fs.watch(src)
	wDest := fs.watch(dest)

	s, err := fs.resolve(src)
	if err != nil {
		return err
	}
	d, err := fs.resolve(dest)
	if err != nil {
		return err
	}
	if fs.isOpen(s) {
		return newError(EBUSY, "copyFile", s)
	}
	if fs.isOpen(d) {
		return newError(EBUSY, "copyFile", d)
	}
	if excl && fs.existsNoFollow(d) {
		return newError(EEXIST, "copyFile", d)
	}
	if !fs.existsNoFollow(s) {
		return newError(ENOENT, "copyFile", s)
	}
	if fs.isDirectory(s) {
		return newError(EISDIR, "copyFile", s)
	}

	data, rerr := fs.readAllNoFollow(s)
	if rerr != nil {
		return newError(EFAULT, "copyFile", s)
	}
	if err = fs.writeFileLocked(d, data, "w", 0, "copyFile"); err != nil {
		return err
	}

	wSrc.Commit()
	wDest.Commit()
	fs.emitChange(src)
	fs.emitRename(dest)
	fs.emitEvent("copyFileSync", src, dest)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Access, paths, and links
////////////////////////////////////////////////////////////////////////

// Access checks the owner permission bits of path against the
// requested F/R/W/X mask.
func (fs *FileSystem) Access(path string, mode int) (err error) {
	monitor.RecordOp("access")
	defer recordError("access", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	p, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if !fs.existsNoFollow(p) {
		return newError(ENOENT, "access", p)
	}
	a, aerr := fs.disk.AttrQuery(p)
	if aerr != nil {
		return newError(EFAULT, "access", p)
	}

	computed := F_OK
	if a.Mode&0o400 != 0 {
		computed |= R_OK
	}
	if a.Mode&0o200 != 0 {
		computed |= W_OK
	}
	if a.Mode&0o100 != 0 {
		computed |= X_OK
	}
	if computed&mode != mode {
		return newError(EACCES, "access", p)
	}

	fs.emitEvent("accessSync", path, mode)
	return nil
}

// Realpath fully resolves hardlinks and symlinks.
func (fs *FileSystem) Realpath(path string) (resolved string, err error) {
	monitor.RecordOp("realpath")
	defer recordError("realpath", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	resolved, err = fs.resolve(path)
	if err != nil {
		return "", err
	}
	fs.emitEvent("realpathSync", path)
	return resolved, nil
}

// Readlink returns a symlink's stored target. "/proc/self/fd/<fd>"
// resolves synthetically to the open handle's path.
func (fs *FileSystem) Readlink(path string) (target string, err error) {
	monitor.RecordOp("readlink")
	defer recordError("readlink", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	target, err = fs.readlinkLocked(path)
	if err != nil {
		return "", err
	}
	fs.emitEvent("readlinkSync", path)
	return target, nil
}

// LOCKS_REQUIRED(fs.diskLock)
func (fs *FileSystem) readlinkLocked(path string) (string, error) {
	if rest, ok := strings.CutPrefix(path, "/proc/self/fd/"); ok {
		fd, perr := strconv.Atoi(rest)
		if perr != nil {
			fd = 0
		}
		h := fs.handles.LookUpFd(fd)
		if h == nil {
			return "", newError(EBADF, "readlink", path)
		}
		return h.path, nil
	}

	p, err := fs.followLink(path)
	if err != nil {
		return "", err
	}
	if !fs.isSymlink(p) {
		return "", newError(EINVAL, "readlink", path)
	}
	content, rerr := fs.readAllNoFollow(p)
	if rerr != nil {
		return "", newError(EFAULT, "readlink", path)
	}
	return string(content), nil
}

// Link creates a hardlink alias of existing at path. Aliases are
// transparent: stats and reads route to the target, and removal of any
// end removes the whole group.
func (fs *FileSystem) Link(existing, path string) (err error) {
	monitor.RecordOp("link")
	defer recordError("link", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	wPath := fs.watch(path)
	wExisting := fs.watch(existing)

	o := normalizePath(existing)
	n := normalizePath(path)
	if !fs.existsLocked(o) {
		return newError(ENOENT, "link", o)
	}
	if fs.existsLocked(n) {
		return newError(EEXIST, "link", n)
	}

	if err = fs.writeFileLocked(n, []byte(o), "w", 0, "link"); err != nil {
		return err
	}

	oa, aerr := fs.disk.AttrQuery(o)
	if aerr != nil {
		return newError(EFAULT, "link", o)
	}

	// Aliases mirror the target's attributes; the link flag alone marks
	// them internal.
	fs.patchAttr(n, func(a *storage.Attr) {
		a.Link = true
		a.Nlink = 1
		a.Symlink = oa.Symlink
		a.Mode = oa.Mode
		a.UID = oa.UID
		a.GID = oa.GID
		a.Atime = oa.Atime
		a.Mtime = oa.Mtime
		a.Ctime = oa.Ctime
		a.Birthtime = oa.Birthtime
	})
	fs.patchAttr(o, func(a *storage.Attr) {
		a.Nlink++
	})

	fs.mu.Lock()
	fs.hardLinks[o] = append(fs.hardLinks[o], n)
	fs.mu.Unlock()

	wPath.Commit()
	wExisting.Commit()
	fs.emitRename(path)
	fs.emitChange(existing)
	fs.emitEvent("linkSync", existing, path)
	return nil
}

// Symlink creates a user-visible symbolic link at path pointing to
// target.
func (fs *FileSystem) Symlink(target, path string) (err error) {
	monitor.RecordOp("symlink")
	defer recordError("symlink", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	wPath := fs.watch(path)
	wTarget := fs.watch(target)

	o := normalizePath(target)
	n := normalizePath(path)
	if !fs.existsLocked(o) {
		return newError(ENOENT, "link", o)
	}
	if fs.existsLocked(n) {
		return newError(EEXIST, "link", n)
	}

	if err = fs.writeFileLocked(n, []byte(o), "w", 0, "link"); err != nil {
		return err
	}

	perm := fs.filePerms
	if fs.isDirectory(o) {
		perm = fs.dirPerms
	}
	now := fs.nowMs()
	fs.patchAttr(n, func(a *storage.Attr) {
		a.Link = false
		a.Symlink = true
		a.Nlink = 1
		a.Mode = S_IFLNK | perm
		a.UID = 0
		a.GID = 0
		a.Atime = now
		a.Mtime = now
		a.Ctime = now
		a.Birthtime = now
	})
	fs.patchAttr(o, func(a *storage.Attr) {
		a.Nlink++
	})

	wPath.Commit()
	wTarget.Commit()
	fs.emitRename(path)
	fs.emitChange(target)
	fs.emitEvent("symlinkSync", target, path)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Stat family
////////////////////////////////////////////////////////////////////////

// Stat returns stats for path, following links. With throwIfNoEntry
// false a missing path returns (nil, nil).
func (fs *FileSystem) Stat(path string, throwIfNoEntry bool) (s *Stats, err error) {
	monitor.RecordOp("stat")
	defer recordError("stat", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	p, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if !fs.existsNoFollow(p) {
		if throwIfNoEntry {
			return nil, newError(ENOENT, "stat", path)
		}
		return nil, nil
	}
	s, serr := fs.statsFor(p)
	if serr != nil {
		return nil, newError(EFAULT, "stat", path)
	}
	fs.touchAtime(p)
	fs.emitEvent("statSync", path)
	return s, nil
}

// Lstat is Stat without following user-visible symlinks, so the link
// itself is described.
func (fs *FileSystem) Lstat(path string, throwIfNoEntry bool) (s *Stats, err error) {
	monitor.RecordOp("lstat")
	defer recordError("lstat", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	p, err := fs.followLink(path)
	if err != nil {
		return nil, err
	}
	if !fs.existsNoFollow(p) {
		if throwIfNoEntry {
			return nil, newError(ENOENT, "lstat", path)
		}
		return nil, nil
	}
	s, serr := fs.statsFor(p)
	if serr != nil {
		return nil, newError(EFAULT, "lstat", path)
	}
	fs.touchAtime(p)
	fs.emitEvent("lstatSync", path)
	return s, nil
}

// Lchmod is Chmod on the link itself.
func (fs *FileSystem) Lchmod(path string, mode uint32) (err error) {
	monitor.RecordOp("lchmod")
	defer recordError("lchmod", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.followLink(path)
	if err != nil {
		return err
	}
	fs.chmodLocked(p, mode)
	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("lchmodSync", path, mode)
	return nil
}

// Lchown is Chown on the link itself.
func (fs *FileSystem) Lchown(path string, uid, gid int) (err error) {
	monitor.RecordOp("lchown")
	defer recordError("lchown", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.followLink(path)
	if err != nil {
		return err
	}
	fs.chownLocked(p, uid, gid)
	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("lchownSync", path, uid, gid)
	return nil
}

// Lutimes is Utimes on the link itself.
func (fs *FileSystem) Lutimes(path string, atime, mtime float64) (err error) {
	monitor.RecordOp("lutimes")
	defer recordError("lutimes", &err)

	g := fs.locks.NewGuard(fs.diskLock)
	defer g.Release()

	w := fs.watch(path)
	p, err := fs.followLink(path)
	if err != nil {
		return err
	}
	if !fs.existsNoFollow(p) {
		return newError(ENOENT, "lutimes", p)
	}
	fs.patchAttr(p, func(a *storage.Attr) {
		a.Atime = atime * 1000
		a.Mtime = mtime * 1000
	})
	w.Commit()
	fs.emitChange(path)
	fs.emitEvent("lutimesSync", path, atime, mtime)
	return nil
}
