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

package storage

import "fmt"

// File is an open regular file. The cursor lives on the handle; the
// content chain lives in the region. Handles are not safe for
// concurrent use — the facade serializes them behind its disk lock.
type File struct {
	d      *Disk
	path   string
	rec    int
	pos    int64
	flags  int
	closed bool
}

// FileOpen opens path with the given flag bits. With O_CREAT a missing
// path is created under an existing parent directory; O_EXCL turns an
// existing path into ErrExist; O_TRUNC discards existing content.
func (d *Disk) FileOpen(path string, flags int) (*File, error) {
	d.lock()
	defer d.unlock()

	i := d.findRecord(path)
	switch {
	case i >= 0 && flags&O_EXCL != 0:
		return nil, ErrExist
	case i >= 0 && d.recordType(i) != TypeReg:
		return nil, ErrIO
	case i < 0 && flags&O_CREAT == 0:
		return nil, ErrNoEnt
	case i < 0:
		parent := d.findRecord(parentPath(path))
		if parent < 0 || d.recordType(parent) != TypeDir {
			return nil, ErrNoEnt
		}
		var err error
		i, err = d.allocRecord(path, TypeReg)
		if err != nil {
			return nil, err
		}
	}

	f := &File{d: d, path: path, rec: i, flags: flags}
	if flags&O_TRUNC != 0 {
		f.truncateLocked(0)
	}
	if flags&O_APPEND != 0 {
		f.pos = int64(d.recordSize(i))
	}
	return f, nil
}

// Read fills buf from the current cursor, advancing it. Returns 0 at
// end of file.
func (f *File) Read(buf []byte) (int, error) {
	f.d.lock()
	defer f.d.unlock()

	if f.closed {
		return 0, ErrIO
	}
	size := int64(f.d.recordSize(f.rec))
	if f.pos >= size {
		return 0, nil
	}
	n := int64(len(buf))
	if f.pos+n > size {
		n = size - f.pos
	}

	payload := int64(f.d.payloadSize())
	read := int64(0)
	b := f.d.recordFirst(f.rec)
	skip := f.pos
	for b >= 0 && skip >= payload {
		skip -= payload
		b = f.d.blockNext(b)
	}
	for b >= 0 && read < n {
		data := f.d.blockBytes(b)[blockHeaderSize:]
		chunk := data[skip:]
		skip = 0
		c := int64(len(chunk))
		if c > n-read {
			c = n - read
		}
		copy(buf[read:], chunk[:c])
		read += c
		b = f.d.blockNext(b)
	}

	f.pos += read
	return int(read), nil
}

// Write stores buf at the current cursor, extending the chain as
// needed. With O_APPEND the cursor first moves to end of file.
func (f *File) Write(buf []byte) (int, error) {
	f.d.lock()
	defer f.d.unlock()

	if f.closed {
		return 0, ErrIO
	}
	if f.flags&O_APPEND != 0 {
		f.pos = int64(f.d.recordSize(f.rec))
	}

	end := f.pos + int64(len(buf))
	if err := f.ensureCapacity(end); err != nil {
		return 0, err
	}

	payload := int64(f.d.payloadSize())
	b := f.d.recordFirst(f.rec)
	skip := f.pos
	for skip >= payload {
		skip -= payload
		b = f.d.blockNext(b)
	}
	written := int64(0)
	for b >= 0 && written < int64(len(buf)) {
		data := f.d.blockBytes(b)[blockHeaderSize:]
		chunk := data[skip:]
		skip = 0
		c := int64(len(chunk))
		if c > int64(len(buf))-written {
			c = int64(len(buf)) - written
		}
		copy(chunk, buf[written:written+c])
		written += c
		b = f.d.blockNext(b)
	}

	f.pos = end
	if end > int64(f.d.recordSize(f.rec)) {
		f.d.setRecordSize(f.rec, uint64(end))
	}
	return int(written), nil
}

// ensureCapacity grows the content chain to cover at least size bytes.
//
// LOCKS_REQUIRED(f.d lock callbacks held)
func (f *File) ensureCapacity(size int64) error {
	payload := int64(f.d.payloadSize())
	need := (size + payload - 1) / payload

	b := f.d.recordFirst(f.rec)
	if need > 0 && b < 0 {
		nb, err := f.d.allocBlock()
		if err != nil {
			return err
		}
		f.d.setRecordFirst(f.rec, nb)
		b = nb
		need--
	} else if b >= 0 {
		need--
	}
	for need > 0 {
		next := f.d.blockNext(b)
		if next < 0 {
			nb, err := f.d.allocBlock()
			if err != nil {
				return err
			}
			f.d.setBlockNext(b, nb)
			next = nb
		}
		b = next
		need--
	}
	return nil
}

// Seek repositions the cursor and returns its new value.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.d.lock()
	defer f.d.unlock()

	if f.closed {
		return 0, ErrIO
	}
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.pos
	case SeekEnd:
		base = int64(f.d.recordSize(f.rec))
	default:
		return 0, fmt.Errorf("%w: bad whence %d", ErrIO, whence)
	}
	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("%w: negative seek", ErrIO)
	}
	f.pos = pos
	return pos, nil
}

// Tell returns the current cursor.
func (f *File) Tell() int64 {
	return f.pos
}

// Truncate sets the content length, freeing or zero-extending blocks.
func (f *File) Truncate(size int64) error {
	f.d.lock()
	defer f.d.unlock()

	if f.closed {
		return ErrIO
	}
	return f.truncateLocked(size)
}

// LOCKS_REQUIRED(f.d lock callbacks held)
func (f *File) truncateLocked(size int64) error {
	cur := int64(f.d.recordSize(f.rec))
	switch {
	case size == cur:
		return nil
	case size > cur:
		if err := f.ensureCapacity(size); err != nil {
			return err
		}
		// Zero the gap so extended reads see zeros, not stale block
		// contents.
		payload := int64(f.d.payloadSize())
		b := f.d.recordFirst(f.rec)
		skip := cur
		for b >= 0 && skip >= payload {
			skip -= payload
			b = f.d.blockNext(b)
		}
		togo := size - cur
		for b >= 0 && togo > 0 {
			data := f.d.blockBytes(b)[blockHeaderSize:]
			chunk := data[skip:]
			skip = 0
			c := int64(len(chunk))
			if c > togo {
				c = togo
			}
			clear(chunk[:c])
			togo -= c
			b = f.d.blockNext(b)
		}
	default:
		payload := int64(f.d.payloadSize())
		keep := (size + payload - 1) / payload
		if keep == 0 {
			if first := f.d.recordFirst(f.rec); first >= 0 {
				f.d.freeChain(first)
			}
			f.d.setRecordFirst(f.rec, -1)
		} else {
			b := f.d.recordFirst(f.rec)
			for i := int64(1); i < keep; i++ {
				b = f.d.blockNext(b)
			}
			if next := f.d.blockNext(b); next >= 0 {
				f.d.freeChain(next)
			}
			f.d.setBlockNext(b, -1)
		}
	}
	f.d.setRecordSize(f.rec, uint64(size))
	return nil
}

// Sync flushes the file. Content lives in the region already, so this
// only validates the handle.
func (f *File) Sync() error {
	if f.closed {
		return ErrIO
	}
	return nil
}

func (f *File) Close() error {
	if f.closed {
		return ErrIO
	}
	f.closed = true
	return nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string {
	return f.path
}
