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

// Dir is an open directory enumerator. Children come back in storage
// (record-table) order; the cursor is the record index after the last
// entry returned, so Tell/re-Read round-trips.
type Dir struct {
	d      *Disk
	path   string
	cursor int
	closed bool
}

// DirOpen opens path for enumeration. Returns ErrNoEnt if path is
// missing or not a directory.
func (d *Disk) DirOpen(path string) (*Dir, error) {
	d.lock()
	defer d.unlock()

	i := d.findRecord(path)
	if i < 0 || d.recordType(i) != TypeDir {
		return nil, ErrNoEnt
	}
	return &Dir{d: d, path: path}, nil
}

// Read returns the next child name, or ok == false at the end.
func (dir *Dir) Read() (name string, ok bool) {
	dir.d.lock()
	defer dir.d.unlock()

	if dir.closed {
		return "", false
	}
	for i := dir.cursor; i < dir.d.recordCount; i++ {
		if !dir.d.recordUsed(i) {
			continue
		}
		p := dir.d.recordPath(i)
		if isChildOf(p, dir.path) {
			dir.cursor = i + 1
			return baseName(p), true
		}
	}
	dir.cursor = dir.d.recordCount
	return "", false
}

// Tell returns the enumeration cursor.
func (dir *Dir) Tell() int {
	return dir.cursor
}

func (dir *Dir) Close() {
	dir.closed = true
}

// Path returns the path the directory was opened with.
func (dir *Dir) Path() string {
	return dir.path
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
