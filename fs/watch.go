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

	"github.com/sabfs/sabfs/internal/logger"
	"github.com/sabfs/sabfs/internal/monitor"
)

// Watcher protocol: a successful path-affecting operation emits, in
// order, one watch_ event per watched path carrying [path, prev-stat,
// curr-stat], then rename/change events carrying [path], then an event
// named after the operation carrying its arguments. The order is fixed
// so subscribers can deduplicate. Pushes are non-blocking and never
// reacquire the disk lock.

// emitEvent marshals args as a JSON array and fans it out.
func (fs *FileSystem) emitEvent(event string, args ...any) {
	payload, err := json.Marshal(args)
	if err != nil {
		logger.Warnf("dropping %s event: %v", event, err)
		return
	}
	fs.emitter.Emit(event, string(payload))
	monitor.RecordEvent(event)
}

func (fs *FileSystem) emitChange(path string) {
	fs.emitEvent(EventChange, path)
}

func (fs *FileSystem) emitRename(path string) {
	fs.emitEvent(EventRename, path)
}

// watcher snapshots a path's stat before a mutation; Commit emits the
// watch_ event with the before/after pair.
type watcher struct {
	fs   *FileSystem
	path string
	prev *Stats
}

// watch records the pre-mutation stat of path.
func (fs *FileSystem) watch(path string) *watcher {
	return &watcher{fs: fs, path: path, prev: fs.statsNoTouch(path)}
}

// Commit emits the watch_ event. Call only after the mutation
// succeeded.
func (w *watcher) Commit() {
	curr := w.fs.statsNoTouch(w.path)
	w.fs.emitEvent(EventWatch, w.path, w.prev, curr)
}
