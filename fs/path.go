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

import "strings"

// normalizePath collapses ".", "..", and empty segments. "." and ".."
// alone map to "/". A leading slash is preserved.
func normalizePath(path string) string {
	if path == "." || path == ".." {
		return "/"
	}
	var out []string
	for _, step := range strings.Split(path, "/") {
		switch step {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, step)
		}
	}
	normalized := strings.Join(out, "/")
	if normalized == "" {
		return "/"
	}
	if strings.HasPrefix(path, "/") {
		return "/" + normalized
	}
	return normalized
}

// pathBasename returns the final path segment.
func pathBasename(path string) string {
	i := strings.LastIndexByte(path, '/')
	return path[i+1:]
}

// pathDirname returns the parent path, "/" at the top.
func pathDirname(path string) string {
	if path == "/" {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// pathAncestry returns every prefix path of path, shortest first:
// "/a/b/c" yields ["/a", "/a/b", "/a/b/c"].
func pathAncestry(path string) []string {
	var paths []string
	current := ""
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		current += "/" + component
		paths = append(paths, current)
	}
	return paths
}
