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

// Open flags, flash-filesystem numbering.
const (
	O_RDONLY = 0x0001
	O_WRONLY = 0x0002
	O_RDWR   = 0x0003
	O_CREAT  = 0x0100
	O_EXCL   = 0x0200
	O_TRUNC  = 0x0400
	O_APPEND = 0x0800
)

// Seek origins.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// ParseFlags maps a node-style textual open mode onto flag bits.
// Unknown modes open read-only.
func ParseFlags(mode string) int {
	switch mode {
	// Open file for reading. Fails if the file does not exist.
	case "r", "rs", "sr":
		return O_RDONLY
	// Open file for reading and writing. Fails if the file does not exist.
	case "r+", "rs+", "sr+":
		return O_RDWR
	// Open file for writing. Created if missing, truncated if present.
	case "w":
		return O_WRONLY | O_CREAT | O_TRUNC
	// Like 'w' but fails if the path exists.
	case "wx", "xw":
		return O_WRONLY | O_CREAT | O_TRUNC | O_EXCL
	// Open file for reading and writing. Created if missing, truncated if present.
	case "w+":
		return O_RDWR | O_CREAT | O_TRUNC
	// Like 'w+' but fails if the path exists.
	case "wx+", "xw+":
		return O_RDWR | O_CREAT | O_TRUNC | O_EXCL
	// Open file for appending. Created if missing.
	case "a":
		return O_WRONLY | O_APPEND | O_CREAT
	// Like 'a' but fails if the path exists.
	case "ax", "xa":
		return O_WRONLY | O_APPEND | O_CREAT | O_EXCL
	// Open file for reading and appending. Created if missing.
	case "a+":
		return O_RDWR | O_APPEND | O_CREAT
	// Like 'a+' but fails if the path exists.
	case "ax+", "xa+":
		return O_RDWR | O_APPEND | O_CREAT | O_EXCL
	default:
		return O_RDONLY
	}
}
