// Copyright 2020 The gVisor Authors.
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

// Package fsbridge provides the file abstraction consumed by the paging
// subsystem: positionless read/write of a shared file object through
// independently closable handles, and the file system lock that serializes
// access to the file layer.
package fsbridge

import (
	"context"
	"sync/atomic"
)

// File is an open handle to a file object. Handles obtained through Reopen
// or Duplicate refer to the same file object but are closed independently;
// closing one never invalidates another.
type File interface {
	// ID identifies the underlying file object. Two handles share an ID iff
	// they refer to the same file object.
	ID() uint64

	// ReadAt reads len(dst) bytes at offset off. Short reads occur only at
	// end of file.
	ReadAt(ctx context.Context, dst []byte, off int64) (int, error)

	// WriteAt writes src at offset off, extending the file if needed.
	WriteAt(ctx context.Context, src []byte, off int64) (int, error)

	// Length returns the current length of the file in bytes.
	Length(ctx context.Context) (int64, error)

	// Reopen returns a new handle to the same file object.
	Reopen(ctx context.Context) (File, error)

	// Duplicate returns a copy of this handle, for use by a forked address
	// space.
	Duplicate(ctx context.Context) (File, error)

	// Close releases the handle.
	Close(ctx context.Context) error
}

var lastFileID atomic.Uint64

func nextFileID() uint64 {
	return lastFileID.Add(1)
}
