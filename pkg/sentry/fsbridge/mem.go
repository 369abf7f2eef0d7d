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

package fsbridge

import (
	"context"
	"io"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/sync"
)

// memInode is the shared contents of a MemFile.
type memInode struct {
	id uint64

	mu sync.RWMutex

	// +checklocks:mu
	data []byte
}

// MemFile is a File whose contents live in memory.
type MemFile struct {
	inode  *memInode
	closed atomic.Bool
}

var _ File = (*MemFile)(nil)

// NewMemFile returns a handle to a new in-memory file with a copy of data as
// its contents.
func NewMemFile(data []byte) *MemFile {
	return &MemFile{inode: &memInode{
		id:   nextFileID(),
		data: append([]byte(nil), data...),
	}}
}

// Contents returns a copy of the file's contents.
func (m *MemFile) Contents() []byte {
	m.inode.mu.RLock()
	defer m.inode.mu.RUnlock()
	return append([]byte(nil), m.inode.data...)
}

// ID implements File.ID.
func (m *MemFile) ID() uint64 {
	return m.inode.id
}

// ReadAt implements File.ReadAt.
func (m *MemFile) ReadAt(_ context.Context, dst []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, linuxerr.EBADF
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	m.inode.mu.RLock()
	defer m.inode.mu.RUnlock()
	if off >= int64(len(m.inode.data)) {
		if len(dst) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(dst, m.inode.data[off:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements File.WriteAt.
func (m *MemFile) WriteAt(_ context.Context, src []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, linuxerr.EBADF
	}
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	m.inode.mu.Lock()
	defer m.inode.mu.Unlock()
	if end := off + int64(len(src)); end > int64(len(m.inode.data)) {
		m.inode.data = append(m.inode.data, make([]byte, end-int64(len(m.inode.data)))...)
	}
	return copy(m.inode.data[off:], src), nil
}

// Length implements File.Length.
func (m *MemFile) Length(context.Context) (int64, error) {
	if m.closed.Load() {
		return 0, linuxerr.EBADF
	}
	m.inode.mu.RLock()
	defer m.inode.mu.RUnlock()
	return int64(len(m.inode.data)), nil
}

// Reopen implements File.Reopen.
func (m *MemFile) Reopen(context.Context) (File, error) {
	if m.closed.Load() {
		return nil, linuxerr.EBADF
	}
	return &MemFile{inode: m.inode}, nil
}

// Duplicate implements File.Duplicate.
func (m *MemFile) Duplicate(ctx context.Context) (File, error) {
	return m.Reopen(ctx)
}

// Close implements File.Close.
func (m *MemFile) Close(context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return linuxerr.EBADF
	}
	return nil
}
