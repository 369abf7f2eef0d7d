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
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
)

// hostInode is a host file shared by every HostFile handle opened on it.
type hostInode struct {
	id   uint64
	f    *os.File
	refs atomic.Int64
}

func (i *hostInode) decRef() error {
	switch n := i.refs.Add(-1); {
	case n == 0:
		return i.f.Close()
	case n < 0:
		panic(fmt.Sprintf("hostInode %d: negative refcount %d", i.id, n))
	}
	return nil
}

// HostFile is a File backed by a host file.
type HostFile struct {
	inode  *hostInode
	closed atomic.Bool
}

var _ File = (*HostFile)(nil)

// OpenHostFile opens the host file at path for reading and writing.
func OpenHostFile(path string) (*HostFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	inode := &hostInode{id: nextFileID(), f: f}
	inode.refs.Store(1)
	return &HostFile{inode: inode}, nil
}

func (h *HostFile) fd() (int, error) {
	if h.closed.Load() {
		return -1, linuxerr.EBADF
	}
	return int(h.inode.f.Fd()), nil
}

// ID implements File.ID.
func (h *HostFile) ID() uint64 {
	return h.inode.id
}

// ReadAt implements File.ReadAt.
func (h *HostFile) ReadAt(_ context.Context, dst []byte, off int64) (int, error) {
	fd, err := h.fd()
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(dst) {
		n, err := unix.Pread(fd, dst[total:], off+int64(total))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

// WriteAt implements File.WriteAt.
func (h *HostFile) WriteAt(_ context.Context, src []byte, off int64) (int, error) {
	fd, err := h.fd()
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(src) {
		n, err := unix.Pwrite(fd, src[total:], off+int64(total))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

// Length implements File.Length.
func (h *HostFile) Length(context.Context) (int64, error) {
	fd, err := h.fd()
	if err != nil {
		return 0, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// Reopen implements File.Reopen.
func (h *HostFile) Reopen(context.Context) (File, error) {
	if h.closed.Load() {
		return nil, linuxerr.EBADF
	}
	h.inode.refs.Add(1)
	return &HostFile{inode: h.inode}, nil
}

// Duplicate implements File.Duplicate.
func (h *HostFile) Duplicate(ctx context.Context) (File, error) {
	return h.Reopen(ctx)
}

// Close implements File.Close.
func (h *HostFile) Close(context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return linuxerr.EBADF
	}
	return h.inode.decRef()
}
