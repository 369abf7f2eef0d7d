// Copyright 2018 The gVisor Authors.
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

package kernel

import (
	"context"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// The memory accessors below behave like system calls touching user memory:
// an address that cannot be resolved terminates the task with
// ExitStatusKilled, and the error is returned to the caller.

// HandleFault resolves an application page fault at addr with stack pointer
// sp.
func (t *Task) HandleFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, sp hostarch.Addr) error {
	m, err := t.MemoryManager()
	if err != nil {
		return err
	}
	if err := m.HandleUserFault(ctx, addr, at, sp); err != nil {
		t.kill(ctx, err)
		return err
	}
	return nil
}

// CopyIn copies len(dst) bytes of t's memory at addr into dst.
func (t *Task) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	m, err := t.MemoryManager()
	if err != nil {
		return 0, err
	}
	n, err := m.CopyIn(ctx, addr, dst)
	if err != nil {
		t.kill(ctx, err)
	}
	return n, err
}

// CopyOut copies src to t's memory at addr.
func (t *Task) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	m, err := t.MemoryManager()
	if err != nil {
		return 0, err
	}
	n, err := m.CopyOut(ctx, addr, src)
	if err != nil {
		t.kill(ctx, err)
	}
	return n, err
}

// CopyInString copies a NUL-terminated string of at most maxlen bytes from
// t's memory at addr. A string longer than maxlen fails with EINVAL
// without terminating t.
func (t *Task) CopyInString(ctx context.Context, addr hostarch.Addr, maxlen int) (string, error) {
	m, err := t.MemoryManager()
	if err != nil {
		return "", err
	}
	s, err := m.ValidateString(ctx, addr, maxlen)
	if err != nil && !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.kill(ctx, err)
	}
	return s, err
}

// MMap implements mmap(2) for t. Failures are returned to t and do not
// terminate it.
func (t *Task) MMap(ctx context.Context, opts mm.MMapOpts) (hostarch.Addr, error) {
	m, err := t.MemoryManager()
	if err != nil {
		return 0, err
	}
	return m.MMap(ctx, opts)
}

// MUnmap implements munmap(2) for t.
func (t *Task) MUnmap(ctx context.Context, addr hostarch.Addr) error {
	m, err := t.MemoryManager()
	if err != nil {
		return err
	}
	return m.MUnmap(ctx, addr)
}
