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

package mm

import (
	"bytes"
	"context"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
)

// Application memory is accessed through the simulated MMU: each page is
// translated through the page table, which sets accessed and dirty bits,
// and a fault is resolved exactly as an application fault would be. The
// copy itself happens with Pager.mu held, so the frame cannot be evicted
// mid-copy.

// CopyOut copies src to application memory at addr. It returns the number of
// bytes copied, which is less than len(src) only if an error occurs.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.copyLocked(ctx, addr, src, hostarch.Write)
}

// CopyIn copies application memory at addr to dst. It returns the number of
// bytes copied, which is less than len(dst) only if an error occurs.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.copyLocked(ctx, addr, dst, hostarch.Read)
}

// +checklocks:mm.mu
func (mm *MemoryManager) copyLocked(ctx context.Context, addr hostarch.Addr, buf []byte, at hostarch.AccessType) (int, error) {
	if _, ok := addr.AddLength(uint64(len(buf))); !ok {
		return 0, linuxerr.EFAULT
	}
	done := 0
	for done < len(buf) {
		va := addr + hostarch.Addr(done)
		n := min(len(buf)-done, int(hostarch.PageSize-va.PageOffset()))
		for !mm.tryCopyPage(va, buf[done:done+n], at) {
			if _, err := mm.resolveLocked(ctx, va, at, mm.sp, false /* fault */); err != nil {
				return done, err
			}
		}
		done += n
	}
	return done, nil
}

// tryCopyPage copies buf to or from va through the page table. It returns
// false if the translation faulted.
//
// Preconditions: buf does not cross a page boundary.
func (mm *MemoryManager) tryCopyPage(va hostarch.Addr, buf []byte, at hostarch.AccessType) bool {
	p := mm.p
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, fault := mm.pt.Translate(va, at)
	if fault != pagetables.NoFault {
		return false
	}
	page := p.mf.Bytes(pa &^ hostarch.PageMask)
	off := va.PageOffset()
	if at.Write {
		copy(page[off:], buf)
	} else {
		copy(buf, page[off:])
	}
	return true
}

// ValidateRange makes every page of [addr, addr+length) resident for an
// access of type at. It fails with EFAULT if the range wraps or any page
// cannot be resolved.
func (mm *MemoryManager) ValidateRange(ctx context.Context, addr hostarch.Addr, length uint64, at hostarch.AccessType) error {
	if length == 0 {
		return nil
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		return linuxerr.EFAULT
	}
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	for va := ar.Start.RoundDown(); va < ar.End; va += hostarch.PageSize {
		if _, err := mm.resolveLocked(ctx, va, at, mm.sp, false /* fault */); err != nil {
			return err
		}
		if va+hostarch.PageSize < va {
			break
		}
	}
	return nil
}

// ValidateString reads the NUL-terminated string at addr, which must be
// shorter than maxlen bytes, faulting in its pages as needed.
func (mm *MemoryManager) ValidateString(ctx context.Context, addr hostarch.Addr, maxlen int) (string, error) {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var out []byte
	buf := make([]byte, hostarch.PageSize)
	for len(out) < maxlen {
		va := addr + hostarch.Addr(len(out))
		if va < addr {
			return "", linuxerr.EFAULT
		}
		n := min(maxlen-len(out), int(hostarch.PageSize-va.PageOffset()))
		if _, err := mm.copyLocked(ctx, va, buf[:n], hostarch.Read); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf[:n]...)
	}
	return "", linuxerr.EINVAL
}
