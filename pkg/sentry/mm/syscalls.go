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
	"context"

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
)

// MMapOpts specifies a file mapping.
type MMapOpts struct {
	// Addr is the start of the mapping. It must be non-zero and
	// page-aligned.
	Addr hostarch.Addr

	// Length is the length of the mapping in bytes. It need not be a
	// multiple of the page size.
	Length uint64

	// Writable is true if the mapping may be written. Writes reach the file
	// when a dirty page is evicted or unmapped.
	Writable bool

	// File is the mapped file. MMap does not retain it; each page holds its
	// own reopened handle.
	File fsbridge.File

	// Offset is the file offset mapped at Addr. It must be page-aligned.
	Offset int64
}

// MMap establishes a file mapping of opts.Length bytes at opts.Addr. Pages
// are loaded lazily. Bytes of the mapping beyond the end of the file read as
// zero.
//
// MMap fails with EINVAL if the address, length or offset is invalid, and
// with EEXIST if any page in the range is already present. On failure the
// address space is unchanged.
func (mm *MemoryManager) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.File == nil || opts.Length == 0 || opts.Addr == 0 || !opts.Addr.IsPageAligned() {
		return 0, linuxerr.EINVAL
	}
	if opts.Offset < 0 || opts.Offset%hostarch.PageSize != 0 {
		return 0, linuxerr.EINVAL
	}
	end, ok := opts.Addr.AddLength(opts.Length)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	end, ok = end.RoundUp()
	if !ok {
		return 0, linuxerr.EINVAL
	}
	ar := hostarch.AddrRange{Start: opts.Addr, End: end}

	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if ar.Start < mm.layout.MinAddr || ar.End > mm.layout.MaxAddr {
		return 0, linuxerr.EINVAL
	}
	unlock := mm.p.fsLock.Lock(ctx)
	defer unlock()

	fileLen, err := opts.File.Length(ctx)
	if err != nil {
		return 0, err
	}
	if fileLen == 0 || opts.Offset > fileLen {
		return 0, linuxerr.EINVAL
	}
	if mm.spt.anyIn(ar) {
		return 0, linuxerr.EEXIST
	}

	// readable is the number of bytes of the mapping backed by the file.
	readable := min(opts.Length, uint64(fileLen-opts.Offset))

	var pages []*Page
	cu := cleanup.Make(func() {
		for _, pg := range pages {
			mm.removePageLocked(ctx, pg)
		}
	})
	defer cu.Clean()

	for i := uint64(0); i < ar.Pages(); i++ {
		va := ar.Start + hostarch.Addr(i*hostarch.PageSize)
		readBytes := 0
		if pos := i * hostarch.PageSize; pos < readable {
			readBytes = int(min(readable-pos, hostarch.PageSize))
		}
		f, err := opts.File.Reopen(ctx)
		if err != nil {
			return 0, err
		}
		fl := &FileLoad{
			File:      f,
			Offset:    opts.Offset + int64(i*hostarch.PageSize),
			ReadBytes: readBytes,
			ZeroBytes: hostarch.PageSize - readBytes,
			MapStart:  ar.Start,
			Length:    opts.Length,
		}
		if err := mm.registerLazyLocked(TypeFile, va, opts.Writable, LoadFile, fl); err != nil {
			fl.Release(ctx)
			return 0, err
		}
		pages = append(pages, mm.spt.find(va))
	}
	cu.Release()
	log.Debugf("Mapped %v (%d pages, %d bytes from file offset %d)", ar, len(pages), readable, opts.Offset)
	return ar.Start, nil
}

// MUnmap removes the file mapping that starts at addr. Every page of the
// mapping is destroyed; dirty pages are written back to the file first.
//
// MUnmap of an address with no page is a no-op. MUnmap of any other address
// that is not the start of a file mapping fails with EINVAL and changes
// nothing.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr hostarch.Addr) error {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()

	pg := mm.spt.find(addr)
	if pg == nil {
		return nil
	}
	start, length, ok := mappingOf(pg)
	if !ok || start != addr {
		return linuxerr.EINVAL
	}

	unlock := mm.p.fsLock.Lock(ctx)
	defer unlock()
	n := hostarch.PagesIn(length)
	for i := uint64(0); i < n; i++ {
		va := start + hostarch.Addr(i*hostarch.PageSize)
		if pg := mm.spt.find(va); pg != nil {
			if s, _, ok := mappingOf(pg); ok && s == start {
				mm.removePageLocked(ctx, pg)
			}
		}
	}
	log.Debugf("Unmapped %v (%d pages)", start, n)
	return nil
}

// mappingOf returns the start and length of the file mapping containing pg.
func mappingOf(pg *Page) (hostarch.Addr, uint64, bool) {
	switch st := pg.state.(type) {
	case *uninitState:
		if fl, ok := st.aux.(*FileLoad); ok && st.typ == TypeFile && fl.Length != 0 {
			return fl.MapStart, fl.Length, true
		}
	case *fileState:
		if st.length != 0 {
			return st.mapStart, st.length, true
		}
	}
	return 0, 0, false
}
