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

// Package pgalloc contains the physical page allocator, which manages the
// fixed pool of memory that the paging subsystem maps into application
// address spaces.
//
// The pool is a single anonymous host mapping. Pages are handed out one at a
// time; freed pages are decommitted so that they read back as zero when next
// allocated.
package pgalloc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sync"
)

// physBase is the PhysAddr of the first page in the pool. It is non-zero so
// that the zero PhysAddr never names a valid page.
const physBase = hostarch.PhysAddr(0x100000)

// ErrOutOfMemory is returned by Allocate when every page in the pool is in
// use.
var ErrOutOfMemory = errors.New("physical page pool exhausted")

// MemoryFile is a fixed-size pool of physical pages.
type MemoryFile struct {
	// mapping is the host memory backing the pool. mapping is immutable
	// until Destroy.
	mapping []byte

	mu sync.Mutex

	// free is a stack of free page indices.
	//
	// +checklocks:mu
	free []uint32

	// used tracks which page indices are currently allocated.
	//
	// +checklocks:mu
	used []bool

	// destroyed is set by Destroy.
	//
	// +checklocks:mu
	destroyed bool
}

// NewMemoryFile creates a pool of nrPages physical pages.
func NewMemoryFile(nrPages int) (*MemoryFile, error) {
	if nrPages <= 0 {
		return nil, fmt.Errorf("invalid page pool size %d", nrPages)
	}
	m, err := unix.Mmap(-1, 0, nrPages*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d pages: %w", nrPages, err)
	}
	f := &MemoryFile{
		mapping: m,
		free:    make([]uint32, 0, nrPages),
		used:    make([]bool, nrPages),
	}
	// Hand out low pages first.
	for i := nrPages - 1; i >= 0; i-- {
		f.free = append(f.free, uint32(i))
	}
	log.Infof("Physical page pool: %d pages (%d bytes)", nrPages, len(m))
	return f, nil
}

// TotalPages returns the size of the pool in pages.
func (f *MemoryFile) TotalPages() int {
	return len(f.mapping) / hostarch.PageSize
}

// FreePages returns the number of unallocated pages.
func (f *MemoryFile) FreePages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.free)
}

// Allocate returns a zero-filled page, or ErrOutOfMemory if the pool is
// exhausted. Allocate never blocks waiting for a page to be freed.
func (f *MemoryFile) Allocate() (hostarch.PhysAddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		panic("Allocate on destroyed MemoryFile")
	}
	n := len(f.free)
	if n == 0 {
		return 0, ErrOutOfMemory
	}
	idx := f.free[n-1]
	f.free = f.free[:n-1]
	f.used[idx] = true
	return physBase + hostarch.PhysAddr(idx)<<hostarch.PageShift, nil
}

// Free returns pa to the pool.
//
// Preconditions: pa was returned by Allocate and has not been freed since.
func (f *MemoryFile) Free(pa hostarch.PhysAddr) {
	idx := f.index(pa)
	off := int(idx) << hostarch.PageShift
	// Decommit so that the next Allocate observes zeroes.
	if err := unix.Madvise(f.mapping[off:off+hostarch.PageSize], unix.MADV_DONTNEED); err != nil {
		clear(f.mapping[off : off+hostarch.PageSize])
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.used[idx] {
		panic(fmt.Sprintf("double free of physical page %#x", uint64(pa)))
	}
	f.used[idx] = false
	f.free = append(f.free, idx)
}

// Bytes returns the contents of the page at pa. The returned slice aliases
// the pool and is valid until pa is freed.
func (f *MemoryFile) Bytes(pa hostarch.PhysAddr) []byte {
	off := int(f.index(pa)) << hostarch.PageShift
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Destroy releases the host mapping backing the pool.
func (f *MemoryFile) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	return unix.Munmap(f.mapping)
}

func (f *MemoryFile) index(pa hostarch.PhysAddr) uint32 {
	if pa < physBase || uint64(pa)&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("invalid physical address %#x", uint64(pa)))
	}
	idx := uint64(pa-physBase) >> hostarch.PageShift
	if idx >= uint64(len(f.mapping)/hostarch.PageSize) {
		panic(fmt.Sprintf("physical address %#x beyond pool end", uint64(pa)))
	}
	return uint32(idx)
}
