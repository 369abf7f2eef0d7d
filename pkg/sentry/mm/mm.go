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
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sync"
)

// Layout is the shape of an address space.
type Layout struct {
	// MinAddr is the lowest user address. Page 0 is never mapped, so
	// MinAddr is at least one page.
	MinAddr hostarch.Addr

	// MaxAddr is the end of user address space. Addresses at or above it
	// belong to the kernel.
	MaxAddr hostarch.Addr

	// StackTop is the address just above the initial stack.
	StackTop hostarch.Addr

	// MaxStackSize bounds how far below StackTop the stack may grow.
	MaxStackSize uint64
}

// DefaultLayout is the address space layout of user processes.
var DefaultLayout = Layout{
	MinAddr:      hostarch.PageSize,
	MaxAddr:      0x8004000000,
	StackTop:     0x47480000,
	MaxStackSize: 1 << 20,
}

// Validate checks that l is usable.
func (l Layout) Validate() error {
	switch {
	case l.MinAddr == 0 || !l.MinAddr.IsPageAligned():
		return fmt.Errorf("MinAddr %v must be non-zero and page-aligned", l.MinAddr)
	case !l.MaxAddr.IsPageAligned() || !l.StackTop.IsPageAligned():
		return fmt.Errorf("MaxAddr %v and StackTop %v must be page-aligned", l.MaxAddr, l.StackTop)
	case l.StackTop > l.MaxAddr:
		return fmt.Errorf("StackTop %v above MaxAddr %v", l.StackTop, l.MaxAddr)
	case l.MaxStackSize == 0 || l.MaxStackSize%hostarch.PageSize != 0:
		return fmt.Errorf("MaxStackSize %d must be a non-zero multiple of the page size", l.MaxStackSize)
	case uint64(l.StackTop-l.MinAddr) < l.MaxStackSize:
		return fmt.Errorf("stack of %d bytes does not fit below %v", l.MaxStackSize, l.StackTop)
	}
	return nil
}

// StackRange returns the range the stack may grow into.
func (l Layout) StackRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.StackTop - hostarch.Addr(l.MaxStackSize), End: l.StackTop}
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	// p is the Pager that provides physical memory. p is immutable.
	p *Pager

	// layout is immutable.
	layout Layout

	// pt is the hardware page table. pt is immutable; it has its own lock.
	pt *pagetables.PageTables

	// mu serializes faults and changes to the address space.
	mu sync.Mutex

	// spt holds every page of the address space.
	//
	// +checklocks:mu
	spt supplementalPageTable

	// sp is the user stack pointer most recently recorded by
	// SetStackPointer. Faults taken on behalf of the kernel use it to decide
	// whether to grow the stack.
	//
	// +checklocks:mu
	sp hostarch.Addr

	// released is set by Release.
	//
	// +checklocks:mu
	released bool
}

// NewMemoryManager returns a new, empty address space.
func NewMemoryManager(p *Pager, layout Layout) (*MemoryManager, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return newMemoryManager(p, layout), nil
}

func newMemoryManager(p *Pager, layout Layout) *MemoryManager {
	return &MemoryManager{
		p:      p,
		layout: layout,
		pt:     pagetables.New(),
		spt:    newSPT(),
		sp:     layout.StackTop,
	}
}

// Layout returns the address space layout.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// Pager returns the Pager backing mm.
func (mm *MemoryManager) Pager() *Pager {
	return mm.p
}

// SetStackPointer records the user stack pointer, as saved on entry to the
// kernel.
func (mm *MemoryManager) SetStackPointer(sp hostarch.Addr) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.sp = sp
}

// StackPointer returns the value recorded by SetStackPointer.
func (mm *MemoryManager) StackPointer() hostarch.Addr {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.sp
}

// RegisterLazy adds an uninitialized page at the page containing addr. On
// first claim, the page becomes a page of type typ and init (which may be nil)
// is called with aux to fill it. Pages of type TypeFile require a *FileLoad
// aux. RegisterLazy fails with EEXIST if the page is already present.
//
// On success the page owns aux; on failure the caller keeps it. If the address
// space is forked before the first claim, the child's page receives its own
// copy of aux: the result of CopyAux if aux implements AuxCopier, otherwise a
// deep copy.
func (mm *MemoryManager) RegisterLazy(typ PageType, addr hostarch.Addr, writable bool, init Initializer, aux any) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.registerLazyLocked(typ, addr, writable, init, aux)
}

// +checklocks:mm.mu
func (mm *MemoryManager) registerLazyLocked(typ PageType, addr hostarch.Addr, writable bool, init Initializer, aux any) error {
	switch typ {
	case TypeAnon:
	case TypeFile:
		if fl, ok := aux.(*FileLoad); !ok || fl.File == nil {
			return linuxerr.EINVAL
		}
	default:
		return linuxerr.EINVAL
	}
	addr = addr.RoundDown()
	if addr < mm.layout.MinAddr || addr >= mm.layout.MaxAddr {
		return linuxerr.EINVAL
	}
	if mm.released {
		return linuxerr.ESRCH
	}
	pg := &Page{
		mm:       mm,
		addr:     addr,
		writable: writable,
		state:    &uninitState{typ: typ, init: init, aux: aux},
	}
	if !mm.spt.insert(pg) {
		return linuxerr.EEXIST
	}
	return nil
}

// insertLocked adds pg, created for mm with a non-uninitialized state.
//
// +checklocks:mm.mu
func (mm *MemoryManager) insertLocked(pg *Page) error {
	if !mm.spt.insert(pg) {
		return linuxerr.EEXIST
	}
	return nil
}

// FindPage returns the page containing addr, or nil.
func (mm *MemoryManager) FindPage(addr hostarch.Addr) *Page {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.spt.find(addr)
}

// NumPages returns the number of pages in the address space.
func (mm *MemoryManager) NumPages() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.spt.len()
}

// IsResident returns true if the page containing addr is present and backed
// by a frame.
func (mm *MemoryManager) IsResident(addr hostarch.Addr) bool {
	mm.mu.Lock()
	pg := mm.spt.find(addr)
	mm.mu.Unlock()
	if pg == nil {
		return false
	}
	mm.p.mu.Lock()
	defer mm.p.mu.Unlock()
	return pg.frame != nil
}

// removePageLocked destroys pg and removes it from the SPT.
//
// Preconditions: The file system lock is held unless pg is anonymous.
//
// +checklocks:mm.mu
func (mm *MemoryManager) removePageLocked(ctx context.Context, pg *Page) {
	mm.p.destroy(ctx, pg)
	mm.spt.remove(pg)
}

// Release destroys every page of the address space: dirty file-backed pages
// are written back, and frames and swap slots are freed. mm may not be used
// afterwards except to call Release again, which does nothing.
func (mm *MemoryManager) Release(ctx context.Context) {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	unlock := mm.p.fsLock.Lock(ctx)
	defer unlock()
	mm.releaseLocked(ctx)
}

// Preconditions: The file system lock is held.
//
// +checklocks:mm.mu
func (mm *MemoryManager) releaseLocked(ctx context.Context) {
	if mm.released {
		return
	}
	mm.released = true
	n := mm.spt.len()
	mm.spt.forEach(func(pg *Page) bool {
		mm.p.destroy(ctx, pg)
		return true
	})
	mm.spt.clear()
	mm.pt.Release()
	log.Debugf("Released address space: %d pages", n)
}
