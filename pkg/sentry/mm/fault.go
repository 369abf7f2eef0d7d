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
)

// HandleUserFault handles an application page fault at addr for an access of
// type at. sp is the application stack pointer at the time of the fault.
//
// A nil error means the faulting access may be retried. A non-nil error is
// fatal to the faulting process: EFAULT if addr is not part of the address
// space or is already mapped for the access, EACCES if the access violates the page's protection, or a wrapped
// error if the page's contents could not be loaded.
func (mm *MemoryManager) HandleUserFault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, sp hostarch.Addr) error {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.sp = sp
	_, err := mm.resolveLocked(ctx, addr, at, sp, true /* fault */)
	return err
}

// Resolve makes the page containing addr resident for an access of type at,
// as if the application had faulted on it, and returns it. The stack pointer
// recorded by SetStackPointer decides stack growth.
func (mm *MemoryManager) Resolve(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) (*Page, error) {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.resolveLocked(ctx, addr, at, mm.sp, false /* fault */)
}

// ClaimPage makes the existing page containing addr resident.
func (mm *MemoryManager) ClaimPage(ctx context.Context, addr hostarch.Addr) error {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	pg := mm.spt.find(addr)
	if pg == nil {
		return linuxerr.EFAULT
	}
	return mm.claimLocked(ctx, pg)
}

// resolveLocked implements HandleUserFault and Resolve. If fault is true, the
// access is known to have missed in the page tables, so a mapping that
// already permits it is an error.
//
// +checklocks:mm.mu
func (mm *MemoryManager) resolveLocked(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, sp hostarch.Addr, fault bool) (*Page, error) {
	faultsMetric.Increment()
	pg, err := mm.resolvePageLocked(ctx, addr, at, sp, fault)
	if err != nil {
		fatalFaultsMetric.Increment()
		mm.p.warn.Warningf("Unresolvable %v fault at %v (sp %v): %v", at, addr, sp, err)
		return nil, err
	}
	return pg, nil
}

// +checklocks:mm.mu
func (mm *MemoryManager) resolvePageLocked(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType, sp hostarch.Addr, fault bool) (*Page, error) {
	if addr == 0 || addr < mm.layout.MinAddr || addr >= mm.layout.MaxAddr {
		return nil, linuxerr.EFAULT
	}
	if mm.released {
		return nil, linuxerr.EFAULT
	}

	pg := mm.spt.find(addr)
	if pte, ok := mm.pt.Lookup(addr); ok && pte.Valid() {
		if at.Write && !pte.Writable() {
			return nil, linuxerr.EACCES
		}
		if fault {
			// The MMU would not have faulted.
			return nil, linuxerr.EFAULT
		}
		return pg, nil
	}

	if pg == nil {
		if !mm.canGrowStackLocked(addr, sp) {
			return nil, linuxerr.EFAULT
		}
		pg = &Page{
			mm:       mm,
			addr:     addr.RoundDown(),
			writable: true,
			state:    &uninitState{typ: TypeAnon},
		}
		if !mm.spt.insert(pg) {
			panic(fmt.Sprintf("stack page %v appeared during fault", pg.addr))
		}
		stackGrowthsMetric.Increment()
		log.Debugf("Stack grown to %v (sp %v)", pg.addr, sp)
	}
	if at.Write && !pg.writable {
		return nil, linuxerr.EACCES
	}
	if err := mm.claimLocked(ctx, pg); err != nil {
		return nil, err
	}
	return pg, nil
}

// canGrowStackLocked returns true if a fault at addr may be satisfied by
// adding a stack page: addr must lie within the maximum stack extent and
// either be exactly 8 bytes below sp, as a push instruction would access, or
// at or above an sp that is itself within the stack extent.
//
// +checklocks:mm.mu
func (mm *MemoryManager) canGrowStackLocked(addr, sp hostarch.Addr) bool {
	stack := mm.layout.StackRange()
	if !stack.Contains(addr) {
		return false
	}
	return addr == sp-8 || (addr >= sp && stack.Contains(sp))
}

// claimLocked makes pg resident: it acquires a frame, binds pg to it, maps
// it, and loads pg's contents according to its variant. claimLocked does
// nothing if pg is already resident.
//
// +checklocks:mm.mu
func (mm *MemoryManager) claimLocked(ctx context.Context, pg *Page) error {
	p := mm.p
	if _, anon := pg.state.(*anonState); !anon {
		// Initializers and file-backed pages read files.
		unlock := p.fsLock.Lock(ctx)
		defer unlock()
	}

	p.mu.Lock()
	resident := pg.frame != nil
	p.mu.Unlock()
	if resident {
		return nil
	}

	f := p.acquireFrame(ctx)
	defer p.finishClaim(f)
	if log.IsLogging(log.Debug) {
		log.Debugf("Claiming page %v into frame %#x", pg, uint64(f.pa))
	}

	switch st := pg.state.(type) {
	case *uninitState:
		return mm.initializeLocked(ctx, pg, st, f)
	case *anonState:
		p.mu.Lock()
		defer p.mu.Unlock()
		p.swapInAnonLocked(pg, st, f)
		return nil
	case *fileState:
		return p.swapInFile(ctx, pg, st, f)
	default:
		panic(fmt.Sprintf("page %v has unknown state %T", pg.addr, pg.state))
	}
}

// pinResidentLocked makes pg resident and pins its frame, returning the
// frame. The caller must unpin it.
//
// +checklocks:mm.mu
func (mm *MemoryManager) pinResidentLocked(ctx context.Context, pg *Page) (*frame, error) {
	p := mm.p
	for {
		if err := mm.claimLocked(ctx, pg); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if f := pg.frame; f != nil {
			p.pinLocked(f)
			p.mu.Unlock()
			return f, nil
		}
		// Evicted again by another address space before we could pin
		// it.
		p.mu.Unlock()
	}
}
