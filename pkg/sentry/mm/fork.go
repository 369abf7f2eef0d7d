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

	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/log"
)

// Fork returns a copy of mm for a child process.
//
// Uninitialized pages are copied with independent initializer data, so that
// parent and child load them separately. Anonymous pages are copied eagerly
// into new frames, so that they are private to each address space from the
// start. File-backed pages get a duplicated file handle and share the
// parent's frame, matching the shared semantics of file mappings.
//
// If any page cannot be copied, Fork releases the partial copy and returns
// the error. Fork of a released address space fails with ESRCH.
func (mm *MemoryManager) Fork(ctx context.Context) (*MemoryManager, error) {
	ctx = withLockOwner(ctx)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.released {
		return nil, linuxerr.ESRCH
	}
	unlock := mm.p.fsLock.Lock(ctx)
	defer unlock()

	child := newMemoryManager(mm.p, mm.layout)
	child.mu.Lock()
	defer child.mu.Unlock()
	child.sp = mm.sp

	cu := cleanup.Make(func() { child.releaseLocked(ctx) })
	defer cu.Clean()

	var err error
	mm.spt.forEach(func(pg *Page) bool {
		err = child.copyPageLocked(ctx, pg)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	cu.Release()
	log.Debugf("Forked address space: %d pages", child.spt.len())
	return child, nil
}

// copyPageLocked adds a copy of src, a page of the parent address space, to
// mm.
//
// Preconditions: The file system lock is held. src.mm.mu is locked.
//
// +checklocks:mm.mu
func (mm *MemoryManager) copyPageLocked(ctx context.Context, src *Page) error {
	p := mm.p
	switch st := src.state.(type) {
	case *uninitState:
		aux, err := copyAux(ctx, st.aux)
		if err != nil {
			return fmt.Errorf("copying initializer data of %v: %w", src.addr, err)
		}
		pg := &Page{
			mm:       mm,
			addr:     src.addr,
			writable: src.writable,
			state:    &uninitState{typ: st.typ, init: st.init, aux: aux},
		}
		if err := mm.insertLocked(pg); err != nil {
			releaseAux(ctx, aux)
			return err
		}
		return nil

	case *anonState:
		pg := &Page{
			mm:       mm,
			addr:     src.addr,
			writable: src.writable,
			state:    &uninitState{typ: TypeAnon},
		}
		if err := mm.insertLocked(pg); err != nil {
			return err
		}
		// Both frames stay pinned for the copy, so that making one
		// resident cannot evict the other.
		sf, err := src.mm.pinResidentLocked(ctx, src)
		if err != nil {
			return fmt.Errorf("faulting in parent page %v: %w", src.addr, err)
		}
		defer p.unpin(sf)
		df, err := mm.pinResidentLocked(ctx, pg)
		if err != nil {
			return fmt.Errorf("claiming child page %v: %w", pg.addr, err)
		}
		defer p.unpin(df)
		copy(p.frameBytes(df), p.frameBytes(sf))
		return nil

	case *fileState:
		f, err := st.file.Duplicate(ctx)
		if err != nil {
			return fmt.Errorf("duplicating file of %v: %w", src.addr, err)
		}
		cst := &fileState{
			file:      f,
			offset:    st.offset,
			readBytes: st.readBytes,
			zeroBytes: st.zeroBytes,
			mapStart:  st.mapStart,
			length:    st.length,
		}
		pg := &Page{
			mm:       mm,
			addr:     src.addr,
			writable: src.writable,
			state:    cst,
		}
		if err := mm.insertLocked(pg); err != nil {
			f.Close(ctx)
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if sf := src.frame; sf != nil {
			p.joinLocked(pg, sf)
		} else if st.evicted != nil {
			st.evicted.add(pg)
			cst.evicted = st.evicted
		}
		return nil

	default:
		panic(fmt.Sprintf("page %v has unknown state %T", src.addr, src.state))
	}
}
