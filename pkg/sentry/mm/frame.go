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
	"slices"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// frame is a physical page in use by the Pager.
type frame struct {
	pa hostarch.PhysAddr

	// occupants are the pages mapping this frame. A frame with no
	// occupants and no pins is returned to the MemoryFile immediately.
	occupants *occupantSet

	// pins is the number of callers that require the frame to stay
	// resident. The clock sweep never selects a pinned frame.
	pins int

	// claiming is true from acquireFrame until the claim that acquired the
	// frame completes. A claiming frame is pinned for a short, bounded
	// time, so the clock sweep waits for it rather than giving up.
	claiming bool

	// key is the file range held by the frame, valid if indexed is true.
	key     fileKey
	indexed bool
}

// acquireFrame returns a zeroed frame with no occupants, marked as
// claiming, evicting a frame in use if the physical pool is exhausted. The
// caller must call finishClaim when done. acquireFrame panics if every frame
// is pinned by the calling thread.
//
// Preconditions: Pager.mu is not held.
func (p *Pager) acquireFrame(ctx context.Context) *frame {
	p.mu.Lock()
	f := p.allocateLocked()
	p.mu.Unlock()
	if f != nil {
		return f
	}

	// Evicting a file-backed frame writes to the file layer.
	unlock := p.fsLock.Lock(ctx)
	defer unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if f := p.allocateLocked(); f != nil {
			return f
		}
		if f := p.clockLocked(); f != nil {
			p.evictLocked(ctx, f)
			f.claiming = true
			clear(p.mf.Bytes(f.pa))
			return f
		}
		// Every frame is pinned by claims in progress. Those need
		// neither the file system lock nor more frames to finish.
		p.frameReleased.Wait()
	}
}

// allocateLocked returns a new claiming frame from the MemoryFile, or nil if
// the MemoryFile is exhausted.
//
// +checklocks:p.mu
func (p *Pager) allocateLocked() *frame {
	pa, err := p.mf.Allocate()
	if err == pgalloc.ErrOutOfMemory {
		return nil
	}
	if err != nil {
		panic(fmt.Sprintf("physical page allocation failed: %v", err))
	}
	f := &frame{
		pa:        pa,
		occupants: newOccupantSet(),
		claiming:  true,
	}
	p.frames = append(p.frames, f)
	return f
}

// clockLocked selects an eviction victim by second-chance clock sweep. A
// frame is recently used if any of its occupants has its accessed bit set;
// such a frame has every occupant's accessed bit cleared and is skipped. The
// sweep makes at most two full passes over the ring, so that a frame skipped
// on the first pass is found on the second.
//
// clockLocked returns nil if every frame is pinned but some are only being
// claimed, and panics if no frame can ever become evictable.
//
// +checklocks:p.mu
func (p *Pager) clockLocked() *frame {
	n := len(p.frames)
	claiming := false
	for i := 0; i < 2*n; i++ {
		if p.hand >= n {
			p.hand = 0
		}
		f := p.frames[p.hand]
		p.hand++
		if f.claiming {
			claiming = true
			continue
		}
		if f.pins > 0 {
			continue
		}
		if p.testAndClearAccessedLocked(f) {
			continue
		}
		if i >= n {
			p.warn.Warningf("Clock sweep needed a second pass over %d frames", n)
		}
		return f
	}
	if claiming {
		return nil
	}
	panic(fmt.Sprintf("no evictable frame among %d frames: all frames pinned", n))
}

// testAndClearAccessedLocked returns true if any occupant of f has been
// accessed since the last sweep, and clears every occupant's accessed bit.
//
// +checklocks:p.mu
func (p *Pager) testAndClearAccessedLocked(f *frame) bool {
	accessed := false
	for _, pg := range f.occupants.pages {
		if pg.mm.pt.IsAccessed(pg.addr) {
			accessed = true
			pg.mm.pt.SetAccessed(pg.addr, false)
		}
	}
	return accessed
}

// evictLocked writes the contents of f to its backing store and detaches
// every occupant. On return f has no occupants.
//
// Preconditions: The file system lock is held. f is neither pinned nor
// claiming.
//
// +checklocks:p.mu
func (p *Pager) evictLocked(ctx context.Context, f *frame) {
	if f.occupants.len() == 0 {
		panic(fmt.Sprintf("frame %#x has no occupants but was not reclaimed", uint64(f.pa)))
	}
	switch st := f.occupants.pages[0].state.(type) {
	case *anonState:
		p.swapOutAnonLocked(f)
	case *fileState:
		p.swapOutFileLocked(ctx, f)
	default:
		panic(fmt.Sprintf("resident page %v has state %T", f.occupants.pages[0].addr, st))
	}
	p.unindexLocked(f)
	f.occupants = newOccupantSet()
	evictionsMetric.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("Evicted frame %#x", uint64(f.pa))
	}
}

// bindSetLocked makes f hold the contents of every page in set, and maps each
// page to f.
//
// Preconditions: f has no occupants.
//
// +checklocks:p.mu
func (p *Pager) bindSetLocked(f *frame, set *occupantSet) {
	if f.occupants.len() != 0 {
		panic(fmt.Sprintf("binding to frame %#x with %d occupants", uint64(f.pa), f.occupants.len()))
	}
	f.occupants = set
	for _, pg := range set.pages {
		pg.frame = f
		pg.mm.mapPage(pg, f)
	}
}

// joinLocked adds pg to the occupants of f and maps it.
//
// +checklocks:p.mu
func (p *Pager) joinLocked(pg *Page, f *frame) {
	if pg.frame != nil {
		panic(fmt.Sprintf("page %v already resident in frame %#x", pg.addr, uint64(pg.frame.pa)))
	}
	f.occupants.add(pg)
	pg.frame = f
	pg.mm.mapPage(pg, f)
}

// unbindLocked detaches pg from its frame and unmaps it. The frame is
// reclaimed if pg was its last occupant.
//
// +checklocks:p.mu
func (p *Pager) unbindLocked(pg *Page) {
	f := pg.frame
	if f == nil {
		return
	}
	if !f.occupants.remove(pg) {
		panic(fmt.Sprintf("page %v not among occupants of its frame %#x", pg.addr, uint64(f.pa)))
	}
	pg.mm.pt.Unmap(pg.addr)
	pg.frame = nil
	p.maybeReclaimLocked(f)
}

// pinLocked prevents f from being evicted until unpinned.
//
// +checklocks:p.mu
func (p *Pager) pinLocked(f *frame) {
	f.pins++
}

// unpin releases a pin taken by pinLocked.
func (p *Pager) unpin(f *frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.pins--
	if f.pins < 0 {
		panic(fmt.Sprintf("frame %#x unpinned too many times", uint64(f.pa)))
	}
	if f.pins == 0 {
		p.maybeReclaimLocked(f)
		p.frameReleased.Broadcast()
	}
}

// finishClaim ends the claim of a frame returned by acquireFrame. The frame
// is reclaimed if the claim left it without occupants.
func (p *Pager) finishClaim(f *frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !f.claiming {
		panic(fmt.Sprintf("frame %#x is not being claimed", uint64(f.pa)))
	}
	f.claiming = false
	p.maybeReclaimLocked(f)
	p.frameReleased.Broadcast()
}

// maybeReclaimLocked returns f to the MemoryFile if nothing uses it.
//
// +checklocks:p.mu
func (p *Pager) maybeReclaimLocked(f *frame) {
	if f.pins > 0 || f.claiming || f.occupants.len() > 0 {
		return
	}
	i := slices.Index(p.frames, f)
	if i < 0 {
		panic(fmt.Sprintf("frame %#x not in frame table", uint64(f.pa)))
	}
	p.frames = slices.Delete(p.frames, i, i+1)
	if i < p.hand {
		p.hand--
	}
	p.unindexLocked(f)
	p.mf.Free(f.pa)
	p.frameReleased.Broadcast()
}

// frameBytes returns the contents of f.
func (p *Pager) frameBytes(f *frame) []byte {
	return p.mf.Bytes(f.pa)
}

// mapPage installs the hardware mapping of pg to f.
func (mm *MemoryManager) mapPage(pg *Page, f *frame) {
	at := hostarch.Read
	if pg.writable {
		at = hostarch.ReadWrite
	}
	mm.pt.Map(pg.addr, f.pa, pagetables.MapOpts{AccessType: at})
}
