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

// Package mm implements demand paging for application address spaces.
//
// Each address space is a MemoryManager holding a supplemental page table
// (SPT) of Pages. A Page starts out uninitialized and is given physical
// memory the first time it is faulted on. Physical pages are owned by the
// process-wide Pager, which evicts them with a clock sweep when the physical
// pool runs out: anonymous pages are written to swap, file-backed pages are
// written back to their file if dirty.
//
// Lock order:
//
//	MemoryManager.mu
//		fsbridge.Lock (file system lock, re-entrant per lock owner)
//			Pager.mu
//				pagetables.PageTables.mu
//				pgalloc.MemoryFile.mu
//				swap.Store.mu
package mm

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
	"gvisor.dev/vmcore/pkg/sync"
)

var (
	faultsMetric        = metric.MustCreateNewUint64Metric("/vm/faults", "Number of page faults handled.")
	stackGrowthsMetric  = metric.MustCreateNewUint64Metric("/vm/stack_growths", "Number of pages added by stack growth.")
	evictionsMetric     = metric.MustCreateNewUint64Metric("/vm/evictions", "Number of frames evicted.")
	swapOutsMetric      = metric.MustCreateNewUint64Metric("/vm/swap_outs", "Number of anonymous pages written to swap.")
	swapInsMetric       = metric.MustCreateNewUint64Metric("/vm/swap_ins", "Number of anonymous pages read from swap.")
	fileWritebackMetric = metric.MustCreateNewUint64Metric("/vm/file_writebacks", "Number of dirty file-backed pages written back.")
	fatalFaultsMetric   = metric.MustCreateNewUint64Metric("/vm/fatal_faults", "Number of faults that could not be resolved.")
)

// PagerOpts holds the collaborators of a Pager.
type PagerOpts struct {
	// MemoryFile is the physical page pool.
	MemoryFile *pgalloc.MemoryFile

	// Swap holds evicted anonymous pages.
	Swap *swap.Store

	// FSLock is the file system lock. If nil, the Pager uses a private
	// lock.
	FSLock *fsbridge.Lock
}

// Pager owns every physical page in use by any address space, along with
// the swap space that evicted anonymous pages are written to. There is one
// Pager per simulated kernel.
type Pager struct {
	mf     *pgalloc.MemoryFile
	swap   *swap.Store
	fsLock *fsbridge.Lock

	// warn logs eviction and fatal fault warnings, which can occur at a
	// high rate under memory pressure.
	warn log.Logger

	// mu is the frame table lock. It protects the frame table and, for
	// every Page inserted in an SPT, the Page's frame and the contents of
	// its anonymous or file-backed state.
	mu sync.Mutex

	// frames is the clock ring of frames in use.
	//
	// +checklocks:mu
	frames []*frame

	// hand is the index in frames at which the next clock sweep starts.
	//
	// +checklocks:mu
	hand int

	// files indexes resident file-backed frames by the file range they
	// hold, so that pages mapping the same range share a frame.
	//
	// +checklocks:mu
	files map[fileKey]*frame

	// frameReleased is signaled when a frame stops being pinned or
	// claimed. Its L is mu.
	frameReleased sync.Cond
}

// NewPager returns a new Pager.
func NewPager(opts PagerOpts) *Pager {
	if opts.MemoryFile == nil || opts.Swap == nil {
		panic("NewPager requires a MemoryFile and a swap Store")
	}
	p := &Pager{
		mf:     opts.MemoryFile,
		swap:   opts.Swap,
		fsLock: opts.FSLock,
		warn:   log.BasicRateLimitedLogger(time.Second),
		files:  make(map[fileKey]*frame),
	}
	p.frameReleased.L = &p.mu
	if p.fsLock == nil {
		p.fsLock = &fsbridge.Lock{}
	}
	log.Infof("Pager: %d frames, %d swap slots", p.mf.TotalPages(), p.swap.NumSlots())
	return p
}

// FSLock returns the file system lock used by p.
func (p *Pager) FSLock() *fsbridge.Lock {
	return p.fsLock
}

// Stats is a point-in-time summary of a Pager's resources.
type Stats struct {
	// Frames is the number of frames in use.
	Frames int

	// FreePages is the number of unallocated physical pages.
	FreePages int

	// SwapSlots is the total number of swap slots.
	SwapSlots int

	// FreeSwapSlots is the number of unoccupied swap slots.
	FreeSwapSlots int
}

// Stats returns a summary of p's resources.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	n := len(p.frames)
	p.mu.Unlock()
	return Stats{
		Frames:        n,
		FreePages:     p.mf.FreePages(),
		SwapSlots:     p.swap.NumSlots(),
		FreeSwapSlots: p.swap.FreeSlots(),
	}
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("frames=%d free_pages=%d swap_slots=%d/%d", s.Frames, s.FreePages, s.SwapSlots-s.FreeSwapSlots, s.SwapSlots)
}

// withLockOwner returns a ctx that identifies the calling thread to the
// file system lock, so that faults taken while holding it do not deadlock.
func withLockOwner(ctx context.Context) context.Context {
	if fsbridge.OwnerFromContext(ctx) != 0 {
		return ctx
	}
	return fsbridge.WithOwner(ctx)
}
