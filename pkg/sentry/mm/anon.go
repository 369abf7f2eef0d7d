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
	"fmt"

	"gvisor.dev/vmcore/pkg/sentry/swap"
)

// anonState is the state of an anonymous page.
type anonState struct {
	// slot holds the page's contents while it is swapped out, and is nil
	// otherwise. A page that is neither resident nor swapped out is zero.
	slot *swapSlot
}

func (*anonState) variant() PageType { return TypeAnon }

// swapSlot is an occupied swap slot.
type swapSlot struct {
	slot swap.Slot

	// occupants are the pages whose contents the slot holds. It is the set
	// that the evicted frame held.
	occupants *occupantSet
}

// swapOutAnonLocked writes f to a free swap slot and detaches its occupants.
// Running out of swap is fatal.
//
// +checklocks:p.mu
func (p *Pager) swapOutAnonLocked(f *frame) {
	slot, err := p.swap.Get()
	if err != nil {
		panic(fmt.Sprintf("cannot evict frame %#x: %v", uint64(f.pa), err))
	}
	if err := p.swap.WritePage(slot, p.frameBytes(f)); err != nil {
		panic(fmt.Sprintf("swap write of slot %d failed: %v", slot, err))
	}
	ss := &swapSlot{slot: slot, occupants: f.occupants}
	for _, pg := range ss.occupants.pages {
		pg.state.(*anonState).slot = ss
		pg.mm.pt.Unmap(pg.addr)
		pg.frame = nil
	}
	swapOutsMetric.Increment()
}

// swapInAnonLocked restores the contents of pg into the claiming frame f. If pg
// is swapped out, every page sharing its slot is mapped to f from a single
// read, and the slot is scrubbed and freed.
//
// +checklocks:p.mu
func (p *Pager) swapInAnonLocked(pg *Page, st *anonState, f *frame) {
	ss := st.slot
	if ss == nil {
		p.bindSetLocked(f, newOccupantSet(pg))
		return
	}
	if err := p.swap.ReadPage(ss.slot, p.frameBytes(f)); err != nil {
		panic(fmt.Sprintf("swap read of slot %d failed: %v", ss.slot, err))
	}
	for _, o := range ss.occupants.pages {
		o.state.(*anonState).slot = nil
	}
	p.bindSetLocked(f, ss.occupants)
	if err := p.swap.Scrub(ss.slot); err != nil {
		panic(fmt.Sprintf("swap scrub of slot %d failed: %v", ss.slot, err))
	}
	p.swap.Put(ss.slot)
	swapInsMetric.Increment()
}

// destroyAnon releases pg's frame or swap slot. Swapped out contents are
// discarded without being read back.
func (p *Pager) destroyAnon(pg *Page, st *anonState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(pg)
	if ss := st.slot; ss != nil {
		st.slot = nil
		ss.occupants.remove(pg)
		if ss.occupants.len() == 0 {
			p.swap.Put(ss.slot)
		}
	}
}
