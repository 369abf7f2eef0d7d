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

// Package pagetables models the hardware page tables of a single address
// space: one entry per mapped virtual page, carrying the physical page and
// the present, writable, accessed and dirty bits that the MMU maintains.
package pagetables

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sync"
)

// PTE is a page table entry. The layout follows x86-64: flag bits in the low
// bits and the physical page number in bits 12 and up.
type PTE uint64

const (
	present  PTE = 1 << 0
	writable PTE = 1 << 1
	user     PTE = 1 << 2
	accessed PTE = 1 << 5
	dirty    PTE = 1 << 6

	addressMask PTE = ^PTE(hostarch.PageMask)
)

// Valid returns true iff the entry maps a page.
func (p PTE) Valid() bool {
	return p&present != 0
}

// Writable returns true iff the entry permits writes.
func (p PTE) Writable() bool {
	return p&writable != 0
}

// Accessed returns the accessed bit.
func (p PTE) Accessed() bool {
	return p&accessed != 0
}

// Dirty returns the dirty bit.
func (p PTE) Dirty() bool {
	return p&dirty != 0
}

// Address returns the physical page mapped by this entry.
func (p PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p & addressMask)
}

// Opts returns the access permitted by this entry.
func (p PTE) Opts() MapOpts {
	return MapOpts{AccessType: hostarch.AccessType{
		Read:  p.Valid(),
		Write: p.Writable(),
	}}
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	if !p.Valid() {
		return "[not present]"
	}
	flags := []byte("----")
	if p.Writable() {
		flags[0] = 'w'
	}
	if p&user != 0 {
		flags[1] = 'u'
	}
	if p.Accessed() {
		flags[2] = 'a'
	}
	if p.Dirty() {
		flags[3] = 'd'
	}
	return fmt.Sprintf("%#x[%s]", uint64(p.Address()), flags)
}

// MapOpts are the options for a single mapping.
type MapOpts struct {
	// AccessType defines permissions. Read is implied for any valid
	// mapping.
	AccessType hostarch.AccessType
}

// FaultKind describes why a translation failed.
type FaultKind int

const (
	// NoFault indicates a successful translation.
	NoFault FaultKind = iota

	// NotPresent indicates that no mapping exists for the page.
	NotPresent

	// ProtectionFault indicates that a mapping exists but does not permit
	// the access.
	ProtectionFault
)

// String implements fmt.Stringer.
func (k FaultKind) String() string {
	switch k {
	case NoFault:
		return "none"
	case NotPresent:
		return "not-present"
	case ProtectionFault:
		return "protection"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// PageTables is a set of page tables.
//
// PageTables has its own lock so that the eviction path can inspect and
// clear entries of any address space without holding that address space's
// locks.
type PageTables struct {
	mu sync.Mutex

	// +checklocks:mu
	entries map[hostarch.Addr]PTE
}

// New returns new, empty PageTables.
func New() *PageTables {
	return &PageTables{
		entries: make(map[hostarch.Addr]PTE),
	}
}

// Map installs a mapping from the page containing va to pa, replacing any
// existing mapping. The new entry has clear accessed and dirty bits.
//
// Preconditions: pa is page-aligned.
func (p *PageTables) Map(va hostarch.Addr, pa hostarch.PhysAddr, opts MapOpts) {
	if uint64(pa)&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("unaligned physical address %#x", uint64(pa)))
	}
	pte := PTE(pa) | present | user
	if opts.AccessType.Write {
		pte |= writable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[va.RoundDown()] = pte
}

// Unmap removes the mapping of the page containing va, returning the
// previous entry. It returns false if no mapping existed.
func (p *PageTables) Unmap(va hostarch.Addr) (PTE, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.entries[va.RoundDown()]
	if ok {
		delete(p.entries, va.RoundDown())
	}
	return pte, ok
}

// Lookup returns the entry for the page containing va.
func (p *PageTables) Lookup(va hostarch.Addr) (PTE, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.entries[va.RoundDown()]
	return pte, ok
}

// IsAccessed returns the accessed bit of the page containing va, or false if
// the page is not mapped.
func (p *PageTables) IsAccessed(va hostarch.Addr) bool {
	pte, _ := p.Lookup(va)
	return pte.Accessed()
}

// IsDirty returns the dirty bit of the page containing va, or false if the
// page is not mapped.
func (p *PageTables) IsDirty(va hostarch.Addr) bool {
	pte, _ := p.Lookup(va)
	return pte.Dirty()
}

// SetAccessed sets or clears the accessed bit of the page containing va. It
// has no effect if the page is not mapped.
func (p *PageTables) SetAccessed(va hostarch.Addr, v bool) {
	p.setBit(va, accessed, v)
}

// SetDirty sets or clears the dirty bit of the page containing va. It has no
// effect if the page is not mapped.
func (p *PageTables) SetDirty(va hostarch.Addr, v bool) {
	p.setBit(va, dirty, v)
}

func (p *PageTables) setBit(va hostarch.Addr, bit PTE, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	va = va.RoundDown()
	pte, ok := p.entries[va]
	if !ok {
		return
	}
	if v {
		pte |= bit
	} else {
		pte &^= bit
	}
	p.entries[va] = pte
}

// Translate performs an MMU access of type at to va. On success it returns
// the physical address of va (page address plus offset) and updates the
// accessed bit, and the dirty bit for writes, as hardware would.
func (p *PageTables) Translate(va hostarch.Addr, at hostarch.AccessType) (hostarch.PhysAddr, FaultKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := va.RoundDown()
	pte, ok := p.entries[page]
	if !ok || !pte.Valid() {
		return 0, NotPresent
	}
	if at.Write && !pte.Writable() {
		return 0, ProtectionFault
	}
	pte |= accessed
	if at.Write {
		pte |= dirty
	}
	p.entries[page] = pte
	return pte.Address() + hostarch.PhysAddr(va.PageOffset()), NoFault
}

// Len returns the number of mapped pages.
func (p *PageTables) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Release removes every mapping.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.entries)
}
