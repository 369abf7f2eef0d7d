// Copyright 2019 The gVisor Authors.
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

package swap

import (
	"errors"
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sync"
)

// ErrExhausted is returned by Store.Get when every slot is occupied.
var ErrExhausted = errors.New("swap space exhausted")

// Slot identifies a page-sized region of a swap device.
type Slot uint64

// StartSector returns the first sector of the slot.
func (s Slot) StartSector() uint64 {
	return uint64(s) * SectorsPerSlot
}

// Store allocates page-sized slots on a Device.
//
// The Store's lock protects only the free list; reads and writes of a slot
// are serialized by whoever owns the slot.
type Store struct {
	dev Device

	mu sync.Mutex

	// free is a stack of free slots, lowest slot on top.
	//
	// +checklocks:mu
	free []Slot

	// inUse tracks allocated slots.
	//
	// +checklocks:mu
	inUse []bool
}

// NewStore returns a Store using every whole slot on dev.
func NewStore(dev Device) *Store {
	n := dev.NumSectors() / SectorsPerSlot
	s := &Store{
		dev:   dev,
		free:  make([]Slot, 0, n),
		inUse: make([]bool, n),
	}
	for i := n; i > 0; i-- {
		s.free = append(s.free, Slot(i-1))
	}
	return s
}

// Device returns the underlying device.
func (s *Store) Device() Device {
	return s.dev
}

// NumSlots returns the total number of slots.
func (s *Store) NumSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inUse)
}

// FreeSlots returns the number of unoccupied slots.
func (s *Store) FreeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// Get removes a slot from the free list.
func (s *Store) Get() (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.free)
	if n == 0 {
		return 0, ErrExhausted
	}
	slot := s.free[n-1]
	s.free = s.free[:n-1]
	s.inUse[slot] = true
	return slot, nil
}

// Put returns slot to the free list.
func (s *Store) Put(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(slot) >= uint64(len(s.inUse)) || !s.inUse[slot] {
		panic(fmt.Sprintf("Put of free or invalid swap slot %d", slot))
	}
	s.inUse[slot] = false
	s.free = append(s.free, slot)
}

// WritePage writes one page from src into slot.
func (s *Store) WritePage(slot Slot, src []byte) error {
	if len(src) != hostarch.PageSize {
		return fmt.Errorf("page buffer has length %d, want %d", len(src), hostarch.PageSize)
	}
	base := slot.StartSector()
	for i := uint64(0); i < SectorsPerSlot; i++ {
		if err := s.dev.WriteSector(base+i, src[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// ReadPage reads one page from slot into dst.
func (s *Store) ReadPage(slot Slot, dst []byte) error {
	if len(dst) != hostarch.PageSize {
		return fmt.Errorf("page buffer has length %d, want %d", len(dst), hostarch.PageSize)
	}
	base := slot.StartSector()
	for i := uint64(0); i < SectorsPerSlot; i++ {
		if err := s.dev.ReadSector(base+i, dst[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

var zeroSector [SectorSize]byte

// Scrub overwrites slot with zeroes.
func (s *Store) Scrub(slot Slot) error {
	base := slot.StartSector()
	for i := uint64(0); i < SectorsPerSlot; i++ {
		if err := s.dev.WriteSector(base+i, zeroSector[:]); err != nil {
			return err
		}
	}
	return nil
}
