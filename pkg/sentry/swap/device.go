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

// Package swap implements the backing store for evicted anonymous pages: a
// sector-addressed block device and a slot allocator on top of it.
package swap

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
)

const (
	// SectorSize is the size of a device sector in bytes.
	SectorSize = 512

	// SectorsPerSlot is the number of sectors that hold one page.
	SectorsPerSlot = hostarch.PageSize / SectorSize
)

// Device is a block device with sector-granular, atomic reads and writes.
type Device interface {
	// NumSectors returns the size of the device in sectors.
	NumSectors() uint64

	// ReadSector reads sector into dst.
	//
	// Preconditions: len(dst) == SectorSize.
	ReadSector(sector uint64, dst []byte) error

	// WriteSector writes src to sector.
	//
	// Preconditions: len(src) == SectorSize.
	WriteSector(sector uint64, src []byte) error

	// Close releases the device.
	Close() error
}

func checkSector(d Device, sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("sector buffer has length %d, want %d", len(buf), SectorSize)
	}
	if sector >= d.NumSectors() {
		return fmt.Errorf("sector %d out of range [0, %d)", sector, d.NumSectors())
	}
	return nil
}

// MemoryDevice is a Device backed by host memory.
type MemoryDevice struct {
	data []byte
}

// NewMemoryDevice returns a zeroed MemoryDevice of the given size.
func NewMemoryDevice(sectors uint64) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, sectors*SectorSize)}
}

// NumSectors implements Device.NumSectors.
func (d *MemoryDevice) NumSectors() uint64 {
	return uint64(len(d.data)) / SectorSize
}

// ReadSector implements Device.ReadSector.
func (d *MemoryDevice) ReadSector(sector uint64, dst []byte) error {
	if err := checkSector(d, sector, dst); err != nil {
		return err
	}
	copy(dst, d.data[sector*SectorSize:])
	return nil
}

// WriteSector implements Device.WriteSector.
func (d *MemoryDevice) WriteSector(sector uint64, src []byte) error {
	if err := checkSector(d, sector, src); err != nil {
		return err
	}
	copy(d.data[sector*SectorSize:], src)
	return nil
}

// Close implements Device.Close.
func (d *MemoryDevice) Close() error {
	return nil
}
