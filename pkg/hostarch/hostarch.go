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

// Package hostarch contains address and access-type definitions shared by the
// paging subsystem, the simulated page tables and the physical allocator.
package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of the offset within a page.
	PageMask = PageSize - 1
)

// PhysAddr is an opaque handle to a physical page returned by the physical
// page allocator. It is always page-aligned.
type PhysAddr uint64

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uint64) uint64 {
	return x &^ PageMask
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(x uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(x + PageMask)
	ok = addr >= x
	return
}

// PagesIn returns the number of pages needed to cover length bytes.
func PagesIn(length uint64) uint64 {
	return (length + PageMask) >> PageShift
}
