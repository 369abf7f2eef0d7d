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
	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// sptDegree is the B-tree degree of a supplemental page table.
const sptDegree = 16

// supplementalPageTable maps page-aligned virtual addresses to Pages. The
// ordering lets range operations (overlap checks, fork, teardown) walk pages
// in address order.
type supplementalPageTable struct {
	pages *btree.BTreeG[*Page]
}

func lessPage(a, b *Page) bool {
	return a.addr < b.addr
}

func newSPT() supplementalPageTable {
	return supplementalPageTable{pages: btree.NewG(sptDegree, lessPage)}
}

// find returns the page containing addr, or nil.
func (s *supplementalPageTable) find(addr hostarch.Addr) *Page {
	pg, _ := s.pages.Get(&Page{addr: addr.RoundDown()})
	return pg
}

// insert adds pg. It returns false, leaving s unchanged, if a page is already
// present at pg's address.
func (s *supplementalPageTable) insert(pg *Page) bool {
	if s.pages.Has(pg) {
		return false
	}
	s.pages.ReplaceOrInsert(pg)
	return true
}

// remove removes pg. It returns false if pg was not present.
func (s *supplementalPageTable) remove(pg *Page) bool {
	_, ok := s.pages.Delete(pg)
	return ok
}

// anyIn returns true if any page lies in ar.
func (s *supplementalPageTable) anyIn(ar hostarch.AddrRange) bool {
	found := false
	s.pages.AscendRange(&Page{addr: ar.Start}, &Page{addr: ar.End}, func(*Page) bool {
		found = true
		return false
	})
	return found
}

// forEach calls fn on every page in address order until fn returns false.
func (s *supplementalPageTable) forEach(fn func(*Page) bool) {
	s.pages.Ascend(fn)
}

// len returns the number of pages.
func (s *supplementalPageTable) len() int {
	return s.pages.Len()
}

// clear removes every page.
func (s *supplementalPageTable) clear() {
	s.pages.Clear(false)
}
