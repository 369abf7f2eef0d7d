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

	"gvisor.dev/vmcore/pkg/hostarch"
)

// PageType is the kind of memory backing a Page.
type PageType int

const (
	// TypeUninit is a page that has not been faulted on yet.
	TypeUninit PageType = iota

	// TypeAnon is anonymous memory, backed by swap when evicted.
	TypeAnon

	// TypeFile is memory mapped from a file, written back to the file when
	// evicted.
	TypeFile
)

// String implements fmt.Stringer.
func (t PageType) String() string {
	switch t {
	case TypeUninit:
		return "uninit"
	case TypeAnon:
		return "anon"
	case TypeFile:
		return "file"
	default:
		return fmt.Sprintf("PageType(%d)", int(t))
	}
}

// Initializer populates the contents of a newly claimed page. dst is the
// whole page and is zero on entry. aux is the value passed at registration.
type Initializer func(ctx context.Context, dst []byte, aux any) error

// Page describes one virtual page of an address space.
type Page struct {
	mm       *MemoryManager
	addr     hostarch.Addr
	writable bool

	// state is the page's variant: *uninitState, *anonState or
	// *fileState. The variant changes exactly once, from uninitState, and
	// only with mm.mu and Pager.mu held. The contents of anonState and
	// fileState are protected by Pager.mu.
	state pageState

	// frame is the frame holding the page's contents, or nil if the page is
	// not resident.
	//
	// +checklocks:mm.p.mu
	frame *frame
}

// pageState is implemented by the page variants. The set of variants is
// closed; code that dispatches on a variant panics on anything else.
type pageState interface {
	variant() PageType
}

// Addr returns the page's virtual address.
func (pg *Page) Addr() hostarch.Addr {
	return pg.addr
}

// Writable returns true if the page may be written.
func (pg *Page) Writable() bool {
	return pg.writable
}

// Variant returns the page's current variant.
func (pg *Page) Variant() PageType {
	return pg.state.variant()
}

// Type returns the kind of memory the page is or will become once it is
// initialized.
func (pg *Page) Type() PageType {
	if u, ok := pg.state.(*uninitState); ok {
		return u.typ
	}
	return pg.state.variant()
}

// String implements fmt.Stringer.
func (pg *Page) String() string {
	mode := "r"
	if pg.writable {
		mode = "rw"
	}
	return fmt.Sprintf("%v[%v,%s]", pg.addr, pg.state.variant(), mode)
}

// occupantSet is the set of pages sharing one physical page's contents. The
// set follows the contents: it belongs to a frame while resident, and to the
// swap slot (anonymous) or to its evicted pages (file-backed) while not.
type occupantSet struct {
	pages []*Page
}

func newOccupantSet(pages ...*Page) *occupantSet {
	return &occupantSet{pages: pages}
}

func (s *occupantSet) add(pg *Page) {
	s.pages = append(s.pages, pg)
}

// remove removes pg from s. It returns false if pg was not in s.
func (s *occupantSet) remove(pg *Page) bool {
	for i, o := range s.pages {
		if o == pg {
			last := len(s.pages) - 1
			s.pages[i] = s.pages[last]
			s.pages[last] = nil
			s.pages = s.pages[:last]
			return true
		}
	}
	return false
}

func (s *occupantSet) len() int {
	return len(s.pages)
}

// destroy releases every resource held by pg. pg must already be removed
// from, or about to be discarded with, its SPT.
//
// Preconditions: pg.mm.mu is locked. The file system lock is held unless pg
// is anonymous.
func (p *Pager) destroy(ctx context.Context, pg *Page) {
	switch st := pg.state.(type) {
	case *uninitState:
		releaseAux(ctx, st.aux)
		st.aux = nil
	case *anonState:
		p.destroyAnon(pg, st)
	case *fileState:
		p.destroyFile(ctx, pg, st)
	default:
		panic(fmt.Sprintf("page %v has unknown state %T", pg.addr, pg.state))
	}
}
