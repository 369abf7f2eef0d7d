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

	"github.com/mohae/deepcopy"
	"gvisor.dev/vmcore/pkg/log"
)

// uninitState is the state of a page that has never been faulted on.
type uninitState struct {
	// typ is the variant the page becomes on first claim.
	typ PageType

	// init populates the page after conversion. It may be nil, in which
	// case the page starts zero-filled.
	init Initializer

	// aux is passed to init.
	aux any
}

func (*uninitState) variant() PageType { return TypeUninit }

// AuxReleaser is implemented by initializer data that holds resources, such
// as open files. Release is called once the data is no longer needed.
type AuxReleaser interface {
	Release(ctx context.Context)
}

// AuxCopier is implemented by initializer data that cannot be copied
// field-by-field when an address space is forked.
type AuxCopier interface {
	CopyAux(ctx context.Context) (any, error)
}

func releaseAux(ctx context.Context, aux any) {
	if r, ok := aux.(AuxReleaser); ok {
		r.Release(ctx)
	}
}

// copyAux returns an independent copy of aux for a forked address space.
func copyAux(ctx context.Context, aux any) (any, error) {
	if aux == nil {
		return nil, nil
	}
	if c, ok := aux.(AuxCopier); ok {
		return c.CopyAux(ctx)
	}
	return deepcopy.Copy(aux), nil
}

// initializeLocked converts pg from uninitialized to its final variant using
// the claiming frame f, then runs pg's initializer to fill f. The hardware
// mapping is established before the initializer runs.
//
// If pg becomes file-backed and another page already holds the same file
// range in a resident frame, pg shares that frame and f is left unused.
//
// Preconditions: mm.mu is locked. The file system lock is held. f is
// claiming and has no occupants.
//
// +checklocks:mm.mu
func (mm *MemoryManager) initializeLocked(ctx context.Context, pg *Page, u *uninitState, f *frame) error {
	p := mm.p

	var next pageState
	switch u.typ {
	case TypeAnon:
		next = &anonState{}
	case TypeFile:
		fl := u.aux.(*FileLoad)
		next = fl.toFileState()
	default:
		panic(fmt.Sprintf("page %v would become %v", pg.addr, u.typ))
	}

	p.mu.Lock()
	pg.state = next
	if fs, ok := next.(*fileState); ok {
		if g, ok := p.files[fs.key()]; ok {
			p.joinLocked(pg, g)
			p.mu.Unlock()
			log.Debugf("Page %v shares resident frame %#x", pg.addr, uint64(g.pa))
			return nil
		}
		p.bindSetLocked(f, newOccupantSet(pg))
		p.indexLocked(f, fs.key())
	} else {
		p.bindSetLocked(f, newOccupantSet(pg))
	}
	p.mu.Unlock()

	var err error
	if u.init != nil {
		if err = u.init(ctx, p.frameBytes(f), u.aux); err != nil {
			p.mu.Lock()
			p.unbindLocked(pg)
			p.mu.Unlock()
			err = fmt.Errorf("initializing page %v: %w", pg.addr, err)
		}
	}
	// Ownership of a file-backed page's file moved to its fileState.
	if u.typ == TypeFile {
		u.aux.(*FileLoad).File = nil
	} else {
		releaseAux(ctx, u.aux)
	}
	return err
}
