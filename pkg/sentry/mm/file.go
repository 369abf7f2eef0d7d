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
	"errors"
	"fmt"
	"io"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
)

// FileLoad describes the file contents of one page. It is the aux value of
// pages registered with LoadFile, and of every uninitialized page created by
// MMap.
type FileLoad struct {
	// File is the page's own handle to the file. The page owns it.
	File fsbridge.File

	// Offset is the file offset of the first byte of the page.
	Offset int64

	// ReadBytes is the number of bytes read from the file. The remaining
	// ZeroBytes of the page are zero.
	ReadBytes int
	ZeroBytes int

	// MapStart and Length identify the mapping the page belongs to. Both
	// are zero for pages not created by MMap.
	MapStart hostarch.Addr
	Length   uint64
}

// Release implements AuxReleaser.Release.
func (fl *FileLoad) Release(ctx context.Context) {
	if fl.File == nil {
		return
	}
	if err := fl.File.Close(ctx); err != nil {
		log.Warningf("Closing file of page at offset %d: %v", fl.Offset, err)
	}
	fl.File = nil
}

// CopyAux implements AuxCopier.CopyAux.
func (fl *FileLoad) CopyAux(ctx context.Context) (any, error) {
	f, err := fl.File.Duplicate(ctx)
	if err != nil {
		return nil, err
	}
	c := *fl
	c.File = f
	return &c, nil
}

// toFileState returns the state of a page loaded from fl. The caller clears
// fl.File once the page has been filled.
func (fl *FileLoad) toFileState() *fileState {
	return &fileState{
		file:      fl.File,
		offset:    fl.Offset,
		readBytes: fl.ReadBytes,
		zeroBytes: fl.ZeroBytes,
		mapStart:  fl.MapStart,
		length:    fl.Length,
	}
}

// LoadFile is an Initializer that fills a page from the file range described
// by its *FileLoad aux.
func LoadFile(ctx context.Context, dst []byte, aux any) error {
	fl, ok := aux.(*FileLoad)
	if !ok {
		return fmt.Errorf("LoadFile: aux is %T, want *FileLoad", aux)
	}
	if fl.ReadBytes+fl.ZeroBytes != hostarch.PageSize {
		return fmt.Errorf("LoadFile: %d read + %d zero bytes is not one page", fl.ReadBytes, fl.ZeroBytes)
	}
	if err := readFull(ctx, fl.File, dst[:fl.ReadBytes], fl.Offset); err != nil {
		return err
	}
	clear(dst[fl.ReadBytes:])
	return nil
}

func readFull(ctx context.Context, f fsbridge.File, dst []byte, off int64) error {
	n, err := f.ReadAt(ctx, dst, off)
	if n == len(dst) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("reading %d bytes at offset %d: read %d: %w", len(dst), off, n, err)
}

// fileKey identifies the file range held by a file-backed frame.
type fileKey struct {
	file      uint64
	offset    int64
	readBytes int
}

// fileState is the state of a file-backed page.
type fileState struct {
	file      fsbridge.File
	offset    int64
	readBytes int
	zeroBytes int

	// mapStart and length are the start and length of the mapping created
	// by MMap that contains the page.
	mapStart hostarch.Addr
	length   uint64

	// evicted is the set of pages that were evicted together with this one
	// and that are restored together with it, or nil if the page is resident
	// or was never loaded.
	evicted *occupantSet
}

func (*fileState) variant() PageType { return TypeFile }

func (st *fileState) key() fileKey {
	return fileKey{file: st.file.ID(), offset: st.offset, readBytes: st.readBytes}
}

// +checklocks:p.mu
func (p *Pager) indexLocked(f *frame, key fileKey) {
	f.key = key
	f.indexed = true
	p.files[key] = f
}

// +checklocks:p.mu
func (p *Pager) unindexLocked(f *frame) {
	if !f.indexed {
		return
	}
	if p.files[f.key] == f {
		delete(p.files, f.key)
	}
	f.indexed = false
}

// writeBackLocked writes pg's file range from its frame to its file if the
// page is dirty.
//
// Preconditions: The file system lock is held. pg is resident.
//
// +checklocks:p.mu
func (p *Pager) writeBackLocked(ctx context.Context, pg *Page, st *fileState) {
	if !pg.mm.pt.IsDirty(pg.addr) {
		return
	}
	src := p.frameBytes(pg.frame)[:st.readBytes]
	if _, err := st.file.WriteAt(ctx, src, st.offset); err != nil {
		p.warn.Warningf("Write-back of page %v to offset %d failed: %v", pg.addr, st.offset, err)
	}
	pg.mm.pt.SetDirty(pg.addr, false)
	fileWritebackMetric.Increment()
}

// swapOutFileLocked writes back every dirty occupant of f and detaches them.
// The detached occupants remember each other so that they are restored
// together.
//
// Preconditions: The file system lock is held.
//
// +checklocks:p.mu
func (p *Pager) swapOutFileLocked(ctx context.Context, f *frame) {
	set := f.occupants
	for _, pg := range set.pages {
		st := pg.state.(*fileState)
		p.writeBackLocked(ctx, pg, st)
		pg.mm.pt.Unmap(pg.addr)
		pg.frame = nil
		st.evicted = set
	}
}

// swapInFile restores the contents of pg into the claiming frame f. If another
// page already holds the same file range in a resident frame, pg shares that
// frame instead. Otherwise the range is read once and every page evicted
// together with pg is mapped to f.
//
// Preconditions: The file system lock is held. f has no occupants.
func (p *Pager) swapInFile(ctx context.Context, pg *Page, st *fileState, f *frame) error {
	p.mu.Lock()
	if g, ok := p.files[st.key()]; ok {
		set := st.evicted
		if set == nil {
			set = newOccupantSet(pg)
		}
		for _, o := range set.pages {
			o.state.(*fileState).evicted = nil
			p.joinLocked(o, g)
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// f is claiming and pg cannot change without the file system lock, so
	// the read does not need Pager.mu.
	buf := p.frameBytes(f)
	if err := readFull(ctx, st.file, buf[:st.readBytes], st.offset); err != nil {
		return fmt.Errorf("reading page %v: %w", pg.addr, err)
	}
	clear(buf[st.readBytes:])

	p.mu.Lock()
	defer p.mu.Unlock()
	set := st.evicted
	if set == nil {
		set = newOccupantSet(pg)
	}
	for _, o := range set.pages {
		o.state.(*fileState).evicted = nil
	}
	p.bindSetLocked(f, set)
	p.indexLocked(f, st.key())
	return nil
}

// destroyFile writes back pg if it is resident and dirty, detaches it, and
// closes its file.
//
// Preconditions: The file system lock is held.
func (p *Pager) destroyFile(ctx context.Context, pg *Page, st *fileState) {
	p.mu.Lock()
	if pg.frame != nil {
		p.writeBackLocked(ctx, pg, st)
		p.unbindLocked(pg)
	}
	if st.evicted != nil {
		st.evicted.remove(pg)
		st.evicted = nil
	}
	p.mu.Unlock()
	if err := st.file.Close(ctx); err != nil {
		log.Warningf("Closing file of page %v: %v", pg.addr, err)
	}
}
