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

// Package loader installs program images into an address space. Segments
// are registered as lazily loaded pages; nothing is read from the image
// until the program touches it.
package loader

import (
	"context"
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/mm"
)

// LoadArgs describes an executable file to be loaded.
type LoadArgs struct {
	// File is the executable. Load does not retain it.
	File fsbridge.File

	// Argv is the list of arguments passed to the program.
	Argv []string
}

// ImageInfo describes a loaded program.
type ImageInfo struct {
	// Entry is the program entry point.
	Entry hostarch.Addr

	// Segments is the number of segments loaded.
	Segments int

	// Stack is the initial stack.
	Stack Stack
}

// Load loads the ELF executable args.File into m and builds its initial
// stack. On failure m may contain some of the program's pages; the caller
// is expected to discard it.
func Load(ctx context.Context, m *mm.MemoryManager, args LoadArgs) (ImageInfo, error) {
	var info ImageInfo
	segs, entry, err := parseELF(ctx, args.File)
	if err != nil {
		return info, err
	}
	for _, seg := range segs {
		if err := LoadSegment(ctx, m, seg); err != nil {
			return info, err
		}
	}
	info.Entry = entry
	info.Segments = len(segs)
	if info.Stack, err = SetupStack(ctx, m, args.Argv); err != nil {
		return info, err
	}
	log.Debugf("Loaded image: entry %v, %d segments, sp %v", entry, len(segs), info.Stack.SP)
	return info, nil
}

// Segment describes a loadable segment of a program image.
type Segment struct {
	// File is the image. LoadSegment reopens it for every page that has
	// file contents.
	File fsbridge.File

	// Offset is the file offset of the first byte of the segment.
	Offset int64

	// Addr is the virtual address of the first byte of the segment. It must
	// have the same page offset as Offset.
	Addr hostarch.Addr

	// FileSize is the number of bytes read from the file. The remaining
	// MemSize-FileSize bytes are zero.
	FileSize uint64
	MemSize  uint64

	// Writable is true if the segment may be written.
	Writable bool
}

// LoadSegment registers one lazily loaded anonymous page per page of seg.
// Pages with file contents are filled by mm.LoadFile on first access; the
// rest start zeroed. Writes are private to the address space and never
// reach the file.
//
// Bytes of the first page that precede seg.Addr are read from the file too,
// as long as the segment has file contents.
func LoadSegment(ctx context.Context, m *mm.MemoryManager, seg Segment) error {
	if seg.MemSize == 0 {
		return nil
	}
	if seg.Offset < 0 || seg.FileSize > seg.MemSize || seg.Addr.PageOffset() != uint64(seg.Offset)&hostarch.PageMask {
		return linuxerr.EINVAL
	}
	pageOff := seg.Addr.PageOffset()
	start := seg.Addr.RoundDown()
	off := seg.Offset - int64(pageOff)
	ar, ok := start.ToRange(seg.MemSize + pageOff)
	if !ok {
		return linuxerr.EINVAL
	}
	end, ok := ar.End.RoundUp()
	if !ok {
		return linuxerr.EINVAL
	}
	ar.End = end

	var fileBytes uint64
	if seg.FileSize > 0 {
		fileBytes = seg.FileSize + pageOff
	}
	for i := uint64(0); i < ar.Pages(); i++ {
		va := ar.Start + hostarch.Addr(i*hostarch.PageSize)
		pos := i * hostarch.PageSize
		if pos >= fileBytes {
			if err := m.RegisterLazy(mm.TypeAnon, va, seg.Writable, nil, nil); err != nil {
				return fmt.Errorf("registering page %v: %w", va, err)
			}
			continue
		}
		readBytes := int(min(fileBytes-pos, hostarch.PageSize))
		f, err := seg.File.Reopen(ctx)
		if err != nil {
			return err
		}
		fl := &mm.FileLoad{
			File:      f,
			Offset:    off + int64(pos),
			ReadBytes: readBytes,
			ZeroBytes: hostarch.PageSize - readBytes,
		}
		if err := m.RegisterLazy(mm.TypeAnon, va, seg.Writable, mm.LoadFile, fl); err != nil {
			fl.Release(ctx)
			return fmt.Errorf("registering page %v: %w", va, err)
		}
	}
	return nil
}
