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

package loader

import (
	"context"
	"debug/elf"
	"io"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
)

// fileReader adapts a File to io.ReaderAt.
type fileReader struct {
	ctx context.Context
	f   fsbridge.File
}

// ReadAt implements io.ReaderAt.ReadAt.
func (r fileReader) ReadAt(dst []byte, off int64) (int, error) {
	return r.f.ReadAt(r.ctx, dst, off)
}

// parseELF returns the loadable segments and entry point of the statically
// linked x86-64 executable f.
func parseELF(ctx context.Context, f fsbridge.File) ([]Segment, hostarch.Addr, error) {
	ef, err := elf.NewFile(fileReader{ctx: ctx, f: f})
	if err != nil {
		log.Infof("Error parsing ELF header: %v", err)
		return nil, 0, linuxerr.ENOEXEC
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		log.Infof("Unsupported ELF class %v, data %v", ef.Class, ef.Data)
		return nil, 0, linuxerr.ENOEXEC
	}
	if ef.Type != elf.ET_EXEC || ef.Machine != elf.EM_X86_64 {
		log.Infof("Unsupported ELF type %v, machine %v", ef.Type, ef.Machine)
		return nil, 0, linuxerr.ENOEXEC
	}

	var segs []Segment
	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Filesz > prog.Memsz {
				log.Infof("PT_LOAD segment with file size %#x > memory size %#x", prog.Filesz, prog.Memsz)
				return nil, 0, linuxerr.ENOEXEC
			}
			if prog.Off > uint64(1<<63-1) {
				return nil, 0, linuxerr.ENOEXEC
			}
			segs = append(segs, Segment{
				File:     f,
				Offset:   int64(prog.Off),
				Addr:     hostarch.Addr(prog.Vaddr),
				FileSize: prog.Filesz,
				MemSize:  prog.Memsz,
				Writable: prog.Flags&elf.PF_W != 0,
			})
		case elf.PT_INTERP, elf.PT_DYNAMIC, elf.PT_SHLIB:
			log.Infof("Dynamically linked executables are not supported")
			return nil, 0, linuxerr.ENOEXEC
		}
	}
	if len(segs) == 0 {
		return nil, 0, linuxerr.ENOEXEC
	}
	return segs, hostarch.Addr(ef.Entry), nil
}

var _ io.ReaderAt = fileReader{}
