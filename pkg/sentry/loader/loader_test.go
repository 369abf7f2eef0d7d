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
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/fsbridge"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

func newTestMM(t *testing.T) *mm.MemoryManager {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(8)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	p := mm.NewPager(mm.PagerOpts{
		MemoryFile: mf,
		Swap:       swap.NewStore(swap.NewMemoryDevice(8 * swap.SectorsPerSlot)),
	})
	m, err := mm.NewMemoryManager(p, mm.DefaultLayout)
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	t.Cleanup(func() { m.Release(context.Background()) })
	return m
}

func copyIn(t *testing.T, m *mm.MemoryManager, addr hostarch.Addr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := m.CopyIn(context.Background(), addr, buf); err != nil {
		t.Fatalf("CopyIn(%v) failed: %v", addr, err)
	}
	return buf
}

func TestLoadSegment(t *testing.T) {
	m := newTestMM(t)
	ctx := context.Background()
	contents := bytes.Repeat([]byte{'i'}, 3*hostarch.PageSize)
	f := fsbridge.NewMemFile(contents)

	// One page of file contents starting mid-page, then two zero pages.
	seg := Segment{
		File:     f,
		Offset:   0x1010,
		Addr:     0x600010,
		FileSize: 0x100,
		MemSize:  0x2100,
		Writable: true,
	}
	if err := LoadSegment(ctx, m, seg); err != nil {
		t.Fatalf("LoadSegment failed: %v", err)
	}
	if got := m.NumPages(); got != 3 {
		t.Fatalf("NumPages got %d want 3", got)
	}
	for _, addr := range []hostarch.Addr{0x600000, 0x601000, 0x602000} {
		pg := m.FindPage(addr)
		if pg.Variant() != mm.TypeUninit || pg.Type() != mm.TypeAnon {
			t.Errorf("page %v got variant %v type %v want lazy anonymous page", addr, pg.Variant(), pg.Type())
		}
	}

	first := copyIn(t, m, 0x600000, hostarch.PageSize)
	want := append(bytes.Repeat([]byte{'i'}, 0x110), make([]byte, hostarch.PageSize-0x110)...)
	if !bytes.Equal(first, want) {
		t.Errorf("first page is not 0x110 file bytes followed by zeroes")
	}
	if got := copyIn(t, m, 0x602000, 16); !bytes.Equal(got, make([]byte, 16)) {
		t.Errorf("bss page got %v want zeroes", got)
	}

	if _, err := m.CopyOut(ctx, 0x600010, []byte("private")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if !bytes.Equal(f.Contents(), contents) {
		t.Errorf("write to loaded segment reached the file")
	}
}

func TestLoadSegmentInvalid(t *testing.T) {
	f := fsbridge.NewMemFile(make([]byte, hostarch.PageSize))
	for _, tc := range []struct {
		name string
		seg  Segment
	}{
		{name: "page offset mismatch", seg: Segment{File: f, Offset: 0x10, Addr: 0x600020, FileSize: 1, MemSize: 1}},
		{name: "file size exceeds memory size", seg: Segment{File: f, Addr: 0x600000, FileSize: 2, MemSize: 1}},
		{name: "negative offset", seg: Segment{File: f, Offset: -hostarch.PageSize, Addr: 0x600000, MemSize: 1}},
		{name: "wraps", seg: Segment{File: f, Addr: 0x600000, MemSize: ^uint64(0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMM(t)
			if err := LoadSegment(context.Background(), m, tc.seg); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("LoadSegment got %v want EINVAL", err)
			}
			if got := m.NumPages(); got != 0 {
				t.Errorf("NumPages got %d want 0", got)
			}
		})
	}
}

// buildELF returns a statically linked x86-64 executable with the given
// program headers followed by body, which starts at file offset 0x1000.
func buildELF(t *testing.T, entry uint64, progs []elf.Prog64, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(progs)),
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("writing ELF header: %v", err)
	}
	for _, prog := range progs {
		if err := binary.Write(&buf, binary.LittleEndian, prog); err != nil {
			t.Fatalf("writing program header: %v", err)
		}
	}
	buf.Write(make([]byte, 0x1000-buf.Len()))
	buf.Write(body)
	return buf.Bytes()
}

func TestLoad(t *testing.T) {
	body := append(bytes.Repeat([]byte{0xcc}, hostarch.PageSize), []byte("initialized data")...)
	image := buildELF(t, 0x401000, []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Off: 0x1000, Vaddr: 0x401000, Filesz: 0x1000, Memsz: 0x1000, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: 0x2000, Vaddr: 0x602000, Filesz: 16, Memsz: 0x1100, Align: 0x1000},
	}, body)

	m := newTestMM(t)
	ctx := context.Background()
	info, err := Load(ctx, m, LoadArgs{File: fsbridge.NewMemFile(image), Argv: []string{"prog", "arg1"}})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if info.Entry != 0x401000 || info.Segments != 2 {
		t.Errorf("Load got entry %v, %d segments want 0x401000, 2 segments", info.Entry, info.Segments)
	}
	// Text, data, bss and the stack.
	if got := m.NumPages(); got != 4 {
		t.Errorf("NumPages got %d want 4", got)
	}

	if got := copyIn(t, m, 0x401000, 4); !bytes.Equal(got, []byte{0xcc, 0xcc, 0xcc, 0xcc}) {
		t.Errorf("text got %x want cccccccc", got)
	}
	if got := copyIn(t, m, 0x602000, 16); string(got) != "initialized data" {
		t.Errorf("data got %q want %q", got, "initialized data")
	}
	if _, err := m.CopyOut(ctx, 0x401000, []byte{0x90}); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("write to text got %v want EACCES", err)
	}

	st := info.Stack
	if st.Argc != 2 || st.SP != m.StackPointer() || st.SP%8 != 0 {
		t.Fatalf("Stack got %+v with stack pointer %v", st, m.StackPointer())
	}
	ptrs := copyIn(t, m, st.Argv, 3*8)
	for i, want := range []string{"prog", "arg1"} {
		addr := hostarch.Addr(binary.LittleEndian.Uint64(ptrs[8*i:]))
		got, err := m.ValidateString(ctx, addr, 64)
		if err != nil {
			t.Fatalf("ValidateString(argv[%d]) failed: %v", i, err)
		}
		if got != want {
			t.Errorf("argv[%d] got %q want %q", i, got, want)
		}
	}
	if null := binary.LittleEndian.Uint64(ptrs[16:]); null != 0 {
		t.Errorf("argv not null terminated: got %#x", null)
	}
}

func TestLoadRejects(t *testing.T) {
	dynamic := buildELF(t, 0x401000, []elf.Prog64{
		{Type: uint32(elf.PT_INTERP), Off: 0x1000, Filesz: 8, Memsz: 8},
		{Type: uint32(elf.PT_LOAD), Off: 0x1000, Vaddr: 0x401000, Filesz: 8, Memsz: 8},
	}, []byte("/lib/ld\x00"))
	for _, tc := range []struct {
		name  string
		image []byte
	}{
		{name: "script", image: []byte("#!/bin/sh\necho hello\n")},
		{name: "dynamic", image: dynamic},
		{name: "no segments", image: buildELF(t, 0, nil, nil)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMM(t)
			if _, err := Load(context.Background(), m, LoadArgs{File: fsbridge.NewMemFile(tc.image)}); !linuxerr.Equals(linuxerr.ENOEXEC, err) {
				t.Errorf("Load got %v want ENOEXEC", err)
			}
		})
	}
}

func TestSetupStackTooBig(t *testing.T) {
	m := newTestMM(t)
	argv := []string{"prog", strings.Repeat("x", hostarch.PageSize)}
	if _, err := SetupStack(context.Background(), m, argv); !linuxerr.Equals(linuxerr.E2BIG, err) {
		t.Errorf("SetupStack got %v want E2BIG", err)
	}
}
