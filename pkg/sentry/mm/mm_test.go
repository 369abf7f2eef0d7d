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
	"bytes"
	"context"
	"testing"

	vmerrors "gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/swap"
)

const (
	// heapBase is where tests place anonymous pages.
	heapBase hostarch.Addr = 0x10000000

	// mmapBase is where tests place file mappings.
	mmapBase hostarch.Addr = 0x20000000
)

func testPager(t *testing.T, frames, slots int) *Pager {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(frames)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	store := swap.NewStore(swap.NewMemoryDevice(uint64(slots) * swap.SectorsPerSlot))
	return NewPager(PagerOpts{MemoryFile: mf, Swap: store})
}

func testMemoryManager(t *testing.T, p *Pager) *MemoryManager {
	t.Helper()
	mm, err := NewMemoryManager(p, DefaultLayout)
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	t.Cleanup(func() { mm.Release(context.Background()) })
	return mm
}

// metricDelta returns a function that reports how much m has grown since
// metricDelta was called. Metrics are process-wide, so tests compare deltas.
func metricDelta(m *metric.Uint64Metric) func() uint64 {
	start := m.Value()
	return func() uint64 { return m.Value() - start }
}

func pageOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, hostarch.PageSize)
}

func mustRegisterAnon(t *testing.T, mm *MemoryManager, addr hostarch.Addr) {
	t.Helper()
	if err := mm.RegisterLazy(TypeAnon, addr, true, nil, nil); err != nil {
		t.Fatalf("RegisterLazy(%v) failed: %v", addr, err)
	}
}

func mustCopyOut(t *testing.T, mm *MemoryManager, addr hostarch.Addr, src []byte) {
	t.Helper()
	if n, err := mm.CopyOut(context.Background(), addr, src); err != nil || n != len(src) {
		t.Fatalf("CopyOut(%v) got (%d, %v) want (%d, nil)", addr, n, err, len(src))
	}
}

func mustCopyIn(t *testing.T, mm *MemoryManager, addr hostarch.Addr, length int) []byte {
	t.Helper()
	dst := make([]byte, length)
	if n, err := mm.CopyIn(context.Background(), addr, dst); err != nil || n != length {
		t.Fatalf("CopyIn(%v) got (%d, %v) want (%d, nil)", addr, n, err, length)
	}
	return dst
}

// touchAnon writes to n anonymous pages starting at base, registering them
// if needed. With a small physical pool this evicts other pages.
func touchAnon(t *testing.T, mm *MemoryManager, base hostarch.Addr, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		addr := base + hostarch.Addr(i*hostarch.PageSize)
		if mm.FindPage(addr) == nil {
			mustRegisterAnon(t, mm, addr)
		}
		mustCopyOut(t, mm, addr, []byte{byte(i)})
	}
}

func TestRegisterLazy(t *testing.T) {
	mm := testMemoryManager(t, testPager(t, 4, 4))

	if err := mm.RegisterLazy(TypeAnon, heapBase+0x123, false, nil, nil); err != nil {
		t.Fatalf("RegisterLazy got err %v want nil", err)
	}
	pg := mm.FindPage(heapBase + 0xfff)
	if pg == nil {
		t.Fatalf("FindPage found nothing in registered page")
	}
	if pg.Addr() != heapBase {
		t.Errorf("Addr got %v want %v", pg.Addr(), heapBase)
	}
	if got, want := pg.Variant(), TypeUninit; got != want {
		t.Errorf("Variant got %v want %v", got, want)
	}
	if got, want := pg.Type(), TypeAnon; got != want {
		t.Errorf("Type got %v want %v", got, want)
	}
	if mm.IsResident(heapBase) {
		t.Errorf("registered page is resident before any fault")
	}

	for _, tc := range []struct {
		name string
		typ  PageType
		addr hostarch.Addr
		want *vmerrors.Error
	}{
		{name: "duplicate", typ: TypeAnon, addr: heapBase + 8, want: linuxerr.EEXIST},
		{name: "uninit type", typ: TypeUninit, addr: heapBase + hostarch.PageSize, want: linuxerr.EINVAL},
		{name: "file without FileLoad", typ: TypeFile, addr: heapBase + hostarch.PageSize, want: linuxerr.EINVAL},
		{name: "null page", typ: TypeAnon, addr: 0x10, want: linuxerr.EINVAL},
		{name: "kernel address", typ: TypeAnon, addr: DefaultLayout.MaxAddr, want: linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := mm.RegisterLazy(tc.typ, tc.addr, true, nil, nil); !linuxerr.Equals(tc.want, err) {
				t.Errorf("RegisterLazy got err %v want %v", err, tc.want)
			}
		})
	}
	if got := mm.NumPages(); got != 1 {
		t.Errorf("NumPages got %d want 1", got)
	}
}

// TestInitializeOnce checks that a page's initializer runs on the first
// fault only, and never again after the page is evicted and reloaded.
func TestInitializeOnce(t *testing.T) {
	mm := testMemoryManager(t, testPager(t, 1, 8))

	calls := make(map[byte]int)
	fill := func(_ context.Context, dst []byte, aux any) error {
		b := aux.(byte)
		calls[b]++
		copy(dst, pageOf(b))
		return nil
	}
	a, b := heapBase, heapBase+hostarch.PageSize
	if err := mm.RegisterLazy(TypeAnon, a, true, fill, byte(1)); err != nil {
		t.Fatalf("RegisterLazy failed: %v", err)
	}
	if err := mm.RegisterLazy(TypeAnon, b, true, fill, byte(2)); err != nil {
		t.Fatalf("RegisterLazy failed: %v", err)
	}

	evictions := metricDelta(evictionsMetric)
	for i := 0; i < 3; i++ {
		if got := mustCopyIn(t, mm, a, hostarch.PageSize); !bytes.Equal(got, pageOf(1)) {
			t.Fatalf("round %d: page a has wrong contents", i)
		}
		if got := mustCopyIn(t, mm, b, hostarch.PageSize); !bytes.Equal(got, pageOf(2)) {
			t.Fatalf("round %d: page b has wrong contents", i)
		}
	}
	if calls[1] != 1 || calls[2] != 1 {
		t.Errorf("initializer calls got %v want one per page", calls)
	}
	if got := evictions(); got < 5 {
		t.Errorf("evictions got %d want at least 5", got)
	}
	for _, addr := range []hostarch.Addr{a, b} {
		if got := mm.FindPage(addr).Variant(); got != TypeAnon {
			t.Errorf("page %v Variant got %v want %v", addr, got, TypeAnon)
		}
	}
}

func TestInitializerFailure(t *testing.T) {
	p := testPager(t, 2, 2)
	mm := testMemoryManager(t, p)

	fail := func(context.Context, []byte, any) error { return linuxerr.EIO }
	if err := mm.RegisterLazy(TypeAnon, heapBase, true, fail, nil); err != nil {
		t.Fatalf("RegisterLazy failed: %v", err)
	}
	if _, err := mm.CopyIn(context.Background(), heapBase, make([]byte, 1)); !linuxerr.Equals(linuxerr.EIO, err) {
		t.Errorf("CopyIn got err %v want EIO", err)
	}
	if got := p.Stats().Frames; got != 0 {
		t.Errorf("frames in use after failed claim got %d want 0", got)
	}
}

func TestAnonEvictionRoundTrip(t *testing.T) {
	p := testPager(t, 2, 16)
	mm := testMemoryManager(t, p)

	want := make([]byte, hostarch.PageSize)
	for i := range want {
		want[i] = byte(i % 251)
	}
	mustRegisterAnon(t, mm, heapBase)
	mustCopyOut(t, mm, heapBase, want)

	swapOuts := metricDelta(swapOutsMetric)
	swapIns := metricDelta(swapInsMetric)
	touchAnon(t, mm, heapBase+0x100000, 4)
	if mm.IsResident(heapBase) {
		t.Fatalf("page still resident after memory pressure")
	}
	if swapOuts() == 0 {
		t.Errorf("no pages swapped out")
	}

	if got := mustCopyIn(t, mm, heapBase, hostarch.PageSize); !bytes.Equal(got, want) {
		t.Errorf("page contents changed across eviction")
	}
	if swapIns() == 0 {
		t.Errorf("no pages swapped in")
	}
}

func TestReleaseFreesResources(t *testing.T) {
	p := testPager(t, 2, 8)
	mm, err := NewMemoryManager(p, DefaultLayout)
	if err != nil {
		t.Fatalf("NewMemoryManager failed: %v", err)
	}
	touchAnon(t, mm, heapBase, 5)
	if got := p.Stats().FreeSwapSlots; got == 8 {
		t.Fatalf("no swap slots in use after evictions")
	}

	mm.Release(context.Background())
	mm.Release(context.Background())

	want := Stats{Frames: 0, FreePages: 2, SwapSlots: 8, FreeSwapSlots: 8}
	if got := p.Stats(); got != want {
		t.Errorf("Stats after Release got %v want %v", got, want)
	}
	if err := mm.RegisterLazy(TypeAnon, heapBase, true, nil, nil); !linuxerr.Equals(linuxerr.ESRCH, err) {
		t.Errorf("RegisterLazy after Release got %v want ESRCH", err)
	}
}

func TestValidate(t *testing.T) {
	mm := testMemoryManager(t, testPager(t, 4, 4))
	ctx := context.Background()

	mustRegisterAnon(t, mm, heapBase)
	mustRegisterAnon(t, mm, heapBase+hostarch.PageSize)

	if err := mm.ValidateRange(ctx, heapBase+10, hostarch.PageSize, hostarch.Read); err != nil {
		t.Fatalf("ValidateRange got err %v want nil", err)
	}
	for _, addr := range []hostarch.Addr{heapBase, heapBase + hostarch.PageSize} {
		if !mm.IsResident(addr) {
			t.Errorf("page %v not resident after ValidateRange", addr)
		}
	}
	if err := mm.ValidateRange(ctx, heapBase, 3*hostarch.PageSize, hostarch.Read); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("ValidateRange past mapping got %v want EFAULT", err)
	}
	if err := mm.ValidateRange(ctx, ^hostarch.Addr(0)-4, 16, hostarch.Read); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("ValidateRange of wrapping range got %v want EFAULT", err)
	}

	// A string crossing a page boundary.
	str := heapBase + hostarch.PageSize - 3
	mustCopyOut(t, mm, str, []byte("hello\x00"))
	if got, err := mm.ValidateString(ctx, str, 64); err != nil || got != "hello" {
		t.Errorf("ValidateString got (%q, %v) want (%q, nil)", got, err, "hello")
	}
	if _, err := mm.ValidateString(ctx, str, 5); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("ValidateString with short maxlen got %v want EINVAL", err)
	}
	// No terminator before the end of the mapping.
	mustCopyOut(t, mm, heapBase+hostarch.PageSize, pageOf('x'))
	if _, err := mm.ValidateString(ctx, heapBase+hostarch.PageSize, 2*hostarch.PageSize); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("ValidateString of unterminated string got %v want EFAULT", err)
	}
}
