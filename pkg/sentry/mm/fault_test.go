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
	"testing"

	vmerrors "gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

func TestStackGrowth(t *testing.T) {
	top := DefaultLayout.StackTop
	limit := top - hostarch.Addr(DefaultLayout.MaxStackSize)
	sp := top - 0x2000

	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		sp   hostarch.Addr
		want *vmerrors.Error
	}{
		{name: "push below sp", addr: sp - 8, sp: sp},
		{name: "at sp", addr: sp, sp: sp},
		{name: "above sp", addr: sp + 0x1010, sp: sp},
		{name: "16 bytes below sp", addr: sp - 16, sp: sp, want: linuxerr.EFAULT},
		{name: "far below sp", addr: sp - 0x10000, sp: sp, want: linuxerr.EFAULT},
		{name: "lowest stack page", addr: limit, sp: limit + 8},
		{name: "one page past the limit", addr: limit - hostarch.PageSize, sp: limit - hostarch.PageSize + 8, want: linuxerr.EFAULT},
		{name: "at stack top", addr: top, sp: top - 8, want: linuxerr.EFAULT},
		{name: "sp below the stack", addr: sp, sp: limit - hostarch.PageSize, want: linuxerr.EFAULT},
		{name: "sp above the stack", addr: sp, sp: top, want: linuxerr.EFAULT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mm := testMemoryManager(t, testPager(t, 2, 2))
			growths := metricDelta(stackGrowthsMetric)

			err := mm.HandleUserFault(context.Background(), tc.addr, hostarch.Write, tc.sp)
			if !linuxerr.Equals(tc.want, err) {
				t.Fatalf("HandleUserFault got err %v want %v", err, tc.want)
			}
			if tc.want != nil {
				if mm.NumPages() != 0 {
					t.Errorf("failed fault added %d pages", mm.NumPages())
				}
				return
			}
			if growths() != 1 {
				t.Errorf("stack growths got %d want 1", growths())
			}
			pg := mm.FindPage(tc.addr)
			if pg == nil {
				t.Fatalf("no page after stack growth")
			}
			if pg.Addr() != tc.addr.RoundDown() || !pg.Writable() || pg.Type() != TypeAnon {
				t.Errorf("stack page got %v want writable anon page at %v", pg, tc.addr.RoundDown())
			}
			if !mm.IsResident(tc.addr) {
				t.Errorf("stack page not resident after fault")
			}
		})
	}
}

func TestFaultErrors(t *testing.T) {
	mm := testMemoryManager(t, testPager(t, 2, 2))
	ctx := context.Background()
	sp := DefaultLayout.StackTop

	if err := mm.RegisterLazy(TypeAnon, heapBase, false, nil, nil); err != nil {
		t.Fatalf("RegisterLazy failed: %v", err)
	}

	fatal := metricDelta(fatalFaultsMetric)
	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		at   hostarch.AccessType
		want *vmerrors.Error
	}{
		{name: "null", addr: 0, at: hostarch.Read, want: linuxerr.EFAULT},
		{name: "first page", addr: 0xff8, at: hostarch.Read, want: linuxerr.EFAULT},
		{name: "kernel", addr: DefaultLayout.MaxAddr + 0x1000, at: hostarch.Read, want: linuxerr.EFAULT},
		{name: "unmapped", addr: heapBase + 0x100000, at: hostarch.Read, want: linuxerr.EFAULT},
		{name: "write to read-only page", addr: heapBase, at: hostarch.Write, want: linuxerr.EACCES},
		{name: "read of read-only page", addr: heapBase, at: hostarch.Read},
		{name: "write to resident read-only page", addr: heapBase + 8, at: hostarch.Write, want: linuxerr.EACCES},
		{name: "read of resident page", addr: heapBase + 16, at: hostarch.Read, want: linuxerr.EFAULT},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := mm.HandleUserFault(ctx, tc.addr, tc.at, sp); !linuxerr.Equals(tc.want, err) {
				t.Errorf("HandleUserFault got err %v want %v", err, tc.want)
			}
		})
	}
	if got := fatal(); got != 7 {
		t.Errorf("fatal faults got %d want 7", got)
	}

	if _, err := mm.CopyOut(ctx, heapBase, []byte{1}); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("CopyOut to read-only page got %v want EACCES", err)
	}
	// Copies and validation resolve resident pages without error.
	if _, err := mm.CopyIn(ctx, heapBase, make([]byte, 1)); err != nil {
		t.Errorf("CopyIn from resident page got %v want nil", err)
	}
	if pg, err := mm.Resolve(ctx, heapBase, hostarch.Read); err != nil || pg.Addr() != heapBase {
		t.Errorf("Resolve of resident page got (%v, %v) want (%v, nil)", pg, err, heapBase)
	}
}

func TestClaimPage(t *testing.T) {
	mm := testMemoryManager(t, testPager(t, 2, 2))
	ctx := context.Background()

	if err := mm.ClaimPage(ctx, heapBase); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("ClaimPage of missing page got %v want EFAULT", err)
	}
	mustRegisterAnon(t, mm, heapBase)
	if err := mm.ClaimPage(ctx, heapBase); err != nil {
		t.Fatalf("ClaimPage got %v want nil", err)
	}
	if !mm.IsResident(heapBase) {
		t.Errorf("page not resident after ClaimPage")
	}
	// Claiming a resident page does nothing.
	if err := mm.ClaimPage(ctx, heapBase); err != nil {
		t.Errorf("second ClaimPage got %v want nil", err)
	}
	if got := mm.Pager().Stats().Frames; got != 1 {
		t.Errorf("frames in use got %d want 1", got)
	}
}
