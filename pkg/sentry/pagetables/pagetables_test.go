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

package pagetables

import (
	"testing"

	"gvisor.dev/vmcore/pkg/hostarch"
)

func TestMapLookupUnmap(t *testing.T) {
	pt := New()

	pt.Map(0x400123, 0x2000, MapOpts{AccessType: hostarch.ReadWrite})
	pte, ok := pt.Lookup(0x400fff)
	if !ok {
		t.Fatalf("Lookup after Map found nothing")
	}
	if got, want := pte.Address(), hostarch.PhysAddr(0x2000); got != want {
		t.Errorf("Address got %#x want %#x", uint64(got), uint64(want))
	}
	if got, want := pte.Opts(), (MapOpts{AccessType: hostarch.ReadWrite}); got != want {
		t.Errorf("Opts got %+v want %+v", got, want)
	}
	if pte.Accessed() || pte.Dirty() {
		t.Errorf("fresh mapping has bits set: %v", pte)
	}

	if _, ok := pt.Unmap(0x400000); !ok {
		t.Errorf("Unmap of mapped page returned false")
	}
	if _, ok := pt.Unmap(0x400000); ok {
		t.Errorf("second Unmap returned true")
	}
	if pt.Len() != 0 {
		t.Errorf("Len got %d want 0", pt.Len())
	}
}

func TestTranslate(t *testing.T) {
	pt := New()
	pt.Map(0x1000, 0x5000, MapOpts{AccessType: hostarch.Read})
	pt.Map(0x2000, 0x6000, MapOpts{AccessType: hostarch.ReadWrite})

	for _, tc := range []struct {
		name   string
		va     hostarch.Addr
		at     hostarch.AccessType
		pa     hostarch.PhysAddr
		fault  FaultKind
		access bool
		dirty  bool
	}{
		{name: "read ro", va: 0x1010, at: hostarch.Read, pa: 0x5010, access: true},
		{name: "write ro", va: 0x1010, at: hostarch.Write, fault: ProtectionFault},
		{name: "write rw", va: 0x2fff, at: hostarch.Write, pa: 0x6fff, access: true, dirty: true},
		{name: "unmapped", va: 0x3000, at: hostarch.Read, fault: NotPresent},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pt.SetAccessed(tc.va, false)
			pt.SetDirty(tc.va, false)
			pa, fault := pt.Translate(tc.va, tc.at)
			if fault != tc.fault {
				t.Fatalf("Translate fault got %v want %v", fault, tc.fault)
			}
			if fault != NoFault {
				return
			}
			if pa != tc.pa {
				t.Errorf("Translate got %#x want %#x", uint64(pa), uint64(tc.pa))
			}
			if got := pt.IsAccessed(tc.va); got != tc.access {
				t.Errorf("IsAccessed got %v want %v", got, tc.access)
			}
			if got := pt.IsDirty(tc.va); got != tc.dirty {
				t.Errorf("IsDirty got %v want %v", got, tc.dirty)
			}
		})
	}
}

func TestRemapClearsBits(t *testing.T) {
	pt := New()
	pt.Map(0x1000, 0x5000, MapOpts{AccessType: hostarch.ReadWrite})
	if _, fault := pt.Translate(0x1000, hostarch.Write); fault != NoFault {
		t.Fatalf("Translate got fault %v", fault)
	}
	pt.Map(0x1000, 0x7000, MapOpts{AccessType: hostarch.ReadWrite})
	if pt.IsAccessed(0x1000) || pt.IsDirty(0x1000) {
		t.Errorf("remap kept accessed/dirty bits")
	}
}
