// Copyright 2025 The virtmem Authors.
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

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/vaddr"
)

func TestMapUnmap(t *testing.T) {
	pt := New()
	vr := vaddr.AddrRange{Start: 0x10000, End: 0x10000 + 2*vaddr.PageSize}
	pr := vaddr.PhysRange{Start: 0x4000, End: 0x4000 + 2*vaddr.PageSize}
	mt := arch.MapType{User: true, Protection: arch.ReadWrite}
	if err := pt.MapRange(vr, pr, mt); err != nil {
		t.Fatalf("MapRange got err %v want nil", err)
	}
	tr, ok := pt.Lookup(0x10000 + vaddr.PageSize + 42)
	if !ok {
		t.Fatal("Lookup got no translation want one")
	}
	if want := vaddr.PhysAddr(0x4000 + vaddr.PageSize); tr.Phys != want {
		t.Errorf("Lookup got phys %#x want %#x", tr.Phys, want)
	}

	if err := pt.MapRange(vr, pr, mt); err != arch.ErrAlreadyMapped {
		t.Errorf("remapping got err %v want ErrAlreadyMapped", err)
	}

	pt.UnmapRange(vr)
	if _, ok := pt.Lookup(0x10000); ok {
		t.Error("Lookup after UnmapRange got a translation want none")
	}
	if got := pt.Mapped(); got != 0 {
		t.Errorf("Mapped got %d want 0", got)
	}
}

func TestProtectRange(t *testing.T) {
	pt := New()
	vr := vaddr.AddrRange{Start: 0, End: 2 * vaddr.PageSize}
	if err := pt.MapRange(vr, vaddr.PhysRange{Start: 0, End: 2 * vaddr.PageSize}, arch.MapType{Protection: arch.ReadWrite}); err != nil {
		t.Fatalf("MapRange got err %v want nil", err)
	}
	pt.ProtectRange(vaddr.AddrRange{Start: 0, End: vaddr.PageSize}, arch.MapType{Protection: arch.Read})
	tr, _ := pt.Lookup(0)
	if tr.Type.Protection != arch.Read {
		t.Errorf("first page protection got %v want %v", tr.Type.Protection, arch.Read)
	}
	tr, _ = pt.Lookup(vaddr.PageSize)
	if tr.Type.Protection != arch.ReadWrite {
		t.Errorf("second page protection got %v want %v", tr.Type.Protection, arch.ReadWrite)
	}
}
