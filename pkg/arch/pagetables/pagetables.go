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

// Package pagetables provides a software page table: an arch.PageTable
// implementation that records translations in memory instead of encoding
// them for an MMU. It backs tests and hosts without a hardware encoder.
package pagetables

import (
	"fmt"

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/sync"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// Translation is one installed page translation.
type Translation struct {
	// Phys is the physical address of the mapped page.
	Phys vaddr.PhysAddr

	// Type carries the protection and attributes the page was mapped with.
	Type arch.MapType
}

// PageTables records translations for one address space. The zero value is
// not usable; call New.
//
// PageTables is internally synchronized, but the memory manager additionally
// serializes mutation under its page table lock.
type PageTables struct {
	mu sync.Mutex

	// translations maps page-aligned virtual addresses to their
	// translations.
	translations map[vaddr.Addr]Translation
}

// New returns an empty PageTables.
func New() *PageTables {
	return &PageTables{
		translations: make(map[vaddr.Addr]Translation),
	}
}

// MapRange implements arch.PageTable.MapRange.
func (pt *PageTables) MapRange(vr vaddr.AddrRange, pr vaddr.PhysRange, mt arch.MapType) error {
	if !vr.IsPageAligned() || !pr.Start.IsPageAligned() || vr.Length() != pr.Length() {
		panic(fmt.Sprintf("misaligned or mismatched map request: %v -> %v", vr, pr))
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for va := vr.Start; va < vr.End; va += vaddr.PageSize {
		if _, ok := pt.translations[va]; ok {
			return arch.ErrAlreadyMapped
		}
	}
	pa := pr.Start
	for va := vr.Start; va < vr.End; va += vaddr.PageSize {
		pt.translations[va] = Translation{Phys: pa, Type: mt}
		pa += vaddr.PageSize
	}
	return nil
}

// UnmapRange implements arch.PageTable.UnmapRange.
func (pt *PageTables) UnmapRange(vr vaddr.AddrRange) {
	if !vr.IsPageAligned() {
		panic(fmt.Sprintf("misaligned unmap request: %v", vr))
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for va := vr.Start; va < vr.End; va += vaddr.PageSize {
		delete(pt.translations, va)
	}
}

// ProtectRange implements arch.PageTable.ProtectRange.
func (pt *PageTables) ProtectRange(vr vaddr.AddrRange, mt arch.MapType) {
	if !vr.IsPageAligned() {
		panic(fmt.Sprintf("misaligned protect request: %v", vr))
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for va := vr.Start; va < vr.End; va += vaddr.PageSize {
		if tr, ok := pt.translations[va]; ok {
			tr.Type = mt
			pt.translations[va] = tr
		}
	}
}

// Lookup returns the translation for the page containing va, if any.
func (pt *PageTables) Lookup(va vaddr.Addr) (Translation, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	tr, ok := pt.translations[va.RoundDown()]
	return tr, ok
}

// Mapped returns the number of pages with a translation.
func (pt *PageTables) Mapped() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.translations)
}
