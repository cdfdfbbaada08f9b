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

package vm

import (
	"fmt"

	"virtmem.dev/virtmem/pkg/chunkmap"
	"virtmem.dev/virtmem/pkg/sync"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// An AnonymousPage is a reference-counted handle on one physical page. It is
// shared between entries only for copy-on-write; writing requires holding
// the only reference or copying first.
type AnonymousPage struct {
	mu sync.Mutex

	// refs is guarded by mu. Reference count mutation goes through an
	// anonGuard so that "caller holds the lock" is checked by the
	// compiler rather than by convention.
	refs uint64

	// page is the owned physical page. It is immutable after the
	// AnonymousPage is published.
	page vaddr.PhysRange
}

// anonGuard proves that its holder owns a.mu.
type anonGuard struct {
	a *AnonymousPage
}

func (a *AnonymousPage) lock() anonGuard {
	a.mu.Lock()
	return anonGuard{a}
}

func (g anonGuard) unlock() {
	g.a.mu.Unlock()
}

func (g anonGuard) incRef() {
	g.a.refs++
}

// decRef returns true if the last reference was dropped; the caller then
// owns the page and the AnonymousPage itself.
func (g anonGuard) decRef() bool {
	if g.a.refs == 0 {
		panic("AnonymousPage reference count underflow")
	}
	g.a.refs--
	return g.a.refs == 0
}

// refCount returns the current reference count. The result is only a
// snapshot unless the caller excludes concurrent entry mutation by holding
// the owning address space's entries lock exclusively.
func (a *AnonymousPage) refCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs
}

// An AnonymousMap is a reference-counted collection of AnonymousPage slots
// backing one allocation of anonymous memory. It lives as long as any Entry
// references it.
//
// Invariant: pagesInUse <= pageCount. A populated slot always holds a valid
// AnonymousPage reference.
type AnonymousMap struct {
	mu sync.RWMutex

	// All fields below are guarded by mu.
	refs       uint64
	pageCount  uint64
	pagesInUse uint64
	pages      chunkmap.Map[AnonymousPage]
}

// amapGuard proves that its holder owns m.mu exclusively.
type amapGuard struct {
	m *AnonymousMap
}

func (m *AnonymousMap) lock() amapGuard {
	m.mu.Lock()
	return amapGuard{m}
}

func (g amapGuard) unlock() {
	g.m.mu.Unlock()
}

func (g amapGuard) incRef() {
	g.m.refs++
}

// decRef returns true if the last reference was dropped; the caller must
// then destroy the map.
func (g amapGuard) decRef() bool {
	if g.m.refs == 0 {
		panic("AnonymousMap reference count underflow")
	}
	g.m.refs--
	return g.m.refs == 0
}

// grow extends the map to cover at least pages page slots.
func (g amapGuard) grow(pages uint64) {
	if pages > g.m.pageCount {
		g.m.pageCount = pages
	}
}

// add populates an empty slot.
func (g amapGuard) add(index uint64, anon *AnonymousPage) {
	if index >= g.m.pageCount {
		panic(fmt.Sprintf("page index %d outside map of %d pages", index, g.m.pageCount))
	}
	if g.m.pages.Get(index) != nil {
		panic(fmt.Sprintf("page index %d already populated", index))
	}
	g.m.pages.Set(index, anon)
	g.m.pagesInUse++
}

// replace swaps the AnonymousPage in a populated slot. The caller keeps the
// reference it held on the old page and is responsible for dropping it.
func (g amapGuard) replace(index uint64, anon *AnonymousPage) *AnonymousPage {
	old := g.m.pages.Get(index)
	if old == nil {
		panic(fmt.Sprintf("replacing empty page index %d", index))
	}
	g.m.pages.Set(index, anon)
	return old
}

// remove clears a populated slot and returns its AnonymousPage. The caller
// keeps the reference the slot held and is responsible for dropping it.
func (g amapGuard) remove(index uint64) *AnonymousPage {
	anon := g.m.pages.Get(index)
	if anon == nil {
		panic(fmt.Sprintf("removing empty page index %d", index))
	}
	g.m.pages.Set(index, nil)
	g.m.pagesInUse--
	return anon
}

// amapRGuard proves that its holder owns m.mu shared.
type amapRGuard struct {
	m *AnonymousMap
}

func (m *AnonymousMap) rlock() amapRGuard {
	m.mu.RLock()
	return amapRGuard{m}
}

func (g amapRGuard) runlock() {
	g.m.mu.RUnlock()
}

func (g amapRGuard) page(index uint64) *AnonymousPage {
	return g.m.pages.Get(index)
}

// refCount returns the current reference count; see
// AnonymousPage.refCount regarding staleness.
func (m *AnonymousMap) refCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs
}

// destroyAnonymousMapLocked frees every page in m and returns m to its
// cache. freePages is false for kernel address spaces, whose backing frames
// are owned elsewhere and survive unmapping.
//
// Preconditions: m's reference count has reached zero. No other thread can
// reach m.
func (as *AddressSpace) destroyAnonymousMapLocked(m *AnonymousMap, freePages bool) {
	m.pages.Range(func(_ uint64, anon *AnonymousPage) bool {
		g := anon.lock()
		last := g.decRef()
		g.unlock()
		if last {
			if freePages {
				as.mem.DeallocatePage(anon.page)
			}
			as.caches.AnonymousPages.Deallocate(anon)
		}
		return true
	})
	m.pages.Clear()
	as.caches.AnonymousMaps.Deallocate(m)
}
