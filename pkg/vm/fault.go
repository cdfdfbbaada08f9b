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
	"errors"

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// HandlePageFault resolves a fault at addr for the given access, which must
// request at least one access type. The faulting address may be unaligned;
// it is rounded down to its page.
//
// Resolution runs optimistically under the shared entries lock and restarts
// under the exclusive lock when it must mutate anything, re-validating from
// scratch so it never holds locks across the transition. Concurrent faults
// and concurrent Map/Unmap/ChangeProtection on the same AddressSpace are
// safe.
//
// Errors: ErrNotMapped, ErrProtection, ErrNoMemory.
func (as *AddressSpace) HandlePageFault(addr vaddr.Addr, at vaddr.AccessType) error {
	if checkInvariants {
		if !at.Any() {
			panic("page fault with empty access type")
		}
	}
	addr = addr.RoundDown()
	for exclusive := false; ; exclusive = true {
		done, err := as.faultAttempt(addr, at, exclusive)
		if done {
			return err
		}
	}
}

// faultAttempt makes one pass at resolving the fault. It returns done=false
// to request a restart under the exclusive entries lock; with exclusive set
// it always completes.
func (as *AddressSpace) faultAttempt(addr vaddr.Addr, at vaddr.AccessType, exclusive bool) (done bool, err error) {
	if exclusive {
		as.mu.Lock()
		defer as.mu.Unlock()
	} else {
		as.mu.RLock()
		defer as.mu.RUnlock()
	}

	_, e := as.findLocked(addr)
	if e == nil {
		return true, ErrNotMapped
	}
	if !e.protection.Allows(at) {
		return true, ErrProtection
	}

	if m := e.amap.m; m != nil {
		g := m.rlock()
		anon := g.page(e.amapPageIndex(addr))
		g.runlock()
		if anon != nil {
			shared := anon.refCount() > 1
			if at.Write && (shared || e.needsCopy) {
				if !exclusive {
					return false, nil
				}
				anon, err = as.resolveWriteLocked(e, addr)
				if err != nil {
					return true, err
				}
				return true, as.installLocked(addr, anon.page, e.protection)
			}
			// The page stays copy-on-write; install without write
			// access so the next write faults.
			p := e.protection
			if shared || e.needsCopy {
				p = p.StripWrite()
			}
			return true, as.installLocked(addr, anon.page, p)
		}
	}

	if e.object.o != nil {
		// Pager-backed resolution is not implemented; Object exists for
		// reference counting only.
		panic("fault on object-backed mapping")
	}

	// Zero fill. Populating the amap mutates the entry.
	if !exclusive {
		return false, nil
	}
	anon, err := as.zeroFillLocked(e, addr)
	if err != nil {
		return true, err
	}
	return true, as.installLocked(addr, anon.page, e.protection)
}

// resolveWriteLocked makes the faulting page privately writable: it ensures
// the entry owns its amap, then replaces a still-shared page with a private
// copy.
//
// Preconditions: as.mu must be locked for writing. e.amap.m != nil and the
// faulting slot is populated.
func (as *AddressSpace) resolveWriteLocked(e *Entry, addr vaddr.Addr) (*AnonymousPage, error) {
	if e.needsCopy {
		if err := as.promoteAmapLocked(e); err != nil {
			return nil, err
		}
	}
	m := e.amap.m
	index := e.amapPageIndex(addr)
	g := m.rlock()
	anon := g.page(index)
	g.runlock()
	if anon.refCount() == 1 {
		return anon, nil
	}
	return as.copyAnonymousPageLocked(m, index, anon)
}

// promoteAmapLocked gives e a private amap. If e already holds the sole
// reference the existing map is simply claimed; otherwise a new map is built
// referencing the same pages, deferring page copies to later write faults.
//
// Preconditions: as.mu must be locked for writing. e.needsCopy and
// e.amap.m != nil.
func (as *AddressSpace) promoteAmapLocked(e *Entry) error {
	src := e.amap.m
	if src.refCount() == 1 {
		e.needsCopy = false
		return nil
	}

	dst, err := as.caches.AnonymousMaps.Allocate()
	if err != nil {
		return ErrNoMemory
	}
	// dst is unpublished; no lock needed yet.
	pages := e.rng.Pages()
	dst.refs = 1
	dst.pageCount = pages

	srcBase := e.amap.startOffset >> vaddr.PageShift
	g := src.rlock()
	for i := uint64(0); i < pages; i++ {
		anon := g.page(srcBase + i)
		if anon == nil {
			continue
		}
		ag := anon.lock()
		ag.incRef()
		ag.unlock()
		dst.pages.Set(i, anon)
		dst.pagesInUse++
	}
	g.runlock()

	sg := src.lock()
	last := sg.decRef()
	sg.unlock()
	if last {
		as.destroyAnonymousMapLocked(src, as.freeBackingPages())
	}

	e.amap = amapReference{m: dst}
	e.needsCopy = false
	return nil
}

// zeroFillLocked resolves a fault on an unpopulated page of a zero-fill
// entry: it ensures the entry has a private amap, then allocates a zeroed
// page into the faulting slot.
//
// Preconditions: as.mu must be locked for writing. e.object.o == nil.
func (as *AddressSpace) zeroFillLocked(e *Entry, addr vaddr.Addr) (*AnonymousPage, error) {
	if e.amap.m == nil {
		m, err := as.caches.AnonymousMaps.Allocate()
		if err != nil {
			return nil, ErrNoMemory
		}
		m.refs = 1
		m.pageCount = e.rng.Pages()
		e.amap = amapReference{m: m}
		e.needsCopy = false
	} else if e.needsCopy {
		if err := as.promoteAmapLocked(e); err != nil {
			return nil, err
		}
	}

	pr, err := as.mem.AllocatePage()
	if err != nil {
		return nil, ErrNoMemory
	}
	anon, err := as.caches.AnonymousPages.Allocate()
	if err != nil {
		as.mem.DeallocatePage(pr)
		return nil, ErrNoMemory
	}
	anon.refs = 1
	anon.page = pr

	g := e.amap.m.lock()
	g.add(e.amapPageIndex(addr), anon)
	g.unlock()
	return anon, nil
}

// copyAnonymousPageLocked replaces the shared page in m's slot with a
// private copy for the faulting entry, dropping the entry's reference on the
// old page.
//
// Preconditions: as.mu must be locked for writing. old is the page currently
// at index.
func (as *AddressSpace) copyAnonymousPageLocked(m *AnonymousMap, index uint64, old *AnonymousPage) (*AnonymousPage, error) {
	pr, err := as.mem.AllocatePage()
	if err != nil {
		return nil, ErrNoMemory
	}
	copy(as.mem.Slice(pr), as.mem.Slice(old.page))
	anon, err := as.caches.AnonymousPages.Allocate()
	if err != nil {
		as.mem.DeallocatePage(pr)
		return nil, ErrNoMemory
	}
	anon.refs = 1
	anon.page = pr

	g := m.lock()
	g.replace(index, anon)
	g.unlock()

	og := old.lock()
	last := og.decRef()
	og.unlock()
	if last {
		as.mem.DeallocatePage(old.page)
		as.caches.AnonymousPages.Deallocate(old)
	}
	return anon, nil
}

// installLocked pushes one resolved page into the page table. An existing
// translation for the page is replaced; a read-only install being upgraded
// after a copy-on-write fault takes this path.
//
// Preconditions: as.mu must be locked (shared suffices).
func (as *AddressSpace) installLocked(addr vaddr.Addr, pr vaddr.PhysRange, prot arch.Protection) error {
	vr := vaddr.AddrRange{Start: addr, End: addr + vaddr.PageSize}
	mt := as.env.mapType(prot)

	as.ptMu.Lock()
	defer as.ptMu.Unlock()
	err := as.pt.MapRange(vr, pr, mt)
	if errors.Is(err, arch.ErrAlreadyMapped) {
		as.pt.UnmapRange(vr)
		err = as.pt.MapRange(vr, pr, mt)
	}
	if err != nil {
		return ErrNoMemory
	}
	return nil
}
