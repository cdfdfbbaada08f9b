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
	"slices"

	"virtmem.dev/virtmem/pkg/vaddr"
)

// Unmap removes all mappings in r. Entries partially covered by r are
// trimmed and release the pages backing their unmapped part; entries fully
// covered are removed and their backing references dropped. Ranges with no
// mappings, including empty ranges, are ignored.
//
// Errors: ErrNoMemory (only when r splits an entry in two and no entry can
// be allocated; the address space is unchanged in that case).
func (as *AddressSpace) Unmap(r vaddr.AddrRange) error {
	if r.Length() == 0 {
		return nil
	}
	if checkInvariants {
		if !r.IsPageAligned() {
			panic(fmt.Sprintf("unaligned unmap range %v", r))
		}
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	lo := as.lowerBoundLocked(r.Start)
	hi := lo
	for hi < len(as.entries) && as.entries[hi].rng.Start < r.End {
		hi++
	}
	if lo == hi {
		return nil
	}

	// An unmap strictly inside a single entry splits it; reserve the new
	// entry up front so the mutation below cannot fail.
	if hi == lo+1 {
		if e := as.entries[lo]; e.rng.Start < r.Start && r.End < e.rng.End {
			spare, err := as.caches.Entries.Allocate()
			if err != nil {
				return ErrNoMemory
			}
			as.releasePartialBackingLocked(e, r)
			e.split(spare, uint64(r.End-e.rng.Start))
			e.shrink(false, uint64(r.Start-e.rng.Start))
			as.entries = slices.Insert(as.entries, lo+1, spare)
			as.finishUnmapLocked(r, r.Length())
			return nil
		}
	}

	var removed uint64
	for _, e := range as.entries[lo:hi] {
		removed += e.rng.Intersect(r).Length()
	}

	// Trim the boundary entries, then drop everything fully covered.
	if e := as.entries[lo]; e.rng.Start < r.Start {
		as.releasePartialBackingLocked(e, r)
		e.shrink(false, uint64(r.Start-e.rng.Start))
		lo++
	}
	if hi > lo {
		if e := as.entries[hi-1]; r.End < e.rng.End {
			as.releasePartialBackingLocked(e, r)
			e.shrink(true, uint64(e.rng.End-r.End))
			hi--
		}
	}
	for _, e := range as.entries[lo:hi] {
		as.releaseEntryBackingLocked(e)
		as.caches.Entries.Deallocate(e)
	}
	as.entries = slices.Delete(as.entries, lo, hi)

	as.finishUnmapLocked(r, removed)
	return nil
}

// finishUnmapLocked tears down translations for r and records the removal.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) finishUnmapLocked(r vaddr.AddrRange, removed uint64) {
	as.ptMu.Lock()
	as.pt.UnmapRange(r)
	as.ptMu.Unlock()

	as.mappedSize -= removed
	as.entriesVersion++
	if checkInvariants {
		as.checkEntriesLocked()
	}
	as.log.WithField("range", r).Debug("unmapped range")
}

// releasePartialBackingLocked drops the AnonymousPages backing the part of
// e that lies in r, freeing pages per the environment's policy. It only
// acts when e holds the sole reference on its map: a shared map keeps its
// slots, since the other referents still cover them and the map's own
// destruction frees them once the last reference goes away.
//
// Preconditions: as.mu must be locked for writing. e has not yet been
// trimmed or split for r.
func (as *AddressSpace) releasePartialBackingLocked(e *Entry, r vaddr.AddrRange) {
	m := e.amap.m
	if m == nil {
		return
	}
	sub := e.rng.Intersect(r)
	if sub.Length() == 0 || m.refCount() != 1 {
		return
	}
	freePages := as.freeBackingPages()
	first := e.amapPageIndex(sub.Start)
	g := m.lock()
	for index := first; index < first+sub.Pages(); index++ {
		if g.m.pages.Get(index) == nil {
			continue
		}
		anon := g.remove(index)
		ag := anon.lock()
		last := ag.decRef()
		ag.unlock()
		if last {
			if freePages {
				as.mem.DeallocatePage(anon.page)
			}
			as.caches.AnonymousPages.Deallocate(anon)
		}
	}
	g.unlock()
}
