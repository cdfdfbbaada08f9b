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

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// An Entry is one mapped range inside an AddressSpace: a page-aligned
// virtual range with uniform protection and backing.
//
// All fields are guarded by the owning AddressSpace's entries lock. The
// backing references are references, not ownership; the referenced stores
// are kept alive by their reference counts.
type Entry struct {
	rng           vaddr.AddrRange
	protection    arch.Protection
	maxProtection arch.Protection

	// copyOnWrite is true for mappings whose backing store must never be
	// written through this entry directly.
	copyOnWrite bool

	// needsCopy is true while the entry behaves as if it privately owned
	// its backing store but has not yet paid the copy cost. The first
	// write instantiates the private store and clears the flag.
	needsCopy bool

	// wiredCount pins the entry's pages against reclamation while > 0.
	wiredCount uint32

	amap   amapReference
	object objectReference
}

// amapReference points into a shared AnonymousMap. startOffset is the byte
// offset of the entry's first page within the map.
type amapReference struct {
	m           *AnonymousMap
	startOffset uint64
}

// objectReference points into a shared Object.
type objectReference struct {
	o           *Object
	startOffset uint64
}

// Range returns the entry's virtual range.
func (e *Entry) Range() vaddr.AddrRange {
	return e.rng
}

// amapPageIndex returns the index into e's AnonymousMap for the page
// containing addr.
//
// Preconditions: e.rng.Contains(addr).
func (e *Entry) amapPageIndex(addr vaddr.Addr) uint64 {
	return (e.amap.startOffset + uint64(addr-e.rng.Start)) >> vaddr.PageShift
}

// canMerge reports whether next can be folded into e. next must describe
// the range immediately following e.
//
// Preconditions: the owning AddressSpace's entries lock must be held.
func (e *Entry) canMerge(next *Entry) bool {
	if next.rng.Start != e.rng.End {
		return false
	}
	if e.protection != next.protection ||
		e.maxProtection != next.maxProtection ||
		e.copyOnWrite != next.copyOnWrite ||
		e.wiredCount != next.wiredCount {
		return false
	}

	switch {
	case e.object.o == nil && next.object.o == nil:
	case e.object.o == next.object.o:
		if e.object.startOffset+e.rng.Length() != next.object.startOffset {
			return false
		}
	default:
		return false
	}

	switch em, nm := e.amap.m, next.amap.m; {
	case em == nil && nm == nil:
		return e.needsCopy == next.needsCopy
	case em != nil && nm != nil:
		// Merging two distinct maps is unresolved; only a shared map
		// with contiguous offsets merges.
		return em == nm && e.needsCopy == next.needsCopy &&
			e.amap.startOffset+e.rng.Length() == next.amap.startOffset
	case em != nil:
		// e's map would grow over next's range. A map that other
		// entries can see must not be extended silently.
		return e.needsCopy && em.refCount() == 1
	default:
		// next's map would be re-based at e's start, which requires
		// room in front of its current offset.
		return next.needsCopy && nm.refCount() == 1 &&
			next.amap.startOffset >= e.rng.Length()
	}
}

// absorb folds next into e. next's backing references are either released
// (one of two references on a shared store goes away) or transferred to e.
// The caller removes next from the entry list and frees it.
//
// Preconditions: the owning AddressSpace's entries lock must be held for
// writing. e.canMerge(next) must be true.
func (e *Entry) absorb(next *Entry) {
	oldLen := e.rng.Length()
	e.rng.End = next.rng.End

	switch em, nm := e.amap.m, next.amap.m; {
	case em != nil && nm != nil:
		// Both referenced the same map; one reference goes away. It
		// cannot be the last: e still holds one.
		g := em.lock()
		g.decRef()
		g.unlock()
	case em != nil:
		// e's map now also spans next's (unfaulted) range.
		g := em.lock()
		g.grow((e.amap.startOffset + e.rng.Length()) >> vaddr.PageShift)
		g.unlock()
	case nm != nil:
		// next's map and its reference move to e, re-based.
		e.amap = amapReference{m: nm, startOffset: next.amap.startOffset - oldLen}
	}
	next.amap = amapReference{}

	if next.object.o != nil {
		// canMerge guarantees this is e's own object; drop next's
		// reference. e's reference keeps the count above zero.
		g := next.object.o.lock()
		g.decRef()
		g.unlock()
		next.object = objectReference{}
	}
}

// split divides e at the given page-aligned byte offset. e keeps the first
// piece; into receives the second, with re-based backing references and an
// extra reference taken on every backing store now shared by both halves.
//
// Preconditions: the owning AddressSpace's entries lock must be held for
// writing. 0 < offset < e.rng.Length(), page-aligned. into must be unused.
func (e *Entry) split(into *Entry, offset uint64) {
	if checkInvariants {
		if offset == 0 || offset >= e.rng.Length() || offset%vaddr.PageSize != 0 {
			panic(fmt.Sprintf("invalid split offset %#x within %v", offset, e.rng))
		}
	}

	*into = Entry{
		rng:           vaddr.AddrRange{Start: e.rng.Start + vaddr.Addr(offset), End: e.rng.End},
		protection:    e.protection,
		maxProtection: e.maxProtection,
		copyOnWrite:   e.copyOnWrite,
		needsCopy:     e.needsCopy,
		wiredCount:    e.wiredCount,
	}
	e.rng.End = into.rng.Start

	if m := e.amap.m; m != nil {
		into.amap = amapReference{m: m, startOffset: e.amap.startOffset + offset}
		g := m.lock()
		g.incRef()
		g.unlock()
	}
	if o := e.object.o; o != nil {
		into.object = objectReference{o: o, startOffset: e.object.startOffset + offset}
		g := o.lock()
		g.incRef()
		g.unlock()
	}
}

// shrink trims e to newSize bytes from the given end. Shrinking from the
// start advances the backing store offsets; references and page contents
// are untouched.
//
// Preconditions: the owning AddressSpace's entries lock must be held for
// writing. 0 < newSize < e.rng.Length(), page-aligned.
func (e *Entry) shrink(fromStart bool, newSize uint64) {
	if checkInvariants {
		if newSize == 0 || newSize >= e.rng.Length() || newSize%vaddr.PageSize != 0 {
			panic(fmt.Sprintf("invalid shrink to %#x bytes within %v", newSize, e.rng))
		}
	}

	delta := e.rng.Length() - newSize
	if fromStart {
		e.rng.Start += vaddr.Addr(delta)
		if e.amap.m != nil {
			e.amap.startOffset += delta
		}
		if e.object.o != nil {
			e.object.startOffset += delta
		}
	} else {
		e.rng.End -= vaddr.Addr(delta)
	}
}

// releaseEntryBackingLocked drops e's references on its backing stores,
// destroying any store whose last reference goes away.
//
// Preconditions: as.mu must be locked for writing.
func (as *AddressSpace) releaseEntryBackingLocked(e *Entry) {
	if m := e.amap.m; m != nil {
		g := m.lock()
		last := g.decRef()
		g.unlock()
		if last {
			as.destroyAnonymousMapLocked(m, as.freeBackingPages())
		}
		e.amap = amapReference{}
	}
	if o := e.object.o; o != nil {
		g := o.lock()
		last := g.decRef()
		g.unlock()
		if last {
			destroyObject(o)
		}
		e.object = objectReference{}
	}
}
