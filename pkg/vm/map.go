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

	"github.com/sirupsen/logrus"

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// MapOpts specifies a Map request.
type MapOpts struct {
	// Addr is the requested base address. It is ignored unless Fixed is
	// true; Map then fails rather than map anywhere else.
	Addr vaddr.Addr

	// Fixed requires the mapping to be placed exactly at Addr.
	Fixed bool

	// Size is the mapping's length in bytes. It must be page-aligned and
	// non-zero.
	Size uint64

	// Protection is the mapping's initial protection.
	Protection arch.Protection

	// MaxProtection bounds future protection changes. NoAccess means
	// "same as Protection".
	MaxProtection arch.Protection

	// Object, if non-nil, backs the mapping; ObjectOffset is the byte
	// offset of the mapping's first page within it. A nil Object means
	// zero-fill anonymous memory.
	Object       *Object
	ObjectOffset uint64
}

// Map establishes a mapping and returns its virtual range.
//
// Errors: ErrZeroSize, ErrRangeUnavailable, ErrMaxProtectionExceeded,
// ErrNoMemory.
func (as *AddressSpace) Map(opts MapOpts) (vaddr.AddrRange, error) {
	if opts.Size == 0 {
		return vaddr.AddrRange{}, ErrZeroSize
	}
	if checkInvariants {
		if opts.Size%vaddr.PageSize != 0 {
			panic(fmt.Sprintf("unaligned map size %#x", opts.Size))
		}
		if opts.Fixed && !opts.Addr.IsPageAligned() {
			panic(fmt.Sprintf("unaligned map base %#x", opts.Addr))
		}
	}
	maxProt := opts.MaxProtection
	if maxProt == arch.NoAccess {
		maxProt = opts.Protection
	}
	if opts.Protection > maxProt {
		return vaddr.AddrRange{}, ErrMaxProtectionExceeded
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	var r vaddr.AddrRange
	var idx int
	if opts.Fixed {
		i, ok := as.findExactFreeRangeLocked(opts.Addr, opts.Size)
		if !ok {
			return vaddr.AddrRange{}, ErrRangeUnavailable
		}
		idx = i
		r = vaddr.AddrRange{Start: opts.Addr, End: opts.Addr + vaddr.Addr(opts.Size)}
	} else {
		var ok bool
		r, idx, ok = as.findFreeRangeLocked(opts.Size)
		if !ok {
			return vaddr.AddrRange{}, ErrRangeUnavailable
		}
	}

	cand := Entry{
		rng:           r,
		protection:    opts.Protection,
		maxProtection: maxProt,
	}
	if opts.Object != nil {
		cand.object = objectReference{o: opts.Object, startOffset: opts.ObjectOffset}
		g := opts.Object.lock()
		g.incRef()
		g.unlock()
	} else {
		// Zero-fill mappings are private: the entry owes itself an
		// anonymous map, created on first touch.
		cand.needsCopy = true
	}

	var prev, next *Entry
	if idx < len(as.entries) {
		next = as.entries[idx]
	}
	if idx > 0 {
		prev = as.entries[idx-1]
	}

	switch {
	case next != nil && cand.canMerge(next):
		cand.absorb(next)
		if prev != nil && prev.canMerge(&cand) {
			prev.absorb(&cand)
			as.entries = slices.Delete(as.entries, idx, idx+1)
			as.caches.Entries.Deallocate(next)
		} else {
			*next = cand
		}
	case prev != nil && prev.canMerge(&cand):
		prev.absorb(&cand)
	default:
		e, err := as.caches.Entries.Allocate()
		if err != nil {
			// Unwind the candidate's backing reference.
			if o := cand.object.o; o != nil {
				g := o.lock()
				g.decRef()
				g.unlock()
			}
			return vaddr.AddrRange{}, ErrNoMemory
		}
		*e = cand
		as.entries = slices.Insert(as.entries, idx, e)
	}

	as.mappedSize += opts.Size
	as.entriesVersion++
	if checkInvariants {
		as.checkEntriesLocked()
	}
	as.log.WithFields(logrus.Fields{
		"range":      r,
		"protection": opts.Protection,
	}).Debug("mapped range")
	return r, nil
}

// findFreeRangeLocked scans for the lowest gap of the given size, returning
// the gap and the entry index at which a new entry would be inserted.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findFreeRangeLocked(size uint64) (vaddr.AddrRange, int, bool) {
	candidate := as.rng.Start
	for i, e := range as.entries {
		if end, ok := candidate.AddLength(size); ok && end <= e.rng.Start {
			return vaddr.AddrRange{Start: candidate, End: end}, i, true
		}
		if e.rng.End > candidate {
			candidate = e.rng.End
		}
	}
	if end, ok := candidate.AddLength(size); ok && end <= as.rng.End {
		return vaddr.AddrRange{Start: candidate, End: end}, len(as.entries), true
	}
	return vaddr.AddrRange{}, 0, false
}

// findExactFreeRangeLocked checks that [base, base+size) is free and inside
// the address space, returning the insertion index.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findExactFreeRangeLocked(base vaddr.Addr, size uint64) (int, bool) {
	end, ok := base.AddLength(size)
	if !ok || base < as.rng.Start || end > as.rng.End {
		return 0, false
	}
	idx := as.lowerBoundLocked(base)
	if idx < len(as.entries) && as.entries[idx].rng.Start < end {
		return 0, false
	}
	return idx, true
}
