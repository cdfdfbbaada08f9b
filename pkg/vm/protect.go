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

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// ProtectOpts specifies a ChangeProtection request. At least one of the Set
// flags must be true.
type ProtectOpts struct {
	// SetProtection requests the current protection be changed to
	// Protection.
	SetProtection bool
	Protection    arch.Protection

	// SetMaxProtection requests the protection ceiling be lowered to
	// MaxProtection. Raising it is rejected.
	SetMaxProtection bool
	MaxProtection    arch.Protection
}

// ChangeProtection applies opts to every mapping in r. Validation runs
// before any mutation; on error the address space is unchanged. A request
// that changes nothing is a no-op and does not bump the change version.
//
// Errors: ErrMaxProtectionIncreased, ErrMaxProtectionExceeded, ErrNoMemory.
func (as *AddressSpace) ChangeProtection(r vaddr.AddrRange, opts ProtectOpts) error {
	if checkInvariants {
		if !r.IsPageAligned() {
			panic(fmt.Sprintf("unaligned protection range %v", r))
		}
		if !opts.SetProtection && !opts.SetMaxProtection {
			panic("empty protection change request")
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

	// Dry run. Nothing below this loop may fail for a reason other than
	// entry allocation.
	anyChange := false
	protChange := false
	for _, e := range as.entries[lo:hi] {
		newProt, newMax := e.protection, e.maxProtection
		if opts.SetMaxProtection {
			if opts.MaxProtection > e.maxProtection {
				return ErrMaxProtectionIncreased
			}
			newMax = opts.MaxProtection
		}
		if opts.SetProtection {
			newProt = opts.Protection
		}
		if newProt > newMax {
			return ErrMaxProtectionExceeded
		}
		if newProt != e.protection {
			protChange = true
		}
		if newProt != e.protection || newMax != e.maxProtection {
			anyChange = true
		}
	}
	if !anyChange {
		return nil
	}

	// Only the boundary entries can need splitting; reserve their spares
	// now so the mutation phase below is infallible.
	spareCount := 0
	first, last := as.entries[lo], as.entries[hi-1]
	if first.rng.Start < r.Start && as.entryChanges(first, opts) {
		spareCount++
	}
	if r.End < last.rng.End && as.entryChanges(last, opts) {
		spareCount++
	}
	spares, err := as.caches.Entries.AllocateMany(spareCount)
	if err != nil {
		return ErrNoMemory
	}

	if protChange {
		as.pushProtectionLocked(r, lo, hi, opts.Protection)
	}

	// Trim the boundary entries so that entries[lo:hi] lie fully inside r.
	if first.rng.Start < r.Start && as.entryChanges(first, opts) {
		spare := spares[0]
		spares = spares[1:]
		first.split(spare, uint64(r.Start-first.rng.Start))
		lo++
		hi++
		as.entries = slices.Insert(as.entries, lo, spare)
	} else if first.rng.Start < r.Start {
		lo++
	}
	if hi > lo {
		last = as.entries[hi-1]
		if r.End < last.rng.End && as.entryChanges(last, opts) {
			spare := spares[0]
			last.split(spare, uint64(r.End-last.rng.Start))
			as.entries = slices.Insert(as.entries, hi, spare)
		} else if r.End < last.rng.End {
			hi--
		}
	}

	// Apply back to front so each merge candidate's follower is already in
	// its final state.
	for i := hi - 1; i >= lo; i-- {
		e := as.entries[i]
		if opts.SetProtection {
			e.protection = opts.Protection
		}
		if opts.SetMaxProtection {
			e.maxProtection = opts.MaxProtection
		}
		if i+1 < len(as.entries) && e.canMerge(as.entries[i+1]) {
			next := as.entries[i+1]
			e.absorb(next)
			as.entries = slices.Delete(as.entries, i+1, i+2)
			as.caches.Entries.Deallocate(next)
		}
	}
	if lo > 0 && lo < len(as.entries) && as.entries[lo-1].canMerge(as.entries[lo]) {
		next := as.entries[lo]
		as.entries[lo-1].absorb(next)
		as.entries = slices.Delete(as.entries, lo, lo+1)
		as.caches.Entries.Deallocate(next)
	}

	as.entriesVersion++
	if checkInvariants {
		as.checkEntriesLocked()
	}
	as.log.WithField("range", r).Debug("changed protection")
	return nil
}

// entryChanges reports whether opts would alter e at all.
//
// Preconditions: as.mu must be locked. opts must have passed validation.
func (as *AddressSpace) entryChanges(e *Entry, opts ProtectOpts) bool {
	if opts.SetProtection && opts.Protection != e.protection {
		return true
	}
	if opts.SetMaxProtection && opts.MaxProtection != e.maxProtection {
		return true
	}
	return false
}

// pushProtectionLocked rewrites existing translations in r to prot. Pages
// still subject to copy-on-write sharing keep write access stripped so the
// next write faults.
//
// Preconditions: as.mu must be locked for writing. lo:hi must be the index
// range of entries overlapping r.
func (as *AddressSpace) pushProtectionLocked(r vaddr.AddrRange, lo, hi int, prot arch.Protection) {
	as.ptMu.Lock()
	defer as.ptMu.Unlock()
	for _, e := range as.entries[lo:hi] {
		if e.protection == prot {
			continue
		}
		isect := e.rng.Intersect(r)
		m := e.amap.m
		if m == nil {
			as.pt.ProtectRange(isect, as.env.mapType(prot))
			continue
		}
		g := m.rlock()
		for va := isect.Start; va < isect.End; va += vaddr.PageSize {
			p := prot
			if anon := g.page(e.amapPageIndex(va)); anon != nil {
				if e.needsCopy || anon.refCount() > 1 {
					p = p.StripWrite()
				}
			}
			as.pt.ProtectRange(vaddr.AddrRange{Start: va, End: va + vaddr.PageSize}, as.env.mapType(p))
		}
		g.runlock()
	}
}
