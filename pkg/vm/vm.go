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

// Package vm implements address space management: mapped ranges (entries),
// anonymous memory with copy-on-write sharing (anonymous maps and pages),
// and page fault resolution against that bookkeeping. The design follows
// BSD UVM: entries reference amaps and objects, both reference-counted.
//
// Lock order:
//
//	as.mu
//	  as.ptMu
//	    AnonymousMap.mu
//	      AnonymousPage.mu
//	    Object.mu
//
// Reference counts on backing stores are only mutated through guard tokens
// returned by their locks, so "caller must hold the lock" is enforced at
// compile time.
package vm

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/pgalloc"
	"virtmem.dev/virtmem/pkg/slab"
	"virtmem.dev/virtmem/pkg/sync"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// checkInvariants enables expensive self-checks that panic on violated
// invariants.
const checkInvariants = true

// Errors returned by AddressSpace operations. Each operation documents its
// closed subset.
var (
	// ErrZeroSize indicates a zero-size map request.
	ErrZeroSize = errors.New("zero-size mapping")

	// ErrRangeUnavailable indicates that no free virtual range satisfies
	// the request.
	ErrRangeUnavailable = errors.New("requested range unavailable")

	// ErrNoMemory indicates physical page or metadata allocation failure.
	ErrNoMemory = errors.New("out of memory")

	// ErrMaxProtectionExceeded indicates a protection above the maximum
	// protection.
	ErrMaxProtectionExceeded = errors.New("protection exceeds maximum protection")

	// ErrMaxProtectionIncreased indicates an attempt to raise a maximum
	// protection.
	ErrMaxProtectionIncreased = errors.New("maximum protection cannot be raised")

	// ErrNotMapped indicates a fault on an unmapped address.
	ErrNotMapped = errors.New("address not mapped")

	// ErrProtection indicates a fault whose access exceeds the mapping's
	// protection.
	ErrProtection = errors.New("access exceeds protection")
)

// Environment identifies the owner of an AddressSpace.
type Environment struct {
	// User is true for process address spaces. Kernel mappings are
	// installed as global and keep their backing frames across unmap.
	User bool

	// Name identifies the owner in logs and diagnostics.
	Name string
}

func (env Environment) mapType(p arch.Protection) arch.MapType {
	return arch.MapType{
		User:       env.User,
		Protection: p,
		Global:     !env.User,
	}
}

// Caches bundles the object caches the subsystem allocates from. A Caches
// is injected at construction so tests can run independent instances.
type Caches struct {
	Entries        *slab.Cache[Entry]
	AnonymousMaps  *slab.Cache[AnonymousMap]
	AnonymousPages *slab.Cache[AnonymousPage]
}

// NewCaches returns unbounded caches.
func NewCaches() *Caches {
	return &Caches{
		Entries:        slab.New[Entry]("vm.Entry"),
		AnonymousMaps:  slab.New[AnonymousMap]("vm.AnonymousMap"),
		AnonymousPages: slab.New[AnonymousPage]("vm.AnonymousPage"),
	}
}

// Config carries an AddressSpace's dependencies.
type Config struct {
	// Range is the total virtual extent the address space manages. It
	// must be page-aligned and non-empty.
	Range vaddr.AddrRange

	// Environment identifies the owner.
	Environment Environment

	// PageTable receives installed translations.
	PageTable arch.PageTable

	// Memory provides physical pages.
	Memory pgalloc.Memory

	// Caches provides Entry/AnonymousMap/AnonymousPage allocation.
	Caches *Caches

	// Log, if non-nil, receives debug records of structural mutations.
	Log *logrus.Logger
}

// An AddressSpace tracks which ranges of one virtual address space are
// mapped, what backs them, and what protection they carry.
type AddressSpace struct {
	env Environment
	rng vaddr.AddrRange
	mem pgalloc.Memory

	caches *Caches
	log    *logrus.Entry

	// mu guards entries, entriesVersion, mappedSize, and every field of
	// every Entry in entries.
	mu sync.RWMutex

	// entries is sorted by range start and pairwise non-overlapping.
	// Entries are owned by the address space and freed through
	// caches.Entries.
	entries []*Entry

	// entriesVersion increments on every structural mutation of entries.
	// Fault handling snapshots it to detect that the list changed while
	// only a read lock was held.
	entriesVersion uint64

	// mappedSize is the combined length in bytes of all entries.
	mappedSize uint64

	// ptMu serializes page table mutation. Lock order: mu, then ptMu.
	ptMu sync.Mutex
	pt   arch.PageTable
}

// New returns an AddressSpace managing cfg.Range.
func New(cfg Config) *AddressSpace {
	if !cfg.Range.WellFormed() || cfg.Range.Length() == 0 || !cfg.Range.IsPageAligned() {
		panic(fmt.Sprintf("invalid address space range %v", cfg.Range))
	}
	if cfg.PageTable == nil || cfg.Memory == nil || cfg.Caches == nil {
		panic("incomplete vm.Config")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	as := &AddressSpace{
		env:    cfg.Environment,
		rng:    cfg.Range,
		mem:    cfg.Memory,
		caches: cfg.Caches,
		pt:     cfg.PageTable,
	}
	as.log = log.WithField("env", cfg.Environment.Name)
	return as
}

// Range returns the total virtual extent the address space manages.
func (as *AddressSpace) Range() vaddr.AddrRange {
	return as.rng
}

// MappedSize returns the combined length in bytes of all entries.
func (as *AddressSpace) MappedSize() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.mappedSize
}

// EntryCount returns the number of entries.
func (as *AddressSpace) EntryCount() int {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return len(as.entries)
}

// Version returns the structural mutation counter.
func (as *AddressSpace) Version() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()
	return as.entriesVersion
}

// Retarget re-binds an emptied AddressSpace to a new owner, optionally
// replacing its page table. It panics if any entries remain.
func (as *AddressSpace) Retarget(env Environment, pt arch.PageTable) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.entries) != 0 {
		panic(fmt.Sprintf("retargeting address space with %d entries", len(as.entries)))
	}
	as.log.WithField("to", env.Name).Debug("retargeting address space")
	as.env = env
	if pt != nil {
		as.ptMu.Lock()
		as.pt = pt
		as.ptMu.Unlock()
	}
	as.log = as.log.Logger.WithField("env", env.Name)
}

// ReinitializeAndUnmapAll tears down every entry, leaving the AddressSpace
// empty and reusable.
func (as *AddressSpace) ReinitializeAndUnmapAll() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.entries) == 0 {
		return
	}
	as.log.WithField("entries", len(as.entries)).Debug("unmapping all entries")
	for _, e := range as.entries {
		as.releaseEntryBackingLocked(e)
		as.caches.Entries.Deallocate(e)
	}
	as.entries = nil
	as.mappedSize = 0
	as.entriesVersion++

	as.ptMu.Lock()
	as.pt.UnmapRange(as.rng)
	as.ptMu.Unlock()
}

// Destroy checks that the AddressSpace is empty. It panics otherwise;
// callers tear down mappings with Unmap or ReinitializeAndUnmapAll first.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.entries) != 0 {
		panic(fmt.Sprintf("destroying address space with %d entries", len(as.entries)))
	}
	as.pt = nil
	as.mem = nil
}

// freeBackingPages returns whether unmapped ranges release their physical
// pages. Kernel ranges keep backing memory; user ranges free it.
func (as *AddressSpace) freeBackingPages() bool {
	return as.env.User
}

// lowerBoundLocked returns the index of the first entry whose range ends
// after addr. That entry either contains addr or is the first entry past
// it.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) lowerBoundLocked(addr vaddr.Addr) int {
	return sort.Search(len(as.entries), func(i int) bool {
		return as.entries[i].rng.End > addr
	})
}

// findLocked returns the entry containing addr, and its index, or (-1,
// nil).
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findLocked(addr vaddr.Addr) (int, *Entry) {
	i := as.lowerBoundLocked(addr)
	if i < len(as.entries) && as.entries[i].rng.Contains(addr) {
		return i, as.entries[i]
	}
	return -1, nil
}

// checkEntriesLocked panics if the entry list violates its invariants:
// strictly sorted, pairwise non-overlapping, in bounds, protection within
// maximum protection.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) checkEntriesLocked() {
	var total uint64
	for i, e := range as.entries {
		if !e.rng.WellFormed() || e.rng.Length() == 0 || !e.rng.IsPageAligned() {
			panic(fmt.Sprintf("entry %d has invalid range %v", i, e.rng))
		}
		if !as.rng.IsSupersetOf(e.rng) {
			panic(fmt.Sprintf("entry %d range %v outside address space %v", i, e.rng, as.rng))
		}
		if i > 0 && as.entries[i-1].rng.End > e.rng.Start {
			panic(fmt.Sprintf("entries %d and %d out of order or overlapping: %v, %v", i-1, i, as.entries[i-1].rng, e.rng))
		}
		if e.protection > e.maxProtection {
			panic(fmt.Sprintf("entry %d protection %v exceeds maximum %v", i, e.protection, e.maxProtection))
		}
		total += e.rng.Length()
	}
	if total != as.mappedSize {
		panic(fmt.Sprintf("mappedSize %d does not match entries (%d)", as.mappedSize, total))
	}
}
