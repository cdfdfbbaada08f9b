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
	"testing"

	"virtmem.dev/virtmem/pkg/arch"
	"virtmem.dev/virtmem/pkg/vaddr"
)

func entryAt(start vaddr.Addr, npages uint64, prot arch.Protection) Entry {
	return Entry{
		rng:           vaddr.AddrRange{Start: start, End: start + vaddr.Addr(pg(npages))},
		protection:    prot,
		maxProtection: prot,
	}
}

func TestCanMergeZeroFill(t *testing.T) {
	e := entryAt(testBase, 2, arch.ReadWrite)
	e.needsCopy = true
	next := entryAt(e.rng.End, 1, arch.ReadWrite)
	next.needsCopy = true
	if !e.canMerge(&next) {
		t.Error("canMerge got false want true")
	}
}

func TestCanMergeRejectsGap(t *testing.T) {
	e := entryAt(testBase, 1, arch.Read)
	next := entryAt(e.rng.End+vaddr.Addr(pg(1)), 1, arch.Read)
	if e.canMerge(&next) {
		t.Error("canMerge got true want false")
	}
}

func TestCanMergeRejectsScalarMismatch(t *testing.T) {
	e := entryAt(testBase, 1, arch.ReadWrite)
	for _, mutate := range []func(*Entry){
		func(n *Entry) { n.protection = arch.Read; n.maxProtection = arch.Read },
		func(n *Entry) { n.maxProtection = arch.ReadWriteExecute },
		func(n *Entry) { n.copyOnWrite = true },
		func(n *Entry) { n.wiredCount = 1 },
		func(n *Entry) { n.needsCopy = true },
	} {
		next := entryAt(e.rng.End, 1, arch.ReadWrite)
		mutate(&next)
		if e.canMerge(&next) {
			t.Errorf("canMerge got true want false for %+v", next)
		}
	}
}

func TestCanMergeSameAmap(t *testing.T) {
	m := &AnonymousMap{refs: 2, pageCount: 3}
	e := entryAt(testBase, 2, arch.ReadWrite)
	e.amap = amapReference{m: m}
	next := entryAt(e.rng.End, 1, arch.ReadWrite)
	next.amap = amapReference{m: m, startOffset: pg(2)}
	if !e.canMerge(&next) {
		t.Error("canMerge got false want true")
	}

	// A hole between the offsets makes the pages discontiguous.
	next.amap.startOffset = pg(3)
	if e.canMerge(&next) {
		t.Error("canMerge with discontiguous offsets got true want false")
	}
}

func TestCanMergeRejectsDistinctAmaps(t *testing.T) {
	e := entryAt(testBase, 1, arch.ReadWrite)
	e.amap = amapReference{m: &AnonymousMap{refs: 1, pageCount: 1}}
	next := entryAt(e.rng.End, 1, arch.ReadWrite)
	next.amap = amapReference{m: &AnonymousMap{refs: 1, pageCount: 1}}
	if e.canMerge(&next) {
		t.Error("canMerge got true want false")
	}
}

func TestCanMergeRejectsSharedAmapGrowth(t *testing.T) {
	e := entryAt(testBase, 1, arch.ReadWrite)
	e.needsCopy = true
	e.amap = amapReference{m: &AnonymousMap{refs: 2, pageCount: 1}}
	next := entryAt(e.rng.End, 1, arch.ReadWrite)
	next.needsCopy = true
	if e.canMerge(&next) {
		t.Error("canMerge got true want false for shared amap")
	}
	e.amap.m.refs = 1
	if !e.canMerge(&next) {
		t.Error("canMerge got false want true for private amap")
	}
}

func TestCanMergeObjectOffsets(t *testing.T) {
	o := NewObject()
	e := entryAt(testBase, 2, arch.Read)
	e.object = objectReference{o: o, startOffset: pg(4)}
	next := entryAt(e.rng.End, 1, arch.Read)
	next.object = objectReference{o: o, startOffset: pg(6)}
	if !e.canMerge(&next) {
		t.Error("canMerge got false want true")
	}
	next.object.startOffset = pg(7)
	if e.canMerge(&next) {
		t.Error("canMerge with discontiguous object offsets got true want false")
	}
	next.object = objectReference{o: NewObject(), startOffset: pg(6)}
	if e.canMerge(&next) {
		t.Error("canMerge with distinct objects got true want false")
	}
}

func TestSplitReferences(t *testing.T) {
	m := &AnonymousMap{refs: 1, pageCount: 3}
	o := NewObject()
	e := entryAt(testBase, 3, arch.ReadWrite)
	e.amap = amapReference{m: m, startOffset: pg(1)}
	e.object = objectReference{o: o, startOffset: pg(5)}

	var tail Entry
	e.split(&tail, pg(1))

	if want := (vaddr.AddrRange{Start: testBase, End: testBase + vaddr.Addr(pg(1))}); e.rng != want {
		t.Errorf("head range got %v want %v", e.rng, want)
	}
	if want := (vaddr.AddrRange{Start: testBase + vaddr.Addr(pg(1)), End: testBase + vaddr.Addr(pg(3))}); tail.rng != want {
		t.Errorf("tail range got %v want %v", tail.rng, want)
	}
	if tail.amap.m != m || tail.amap.startOffset != pg(2) {
		t.Errorf("tail amap got %p+%#x want %p+%#x", tail.amap.m, tail.amap.startOffset, m, pg(2))
	}
	if tail.object.o != o || tail.object.startOffset != pg(6) {
		t.Errorf("tail object got %p+%#x want %p+%#x", tail.object.o, tail.object.startOffset, o, pg(6))
	}
	if got := m.refCount(); got != 2 {
		t.Errorf("amap refCount got %d want 2", got)
	}
	if got := o.refCount(); got != 2 {
		t.Errorf("object refCount got %d want 2", got)
	}
}

func TestShrinkFromStart(t *testing.T) {
	m := &AnonymousMap{refs: 1, pageCount: 4}
	e := entryAt(testBase, 4, arch.Read)
	e.amap = amapReference{m: m, startOffset: pg(2)}
	e.shrink(true, pg(1))
	if want := testBase + vaddr.Addr(pg(3)); e.rng.Start != want {
		t.Errorf("start got %v want %v", e.rng.Start, want)
	}
	if e.amap.startOffset != pg(5) {
		t.Errorf("amap startOffset got %#x want %#x", e.amap.startOffset, pg(5))
	}
}

func TestShrinkFromEnd(t *testing.T) {
	e := entryAt(testBase, 4, arch.Read)
	e.amap = amapReference{m: &AnonymousMap{refs: 1, pageCount: 4}, startOffset: pg(2)}
	e.shrink(false, pg(1))
	if want := testBase + vaddr.Addr(pg(1)); e.rng.End != want {
		t.Errorf("end got %v want %v", e.rng.End, want)
	}
	if e.amap.startOffset != pg(2) {
		t.Errorf("amap startOffset got %#x want %#x", e.amap.startOffset, pg(2))
	}
}

func TestAbsorbSameAmap(t *testing.T) {
	m := &AnonymousMap{refs: 2, pageCount: 3}
	e := entryAt(testBase, 2, arch.ReadWrite)
	e.amap = amapReference{m: m}
	next := entryAt(e.rng.End, 1, arch.ReadWrite)
	next.amap = amapReference{m: m, startOffset: pg(2)}

	e.absorb(&next)
	if want := next.rng.End; e.rng.End != want && e.rng.Length() != pg(3) {
		t.Errorf("absorbed range got %v want end %v", e.rng, want)
	}
	if got := m.refCount(); got != 1 {
		t.Errorf("amap refCount got %d want 1", got)
	}
}

func TestAbsorbTransfersAmap(t *testing.T) {
	m := &AnonymousMap{refs: 1, pageCount: 1}
	e := entryAt(testBase, 1, arch.ReadWrite)
	e.needsCopy = true
	next := entryAt(e.rng.End, 1, arch.ReadWrite)
	next.needsCopy = true
	next.amap = amapReference{m: m, startOffset: pg(1)}

	if !e.canMerge(&next) {
		t.Fatal("canMerge got false want true")
	}
	e.absorb(&next)
	if e.amap.m != m {
		t.Errorf("amap got %p want %p", e.amap.m, m)
	}
	// The map is re-based so the transferred offset lands on the same page.
	if e.amap.startOffset != 0 {
		t.Errorf("amap startOffset got %#x want 0", e.amap.startOffset)
	}
	if got := m.refCount(); got != 1 {
		t.Errorf("amap refCount got %d want 1", got)
	}
}

func TestAbsorbGrowsAmap(t *testing.T) {
	m := &AnonymousMap{refs: 1, pageCount: 1}
	e := entryAt(testBase, 1, arch.ReadWrite)
	e.needsCopy = true
	e.amap = amapReference{m: m}
	next := entryAt(e.rng.End, 1, arch.ReadWrite)
	next.needsCopy = true

	if !e.canMerge(&next) {
		t.Fatal("canMerge got false want true")
	}
	e.absorb(&next)
	if got := m.refCount(); got != 1 {
		t.Errorf("amap refCount got %d want 1", got)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pageCount != 2 {
		t.Errorf("pageCount got %d want 2", m.pageCount)
	}
}
