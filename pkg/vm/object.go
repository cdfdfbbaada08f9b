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
	"virtmem.dev/virtmem/pkg/chunkmap"
	"virtmem.dev/virtmem/pkg/sync"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// An Object is a reference-counted handle on file- or device-backed memory.
// Entries reference it the way they reference an AnonymousMap; the pager
// path that would populate its page cache on a fault is not implemented, so
// mapping an Object and then touching the mapping panics. Mapping, merge,
// split, and unmap bookkeeping are complete.
type Object struct {
	mu sync.RWMutex

	// refs is guarded by mu.
	refs uint64

	// pages is the pager-populated page cache, guarded by mu. Nothing
	// writes to it yet.
	pages chunkmap.Map[vaddr.PhysRange]
}

// NewObject returns an Object holding one reference for the caller.
func NewObject() *Object {
	return &Object{refs: 1}
}

// objectGuard proves that its holder owns o.mu exclusively.
type objectGuard struct {
	o *Object
}

func (o *Object) lock() objectGuard {
	o.mu.Lock()
	return objectGuard{o}
}

func (g objectGuard) unlock() {
	g.o.mu.Unlock()
}

func (g objectGuard) incRef() {
	g.o.refs++
}

// decRef returns true if the last reference was dropped.
func (g objectGuard) decRef() bool {
	if g.o.refs == 0 {
		panic("Object reference count underflow")
	}
	g.o.refs--
	return g.o.refs == 0
}

// refCount returns the current reference count.
func (o *Object) refCount() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.refs
}

// destroyObject releases an Object whose reference count reached zero. Any
// cached pages belong to the pager that put them there, so none are
// deallocated here.
func destroyObject(o *Object) {
	o.pages.Clear()
}
