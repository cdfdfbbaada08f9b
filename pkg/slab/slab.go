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

// Package slab provides typed object caches. Objects are plain bit
// patterns: allocation returns zeroed values and never runs constructors.
//
// Caches are values to be passed into their consumers, not package-level
// singletons, so tests can run independent instances side by side.
package slab

import (
	"errors"
	"fmt"
	"unsafe"

	"virtmem.dev/virtmem/pkg/sync"
)

// maxObjectSize bounds the types a Cache will manage. Larger types should be
// page-backed instead.
const maxObjectSize = 1024

// ErrOutOfMemory indicates that a cache's capacity is exhausted.
var ErrOutOfMemory = errors.New("slab cache exhausted")

// A Cache allocates and frees objects of one type.
type Cache[T any] struct {
	name  string
	limit uint64

	mu          sync.Mutex
	free        []*T
	outstanding uint64
}

// New returns an unbounded Cache. It panics if T exceeds maxObjectSize.
func New[T any](name string) *Cache[T] {
	return NewLimited[T](name, 0)
}

// NewLimited returns a Cache that fails allocation with ErrOutOfMemory once
// limit objects are outstanding. A limit of 0 means unbounded. It panics if
// T exceeds maxObjectSize.
func NewLimited[T any](name string, limit uint64) *Cache[T] {
	var zero T
	if size := unsafe.Sizeof(zero); size > maxObjectSize {
		panic(fmt.Sprintf("%s: object size %d exceeds %d", name, size, maxObjectSize))
	}
	return &Cache[T]{name: name, limit: limit}
}

// Name returns the cache's name.
func (c *Cache[T]) Name() string {
	return c.name
}

// Allocate returns a zeroed object.
func (c *Cache[T]) Allocate() (*T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocateLocked()
}

// AllocateMany returns n zeroed objects, or none at all on failure.
func (c *Cache[T]) AllocateMany(n int) ([]*T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	objs := make([]*T, 0, n)
	for i := 0; i < n; i++ {
		obj, err := c.allocateLocked()
		if err != nil {
			for _, o := range objs {
				c.deallocateLocked(o)
			}
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// Deallocate returns an object to the cache. The object must not be used
// afterward.
func (c *Cache[T]) Deallocate(obj *T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deallocateLocked(obj)
}

// InUse returns the number of outstanding objects.
func (c *Cache[T]) InUse() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Preconditions: c.mu must be locked.
func (c *Cache[T]) allocateLocked() (*T, error) {
	if c.limit != 0 && c.outstanding >= c.limit {
		return nil, ErrOutOfMemory
	}
	c.outstanding++
	if n := len(c.free); n > 0 {
		obj := c.free[n-1]
		c.free[n-1] = nil
		c.free = c.free[:n-1]
		return obj, nil
	}
	return new(T), nil
}

// Preconditions: c.mu must be locked.
func (c *Cache[T]) deallocateLocked(obj *T) {
	if c.outstanding == 0 {
		panic(fmt.Sprintf("%s: deallocate without outstanding allocation", c.name))
	}
	var zero T
	*obj = zero
	c.outstanding--
	c.free = append(c.free, obj)
}
