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

// Package pgalloc provides the physical page allocator consumed by the
// virtual memory manager.
package pgalloc

import (
	"errors"

	"virtmem.dev/virtmem/pkg/vaddr"
)

// ErrOutOfMemory indicates that no physical page is available.
var ErrOutOfMemory = errors.New("out of physical memory")

// Memory is a physical memory provider. Page contents are reachable through
// Slice so that the memory manager can zero-fill pages and copy them for
// copy-on-write without knowing how physical memory is backed.
//
// Implementations must be safe for concurrent use; AllocatePage may block.
type Memory interface {
	// AllocatePage returns one zeroed page. It returns ErrOutOfMemory if
	// no page is available.
	AllocatePage() (vaddr.PhysRange, error)

	// DeallocatePage returns a page obtained from AllocatePage.
	DeallocatePage(pr vaddr.PhysRange)

	// Slice returns the contents of pr.
	//
	// Preconditions: pr must have been returned by AllocatePage and not
	// yet deallocated.
	Slice(pr vaddr.PhysRange) []byte
}
