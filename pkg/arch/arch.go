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

// Package arch defines the contract between the virtual memory manager and
// the architecture-specific page table encoder. The memory manager never
// touches page table entry bits itself; it describes mappings in terms of
// MapType and pushes them through a PageTable.
package arch

import (
	"errors"

	"virtmem.dev/virtmem/pkg/vaddr"
)

// Protection describes what accesses a mapping permits. Values are ordered:
// a numerically larger Protection permits strictly more than a smaller one,
// so integer comparison expresses "exceeds".
type Protection uint8

const (
	// NoAccess permits no access.
	NoAccess Protection = iota

	// Read permits reads only.
	Read

	// ReadWrite permits reads and writes.
	ReadWrite

	// ReadWriteExecute permits reads, writes, and instruction fetches.
	ReadWriteExecute
)

// String implements fmt.Stringer.String.
func (p Protection) String() string {
	switch p {
	case NoAccess:
		return "---"
	case Read:
		return "r--"
	case ReadWrite:
		return "rw-"
	case ReadWriteExecute:
		return "rwx"
	default:
		return "???"
	}
}

// Allows returns true if p permits every access in at.
func (p Protection) Allows(at vaddr.AccessType) bool {
	switch {
	case at.Execute:
		return p >= ReadWriteExecute
	case at.Write:
		return p >= ReadWrite
	case at.Read:
		return p >= Read
	}
	return true
}

// StripWrite returns p with write (and execute) access removed, leaving at
// most read access.
func (p Protection) StripWrite() Protection {
	if p > Read {
		return Read
	}
	return p
}

// MapType describes a mapping to be installed in a page table.
type MapType struct {
	// User is true if the mapping is accessible from user mode.
	User bool

	// Protection is the access the mapping permits.
	Protection Protection

	// Global is true if the translation should be kept across address
	// space switches.
	Global bool

	// NoCache is true if the mapping must bypass the cache hierarchy
	// (device memory).
	NoCache bool
}

// Page table mapping errors. The set is closed; a PageTable implementation
// must not return errors outside it.
var (
	// ErrNoMemory indicates that an intermediate table could not be
	// allocated.
	ErrNoMemory = errors.New("out of memory for page tables")

	// ErrAlreadyMapped indicates that part of the requested virtual range
	// already has a translation.
	ErrAlreadyMapped = errors.New("virtual range already mapped")
)

// PageTable encodes translations for one address space. Implementations are
// architecture-specific; callers serialize access (the memory manager holds
// its page table lock around every call).
type PageTable interface {
	// MapRange installs a translation from every page in vr to the
	// corresponding page in pr. vr and pr must be page-aligned and of
	// equal length.
	MapRange(vr vaddr.AddrRange, pr vaddr.PhysRange, mt MapType) error

	// UnmapRange removes any translations for pages in vr. Pages in vr
	// without a translation are skipped.
	UnmapRange(vr vaddr.AddrRange)

	// ProtectRange re-encodes existing translations for pages in vr with
	// mt. Pages in vr without a translation are skipped.
	ProtectRange(vr vaddr.AddrRange, mt MapType)
}
