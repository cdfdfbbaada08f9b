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

package pgalloc

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"

	"virtmem.dev/virtmem/pkg/sync"
	"virtmem.dev/virtmem/pkg/vaddr"
)

// Pool is a Memory backed by an anonymous host mapping of fixed size.
// Physical addresses handed out by a Pool are byte offsets into the mapping.
//
// The fixed size doubles as an allocation failure injector: a Pool of n
// pages fails its n+1th concurrent allocation with ErrOutOfMemory.
type Pool struct {
	mu sync.Mutex

	// backing is the host mapping. Pages are handed out from it and
	// zeroed on allocation.
	backing []byte

	// inUse has one bit per page in backing.
	inUse []uint64

	// allocated counts set bits in inUse.
	allocated uint64
}

// NewPool returns a Pool of the given number of pages.
func NewPool(pages int) (*Pool, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("invalid pool size %d pages", pages)
	}
	backing, err := unix.Mmap(-1, 0, pages*vaddr.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d pages of backing memory: %w", pages, err)
	}
	return &Pool{
		backing: backing,
		inUse:   make([]uint64, (pages+63)/64),
	}, nil
}

// Destroy releases the host mapping. No pages may be in use.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocated != 0 {
		panic(fmt.Sprintf("destroying pool with %d pages still allocated", p.allocated))
	}
	if err := unix.Munmap(p.backing); err != nil {
		panic(fmt.Sprintf("failed to unmap backing memory: %v", err))
	}
	p.backing = nil
}

// AllocatePage implements Memory.AllocatePage.
func (p *Pool) AllocatePage() (vaddr.PhysRange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	totalPages := uint64(len(p.backing) / vaddr.PageSize)
	for i, word := range p.inUse {
		if word == ^uint64(0) {
			continue
		}
		bit := uint64(bits.TrailingZeros64(^word))
		page := uint64(i)*64 + bit
		if page >= totalPages {
			break
		}
		p.inUse[i] |= 1 << bit
		p.allocated++
		pr := vaddr.PhysRange{
			Start: vaddr.PhysAddr(page * vaddr.PageSize),
			End:   vaddr.PhysAddr((page + 1) * vaddr.PageSize),
		}
		clear(p.sliceLocked(pr))
		return pr, nil
	}
	return vaddr.PhysRange{}, ErrOutOfMemory
}

// DeallocatePage implements Memory.DeallocatePage.
func (p *Pool) DeallocatePage(pr vaddr.PhysRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := p.pageNumberLocked(pr)
	if p.inUse[page/64]&(1<<(page%64)) == 0 {
		panic(fmt.Sprintf("deallocating unallocated page %v", pr))
	}
	p.inUse[page/64] &^= 1 << (page % 64)
	p.allocated--
}

// Slice implements Memory.Slice.
func (p *Pool) Slice(pr vaddr.PhysRange) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := p.pageNumberLocked(pr)
	if p.inUse[page/64]&(1<<(page%64)) == 0 {
		panic(fmt.Sprintf("accessing unallocated page %v", pr))
	}
	return p.sliceLocked(pr)
}

// Allocated returns the number of pages currently in use.
func (p *Pool) Allocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Preconditions: p.mu must be locked. pr must be within the pool.
func (p *Pool) sliceLocked(pr vaddr.PhysRange) []byte {
	return p.backing[pr.Start:pr.End:pr.End]
}

// pageNumberLocked validates pr and returns its page number.
//
// Preconditions: p.mu must be locked.
func (p *Pool) pageNumberLocked(pr vaddr.PhysRange) uint64 {
	if !pr.Start.IsPageAligned() || pr.Length() != vaddr.PageSize || uint64(pr.End) > uint64(len(p.backing)) {
		panic(fmt.Sprintf("invalid page %v", pr))
	}
	return uint64(pr.Start) / vaddr.PageSize
}
