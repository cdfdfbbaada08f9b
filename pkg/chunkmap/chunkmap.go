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

// Package chunkmap provides a sparse, lazily-allocated array keyed by page
// index. Slots are grouped into fixed-size chunks; a chunk is only
// allocated when a slot in it is first set, so a mostly-empty page table
// costs little.
//
// Map is not internally synchronized; callers hold the lock of the owning
// object.
package chunkmap

// SlotsPerChunk is the number of slots per chunk. It must be a power of
// two.
const SlotsPerChunk = 16

const (
	chunkShift = 4
	slotMask   = SlotsPerChunk - 1
)

type chunk[T any] struct {
	slots [SlotsPerChunk]*T
}

// A Map is a sparse array of *T keyed by page index. The zero value is an
// empty map ready for use.
type Map[T any] struct {
	chunks map[uint64]*chunk[T]
}

func chunkIndex(index uint64) uint64 {
	return index >> chunkShift
}

func chunkOffset(index uint64) uint64 {
	return index & slotMask
}

// Get returns the value at index, or nil if the slot is empty.
func (m *Map[T]) Get(index uint64) *T {
	c := m.chunks[chunkIndex(index)]
	if c == nil {
		return nil
	}
	return c.slots[chunkOffset(index)]
}

// Set stores v at index, allocating the containing chunk if needed. Setting
// nil clears the slot; empty chunks are not reclaimed.
func (m *Map[T]) Set(index uint64, v *T) {
	ci := chunkIndex(index)
	c := m.chunks[ci]
	if c == nil {
		if v == nil {
			return
		}
		if m.chunks == nil {
			m.chunks = make(map[uint64]*chunk[T])
		}
		c = &chunk[T]{}
		m.chunks[ci] = c
	}
	c.slots[chunkOffset(index)] = v
}

// Range calls f for every populated slot until f returns false. Slot order
// within a chunk is ascending; chunk order is unspecified.
func (m *Map[T]) Range(f func(index uint64, v *T) bool) {
	for ci, c := range m.chunks {
		for off, v := range c.slots {
			if v == nil {
				continue
			}
			if !f(ci<<chunkShift|uint64(off), v) {
				return
			}
		}
	}
}

// Clear removes all slots.
func (m *Map[T]) Clear() {
	m.chunks = nil
}
