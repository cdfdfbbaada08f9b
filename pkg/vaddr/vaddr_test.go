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

package vaddr

import "testing"

func TestRounding(t *testing.T) {
	if got := Addr(PageSize + 1).RoundDown(); got != PageSize {
		t.Errorf("RoundDown got %#x want %#x", got, PageSize)
	}
	got, ok := Addr(PageSize + 1).RoundUp()
	if !ok || got != 2*PageSize {
		t.Errorf("RoundUp got (%#x, %t) want (%#x, true)", got, ok, 2*PageSize)
	}
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Error("RoundUp near the top of the address space got ok, want wraparound")
	}
}

func TestToRangeOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0) - PageSize + 1).ToRange(2 * PageSize); ok {
		t.Error("ToRange got ok, want overflow")
	}
}

func TestRangeOperations(t *testing.T) {
	r := AddrRange{PageSize, 4 * PageSize}
	if got := r.Length(); got != 3*PageSize {
		t.Errorf("Length got %d want %d", got, 3*PageSize)
	}
	if !r.Contains(PageSize) || r.Contains(4*PageSize) {
		t.Errorf("Contains is wrong at the boundaries of %v", r)
	}
	if !r.Overlaps(AddrRange{0, PageSize + 1}) {
		t.Errorf("Overlaps(%v) got false want true", AddrRange{0, PageSize + 1})
	}
	if r.Overlaps(AddrRange{4 * PageSize, 5 * PageSize}) {
		t.Error("adjacent ranges should not overlap")
	}
	if got := r.Intersect(AddrRange{0, 2 * PageSize}); (got != AddrRange{PageSize, 2 * PageSize}) {
		t.Errorf("Intersect got %v want %v", got, AddrRange{PageSize, 2 * PageSize})
	}
}

func TestAccessType(t *testing.T) {
	if !ReadWrite.SupersetOf(Read) {
		t.Error("rw- should be a superset of r--")
	}
	if Read.SupersetOf(Write) {
		t.Error("r-- should not be a superset of -w-")
	}
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("String got %q want %q", got, "rw-")
	}
	if (AccessType{}).Any() {
		t.Error("empty access type should not report any access")
	}
	if !Execute.Any() {
		t.Error("--x should report access")
	}
}
