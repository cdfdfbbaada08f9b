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
	"testing"

	"virtmem.dev/virtmem/pkg/vaddr"
)

func TestAllocateZeroed(t *testing.T) {
	p, err := NewPool(2)
	if err != nil {
		t.Fatalf("NewPool got err %v want nil", err)
	}
	defer p.Destroy()

	pr, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage got err %v want nil", err)
	}
	s := p.Slice(pr)
	s[0] = 0xaa
	s[len(s)-1] = 0xbb
	p.DeallocatePage(pr)

	// A reallocated page must read as zero again.
	pr2, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage got err %v want nil", err)
	}
	if pr2 != pr {
		t.Fatalf("AllocatePage got %v want the freed page %v", pr2, pr)
	}
	s = p.Slice(pr2)
	if s[0] != 0 || s[len(s)-1] != 0 {
		t.Errorf("reallocated page is not zeroed: first=%#x last=%#x", s[0], s[len(s)-1])
	}
	p.DeallocatePage(pr2)
}

func TestExhaustion(t *testing.T) {
	p, err := NewPool(2)
	if err != nil {
		t.Fatalf("NewPool got err %v want nil", err)
	}
	defer p.Destroy()

	var prs []vaddr.PhysRange
	for i := 0; i < 2; i++ {
		pr, err := p.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage %d got err %v want nil", i, err)
		}
		prs = append(prs, pr)
	}
	if _, err := p.AllocatePage(); err != ErrOutOfMemory {
		t.Errorf("AllocatePage on a full pool got err %v want ErrOutOfMemory", err)
	}
	for _, pr := range prs {
		p.DeallocatePage(pr)
	}
	if got := p.Allocated(); got != 0 {
		t.Errorf("Allocated got %d want 0", got)
	}
}
