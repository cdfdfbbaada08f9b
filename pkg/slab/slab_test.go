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

package slab

import "testing"

type testObject struct {
	a, b uint64
}

func TestReuseReturnsZeroed(t *testing.T) {
	c := New[testObject]("test")
	obj, err := c.Allocate()
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	obj.a = 1
	obj.b = 2
	c.Deallocate(obj)

	obj2, err := c.Allocate()
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	if obj2 != obj {
		t.Error("Allocate did not reuse the freed object")
	}
	if obj2.a != 0 || obj2.b != 0 {
		t.Errorf("reused object not zeroed: %+v", obj2)
	}
}

func TestLimit(t *testing.T) {
	c := NewLimited[testObject]("test", 2)
	a, err := c.Allocate()
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	b, err := c.Allocate()
	if err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	if _, err := c.Allocate(); err != ErrOutOfMemory {
		t.Errorf("Allocate past the limit got err %v want ErrOutOfMemory", err)
	}
	c.Deallocate(a)
	if _, err := c.Allocate(); err != nil {
		t.Errorf("Allocate after a free got err %v want nil", err)
	}
	_ = b
}

func TestAllocateManyAllOrNothing(t *testing.T) {
	c := NewLimited[testObject]("test", 2)
	if _, err := c.AllocateMany(3); err != ErrOutOfMemory {
		t.Fatalf("AllocateMany got err %v want ErrOutOfMemory", err)
	}
	if got := c.InUse(); got != 0 {
		t.Errorf("InUse after failed AllocateMany got %d want 0", got)
	}
	objs, err := c.AllocateMany(2)
	if err != nil {
		t.Fatalf("AllocateMany got err %v want nil", err)
	}
	if len(objs) != 2 {
		t.Fatalf("AllocateMany got %d objects want 2", len(objs))
	}
}
