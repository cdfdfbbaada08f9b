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
	"bytes"
	"fmt"
)

// DebugString renders the entry list for inspection. The format is not
// stable.
func (as *AddressSpace) DebugString() string {
	as.mu.RLock()
	defer as.mu.RUnlock()

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s: %v, %d bytes in %d entries, version %d\n",
		as.env.Name, as.rng, as.mappedSize, len(as.entries), as.entriesVersion)
	for _, e := range as.entries {
		as.appendEntryLocked(&b, e)
	}
	return b.String()
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) appendEntryLocked(b *bytes.Buffer, e *Entry) {
	fmt.Fprintf(b, "%08x-%08x %v (max %v)", uint64(e.rng.Start), uint64(e.rng.End), e.protection, e.maxProtection)
	if e.copyOnWrite {
		b.WriteString(" cow")
	}
	if e.needsCopy {
		b.WriteString(" needs-copy")
	}
	if e.wiredCount > 0 {
		fmt.Fprintf(b, " wired=%d", e.wiredCount)
	}
	if m := e.amap.m; m != nil {
		m.mu.RLock()
		fmt.Fprintf(b, " amap=%p+%#x refs=%d pages=%d/%d", m, e.amap.startOffset, m.refs, m.pagesInUse, m.pageCount)
		m.mu.RUnlock()
	}
	if o := e.object.o; o != nil {
		fmt.Fprintf(b, " object=%p+%#x refs=%d", o, e.object.startOffset, o.refCount())
	}
	b.WriteByte('\n')
}
