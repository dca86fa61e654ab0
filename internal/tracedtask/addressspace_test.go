// Copyright 2024 The Systrace Authors.
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

package tracedtask

import (
	"testing"

	"github.com/wangbj/systrace/internal/procmaps"
)

func TestSharePointsAtSameAddressSpace(t *testing.T) {
	a := newAddressSpace()
	a.markPatched(0x1000)
	b := a.share()
	if b != a {
		t.Fatal("share() returned a different addressSpace; clone(2) siblings must alias")
	}
	b.markPatched(0x2000)
	if !a.isPatched(0x2000) {
		t.Error("a mark made through the shared alias b is not visible via a")
	}
}

func TestForkDeepCopiesPatchState(t *testing.T) {
	a := newAddressSpace()
	a.markPatched(0x1000)
	a.memoryMap = []procmaps.Entry{{Base: 0x400000, Size: 0x1000}}

	b := a.fork()
	if b == a {
		t.Fatal("fork() returned the same addressSpace pointer, want an independent copy")
	}

	// Mutating the child must not affect the parent.
	b.markPatched(0x3000)
	if a.isPatched(0x3000) {
		t.Error("marking a site patched in the forked child leaked back into the parent")
	}
	if !b.isPatched(0x1000) {
		t.Error("fork() did not carry over patch state that existed at fork time")
	}

	b.memoryMap[0].Base = 0x500000
	if a.memoryMap[0].Base != 0x400000 {
		t.Error("mutating the forked child's memory map mutated the parent's (deepcopy didn't take)")
	}
}

func TestForkGivesChildItsOwnLockset(t *testing.T) {
	a := newAddressSpace()
	if !a.patchLockset.TryWriteLock(1, 0x1000) {
		t.Fatal("tid 1 could not take the write lock in the parent")
	}
	b := a.fork()
	if !b.patchLockset.TryWriteLock(2, 0x1000) {
		t.Error("child's lockset was not independent: tid 2 could not take a lock the parent's tid 1 holds in its own (different) lockset")
	}
}

func TestResetClearsEverything(t *testing.T) {
	a := newAddressSpace()
	a.markPatched(0x1000)
	a.markUnpatchable(0x2000)
	a.memoryMap = []procmaps.Entry{{Base: 1, Size: 1}}
	a.addStubPage(stubPage{Address: 0x10000000, Size: 0x1000, Allocated: 1})
	a.patchLockset.TryWriteLock(1, 0x3000)

	a.reset()

	if a.isPatched(0x1000) {
		t.Error("reset() left a patched site behind")
	}
	if a.isUnpatchable(0x2000) {
		t.Error("reset() left an unpatchable site behind")
	}
	if a.memoryMap != nil {
		t.Error("reset() left a stale memory map")
	}
	if _, ok := a.findStubPage(0x10000000, 1); ok {
		t.Error("reset() left a stale stub page")
	}
	if !a.patchLockset.TryWriteLock(2, 0x3000) {
		t.Error("reset() did not clear the lockset")
	}
}

func TestFindStubPageWithinReach(t *testing.T) {
	a := newAddressSpace()
	const rip = uint64(0x7f0000000000)
	a.addStubPage(stubPage{Address: rip - 0x1000, Size: 0x1000, Allocated: 1})

	p, ok := a.findStubPage(rip, 1)
	if !ok {
		t.Fatal("findStubPage did not find a page 4KiB before rip")
	}
	if p.Address != rip-0x1000 {
		t.Errorf("findStubPage returned page at %#x, want %#x", p.Address, rip-0x1000)
	}
}

func TestFindStubPageOutOfReach(t *testing.T) {
	a := newAddressSpace()
	const rip = uint64(0x7f0000000000)
	const twoGB = uint64(1) << 31
	a.addStubPage(stubPage{Address: rip - twoGB - 0x100000, Size: 0x1000, Allocated: 1})

	if _, ok := a.findStubPage(rip, 1); ok {
		t.Error("findStubPage found a page more than 2GiB away")
	}
}

func TestFindStubPageEmpty(t *testing.T) {
	a := newAddressSpace()
	if _, ok := a.findStubPage(0x1000, 1); ok {
		t.Error("findStubPage found a page in an empty address space")
	}
}
