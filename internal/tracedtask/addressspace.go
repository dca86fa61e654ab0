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
	"github.com/google/btree"
	"github.com/mohae/deepcopy"

	"github.com/wangbj/systrace/internal/lockset"
	"github.com/wangbj/systrace/internal/procmaps"
)

// stubPage records one allocated extended-jump stub page.
type stubPage struct {
	Address   uint64
	Size      uint64
	Allocated int
}

func (p stubPage) Less(than btree.Item) bool {
	return p.Address < than.(stubPage).Address
}

// addrItem is a btree.Item wrapping a bare tracee address, used for
// the patched/unpatchable syscall-site sets.
type addrItem uint64

func (a addrItem) Less(than btree.Item) bool { return a < than.(addrItem) }

// addressSpace groups every piece of task state that is scoped to a
// Linux address space rather than to a single thread: the process
// maps cache, allocated stub pages, the patched/unpatchable syscall
// site sets, and the patch lockset. Per spec.md's concurrency model,
// clone(2) siblings alias the same addressSpace (CLONE_THREAD shares
// the address space), fork/vfork children get an independent deep
// copy (a new address space with the same *contents* at the moment of
// fork), and exec resets a task back to an empty addressSpace.
//
// This plays the role the original implementation gives to
// Rc<RefCell<T>> fields on TracedTask: the pointer to an addressSpace
// is the "Rc", shared by clone and privately owned after fork/exec.
type addressSpace struct {
	memoryMap     []procmaps.Entry
	stubPages     *btree.BTree
	unpatchable   *btree.BTree
	patched       *btree.BTree
	patchLockset  *lockset.Set
}

const btreeDegree = 32

func newAddressSpace() *addressSpace {
	return &addressSpace{
		stubPages:    btree.New(btreeDegree),
		unpatchable:  btree.New(btreeDegree),
		patched:      btree.New(btreeDegree),
		patchLockset: lockset.New(),
	}
}

// share returns the same addressSpace, for clone(2) siblings.
func (a *addressSpace) share() *addressSpace { return a }

// fork returns an independent deep copy of a, for fork/vfork
// children. The btrees use their own copy-on-write Clone, which is
// cheap and correct for this purpose; the plain memoryMap slice is
// copied with mohae/deepcopy since procmaps.Entry is a flat value
// type with no pointers, exactly the case that package is for.
func (a *addressSpace) fork() *addressSpace {
	var mapsCopy []procmaps.Entry
	if a.memoryMap != nil {
		mapsCopy = deepcopy.Copy(a.memoryMap).([]procmaps.Entry)
	}
	return &addressSpace{
		memoryMap:    mapsCopy,
		stubPages:    a.stubPages.Clone(),
		unpatchable:  a.unpatchable.Clone(),
		patched:      a.patched.Clone(),
		patchLockset: lockset.New(),
	}
}

func (a *addressSpace) isPatched(rip uint64) bool {
	return a.patched.Has(addrItem(rip))
}

func (a *addressSpace) markPatched(rip uint64) {
	a.patched.ReplaceOrInsert(addrItem(rip))
}

func (a *addressSpace) isUnpatchable(rip uint64) bool {
	return a.unpatchable.Has(addrItem(rip))
}

func (a *addressSpace) markUnpatchable(rip uint64) {
	a.unpatchable.ReplaceOrInsert(addrItem(rip))
}

// findStubPage returns the stub page within +/-2GiB of rip, if any.
func (a *addressSpace) findStubPage(rip uint64, jumpPages int) (stubPage, bool) {
	const twoGB = uint64(1) << 31
	var found stubPage
	ok := false
	a.stubPages.Ascend(func(it btree.Item) bool {
		p := it.(stubPage)
		end := p.Address + p.Size
		switch {
		case end <= rip:
			if rip-p.Address <= twoGB {
				found, ok = p, true
				return false
			}
		case p.Address >= rip:
			if p.Address+uint64(jumpPages)*0x1000-rip <= twoGB {
				found, ok = p, true
				return false
			}
		}
		return true
	})
	return found, ok
}

func (a *addressSpace) addStubPage(p stubPage) {
	a.stubPages.ReplaceOrInsert(p)
}

func (a *addressSpace) reset() {
	a.memoryMap = nil
	a.stubPages = btree.New(btreeDegree)
	a.unpatchable = btree.New(btreeDegree)
	a.patched = btree.New(btreeDegree)
	a.patchLockset = lockset.New()
}
