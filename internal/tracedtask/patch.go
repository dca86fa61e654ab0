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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wangbj/systrace/internal/hooks"
	"github.com/wangbj/systrace/internal/procmaps"
	"github.com/wangbj/systrace/internal/remote"
	"github.com/wangbj/systrace/internal/stubs"
	"github.com/wangbj/systrace/pkg/log"
)

// unpatchableWarnings bounds log volume when a hot call site keeps
// failing to patch (e.g. it's permanently out of +/-2GiB reach of any
// stub page): doSeccomp re-enters this path on every trap of that site.
var unpatchableWarnings = log.NewLimiter(1, 3)

// findSyscallHook reads the bytes immediately after rip and matches
// them against the hook catalog.
func (t *Task) findSyscallHook(rip uint64) (hooks.Hook, bool) {
	tail, err := remote.PeekBytes(t, remote.Ptr(rip), hooks.MaxLen())
	if err != nil {
		return hooks.Hook{}, false
	}
	return hooks.Find(tail)
}

// patchSyscallWith rewrites the syscall site at rip to call through
// an extended-jump stub into the trampoline entry named by hook. It
// assumes the caller already holds the site's write lock and has
// already skipped the pending (seccomp-trapped) syscall.
func (t *Task) patchSyscallWith(hook hooks.Hook, rip uint64) error {
	// vfork is almost always immediately followed by exec, which
	// resets every patch-related data structure; patching before that
	// exec would be wasted work at best.
	if t.inVfork {
		return fmt.Errorf("tracedtask: skip syscall patching due to vfork")
	}
	if !t.haveLdpreload {
		return fmt.Errorf("tracedtask: trampoline not loaded")
	}
	if t.isPatchedSyscall(rip) {
		return fmt.Errorf("tracedtask: %d: site %x already patched", t.tid, rip)
	}
	if t.space.isUnpatchable(rip) {
		return fmt.Errorf("tracedtask: %d: site %x is not patchable", t.tid, rip)
	}

	indirect, err := t.extendedJumpFromTo(hook, rip)
	if err != nil {
		t.space.markUnpatchable(rip)
		unpatchableWarnings.Warningf("%d: marking %x unpatchable: %v", t.tid, rip, err)
		return err
	}
	t.space.markPatched(rip)

	patchAddr, patch := buildSyscallPatch(rip, indirect, len(hook.Instructions))
	if err := remote.PokeBytes(t, remote.Ptr(patchAddr), patch); err != nil {
		return fmt.Errorf("tracedtask: patch site %x: %w", patchAddr, err)
	}
	return nil
}

// buildSyscallPatch computes the address and bytes of the in-place
// patch for a syscall site trapped at rip (the address immediately
// after the 2-byte `syscall` instruction, per ptrace's report) whose
// matched hook tail is hookLen bytes long, replaced by a call to the
// extended-jump stub at indirect.
//
// The patch starts at the `syscall` instruction itself (rip -
// syscallInsnSize), not at rip. A 5-byte `call rel32` replaces the
// `syscall` instruction plus the first 3 bytes of the matched hook
// sequence; any remaining hook bytes up to the matched sequence's full
// length are turned into single-byte NOPs, so the total patch is
// exactly as wide as `syscall` plus the matched tail and no wider.
func buildSyscallPatch(rip, indirect uint64, hookLen int) (addr uint64, patch []byte) {
	patchAddr := rip - uint64(syscallInsnSize)
	total := syscallInsnSize + hookLen
	rel32 := int32(int64(indirect) - int64(patchAddr+5))
	patch = make([]byte, total)
	patch[0] = 0xe8
	patch[1] = byte(rel32)
	patch[2] = byte(rel32 >> 8)
	patch[3] = byte(rel32 >> 16)
	patch[4] = byte(rel32 >> 24)
	for i := 5; i < total; i++ {
		patch[i] = 0x90
	}
	return patchAddr, patch
}

// extendedJumpFromTo returns the address of the extended-jump stub
// that hook's patch should call into, allocating a fresh stub page
// near rip if none of the existing ones is within reach.
func (t *Task) extendedJumpFromTo(hook hooks.Hook, rip uint64) (uint64, error) {
	page, ok := t.space.findStubPage(rip, stubs.Pages())
	var pageAddr uint64
	if !ok {
		addr, err := t.allocateExtendedJumps(rip)
		if err != nil {
			return 0, err
		}
		pageAddr = addr
	} else {
		pageAddr = page.Address
	}

	index, ok := stubs.IndexOf(t.catalog, hook)
	if !ok {
		return 0, fmt.Errorf("tracedtask: hook %q not in catalog", hook.Symbol)
	}
	return pageAddr + stubs.OffsetOf(index), nil
}

// allocateExtendedJumps mmaps a fresh page of extended-jump stubs
// within +/-2GiB of rip, populates it, and makes it executable.
func (t *Task) allocateExtendedJumps(rip uint64) (uint64, error) {
	size := int64(stubs.Pages() * 0x1000)
	at, err := t.searchStubPageAddr(rip, uint64(size))
	if err != nil {
		return 0, err
	}

	allocated, err := t.UntracedSyscall(unix.SYS_MMAP, [6]uintptr{
		uintptr(at), uintptr(size),
		uintptr(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE | unix.MAP_FIXED | unix.MAP_ANONYMOUS),
		^uintptr(0), 0,
	})
	if err != nil {
		return 0, fmt.Errorf("tracedtask: mmap stub page: %w", err)
	}
	if uint64(allocated) != at {
		return 0, fmt.Errorf("tracedtask: mmap stub page landed at %x, wanted %x", allocated, at)
	}

	if t.trampoline == nil {
		return 0, fmt.Errorf("tracedtask: trampoline library not loaded")
	}
	stubBytes, err := stubs.Generate(t.catalog, t.ldpreloadAddr, t.trampoline.Offset)
	if err != nil {
		return 0, err
	}
	t.space.addStubPage(stubPage{Address: at, Size: uint64(size), Allocated: len(t.catalog)})
	if err := remote.PokeBytes(t, remote.Ptr(at), stubBytes); err != nil {
		return 0, fmt.Errorf("tracedtask: write stub page: %w", err)
	}

	if _, err := t.UntracedSyscall(unix.SYS_MPROTECT, [6]uintptr{
		uintptr(allocated), uintptr(size), uintptr(unix.PROT_READ | unix.PROT_EXEC), 0, 0, 0,
	}); err != nil {
		return 0, fmt.Errorf("tracedtask: mprotect stub page: %w", err)
	}

	t.updateMemoryMap()
	return uint64(allocated), nil
}

// searchStubPageAddr finds a free region of the tracee's address
// space within +/-2GiB of rip, big enough for size bytes, by scanning
// the gaps in its cached memory map.
func (t *Task) searchStubPageAddr(rip, size uint64) (uint64, error) {
	const twoGB = uint64(1) << 31
	lo := uint64(0)
	if rip > twoGB {
		lo = rip - twoGB
	}
	hi := rip + twoGB

	candidate := (lo + 0xfff) &^ 0xfff
	for _, e := range t.space.memoryMap {
		if candidate+size <= e.Base {
			break
		}
		if candidate < e.End() {
			candidate = (e.End() + 0xfff) &^ 0xfff
		}
	}
	if candidate+size > hi {
		return 0, fmt.Errorf("tracedtask: no free region within +/-2GiB of %x for %d bytes", rip, size)
	}
	return candidate, nil
}

func (t *Task) updateMemoryMap() {
	entries, err := procmaps.DecodeMaps(t.pid)
	if err != nil {
		t.space.memoryMap = nil
		return
	}
	t.space.memoryMap = entries
}
