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
	"bytes"
	"testing"
)

// TestBuildSyscallPatchAddressIsBeforeSyscallInsn exercises the
// multi-byte `_syscall_hook_trampoline_c3_nop` hook (`retq; nopl
// 0x0(%rax,%rax,1)`, 9 bytes): the write must land at rip -
// syscallInsnSize, not at rip itself, or the live `0f 05` opcode is
// never overwritten and the site keeps re-trapping into seccomp.
func TestBuildSyscallPatchAddressIsBeforeSyscallInsn(t *testing.T) {
	const rip = uint64(0x400100) // address immediately after `syscall`
	const indirect = uint64(0x500000)
	hookLen := 9 // len(hooks.Catalog's "c3 0f 1f 84 00 00 00 00 00" entry)

	addr, _ := buildSyscallPatch(rip, indirect, hookLen)
	if want := rip - syscallInsnSize; addr != want {
		t.Errorf("buildSyscallPatch address = %#x, want %#x (rip - syscallInsnSize)", addr, want)
	}
}

// TestBuildSyscallPatchWidthMatchesSyscallPlusHook checks the total
// patch width is exactly syscallInsnSize + hookLen: no wider (would
// clobber bytes past the matched hook) and no narrower (would leave
// stray hook bytes unaccounted for).
func TestBuildSyscallPatchWidthMatchesSyscallPlusHook(t *testing.T) {
	cases := []int{3, 4, 6, 9}
	for _, hookLen := range cases {
		_, patch := buildSyscallPatch(0x400100, 0x500000, hookLen)
		if want := syscallInsnSize + hookLen; len(patch) != want {
			t.Errorf("hookLen=%d: len(patch) = %d, want %d", hookLen, len(patch), want)
		}
	}
}

// TestBuildSyscallPatchBytesForMultiByteHook hand-verifies the exact
// byte sequence written for a 9-byte hook (total patch width 11):
// a 5-byte `call rel32` (0xe8 + little-endian displacement computed
// from the end of the call instruction, not from rip) followed by
// 6 NOP (0x90) bytes padding out to the matched hook's full length.
func TestBuildSyscallPatchBytesForMultiByteHook(t *testing.T) {
	const rip = uint64(0x400100)
	const indirect = uint64(0x500000)
	const hookLen = 9

	addr, patch := buildSyscallPatch(rip, indirect, hookLen)

	wantAddr := rip - syscallInsnSize
	if addr != wantAddr {
		t.Fatalf("address = %#x, want %#x", addr, wantAddr)
	}

	// rel32 is relative to the end of the 5-byte call instruction,
	// i.e. addr+5, not rip+5 or rip.
	wantRel32 := int32(int64(indirect) - int64(addr+5))
	wantPatch := []byte{
		0xe8,
		byte(wantRel32),
		byte(wantRel32 >> 8),
		byte(wantRel32 >> 16),
		byte(wantRel32 >> 24),
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
	}
	if len(patch) != len(wantPatch) {
		t.Fatalf("len(patch) = %d, want %d", len(patch), len(wantPatch))
	}
	if !bytes.Equal(patch, wantPatch) {
		t.Errorf("patch = % x, want % x", patch, wantPatch)
	}
}

// TestBuildSyscallPatchBytesForMinimalHook checks the narrowest
// catalog hook (3 bytes, e.g. "5a 5e c3"): the call instruction alone
// already covers it, so no NOP padding beyond byte 5 is expected.
func TestBuildSyscallPatchBytesForMinimalHook(t *testing.T) {
	const rip = uint64(0x7f1234560002)
	const indirect = uint64(0x10000000)
	const hookLen = 3

	addr, patch := buildSyscallPatch(rip, indirect, hookLen)

	wantAddr := rip - syscallInsnSize
	wantRel32 := int32(int64(indirect) - int64(wantAddr+5))
	wantPatch := []byte{
		0xe8,
		byte(wantRel32),
		byte(wantRel32 >> 8),
		byte(wantRel32 >> 16),
		byte(wantRel32 >> 24),
	}
	if !bytes.Equal(patch, wantPatch) {
		t.Errorf("patch = % x, want % x", patch, wantPatch)
	}
}
