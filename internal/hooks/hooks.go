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

// Package hooks holds the static catalog of recognized post-syscall
// instruction sequences and the trampoline entry point each one
// redirects to. The catalog is x86-64-specific and captures what
// common libc syscall wrappers (and a handful of sanitizer runtimes)
// emit immediately after the `syscall` instruction.
package hooks

// Hook is one recognized post-syscall byte sequence.
type Hook struct {
	// Multi marks a hook whose instructions span more than one
	// instruction. Patching a multi-instruction hook risks splicing a
	// jump target that lands inside the patched region (seen in
	// glibc's clock_nanosleep); callers that care about that hazard
	// should treat Multi hooks with extra caution.
	Multi bool
	// Instructions is the exact byte sequence expected right after
	// the `syscall` instruction.
	Instructions []byte
	// Symbol is the trampoline entry point name that reproduces the
	// original semantics of `syscall` followed by Instructions.
	Symbol string
}

// Catalog is the static, ordered table of recognized hooks. Order
// matters for tie-breaking: Find returns the first entry whose
// Instructions is a prefix of the bytes immediately following a
// syscall site.
var Catalog = []Hook{
	// Many glibc syscall wrappers (e.g. read) have `syscall` followed
	// by `cmp $-4095,%rax`.
	{
		Multi:        false,
		Instructions: []byte{0x48, 0x3d, 0x01, 0xf0, 0xff, 0xff},
		Symbol:       "_syscall_hook_trampoline_48_3d_01_f0_ff_ff",
	},
	// Many glibc syscall wrappers (e.g. __libc_recv) have `syscall`
	// followed by `cmp $-4096,%rax`.
	{
		Multi:        false,
		Instructions: []byte{0x48, 0x3d, 0x00, 0xf0, 0xff, 0xff},
		Symbol:       "_syscall_hook_trampoline_48_3d_00_f0_ff_ff",
	},
	// Many glibc syscall wrappers (e.g. read) have `syscall` followed
	// by `mov (%rsp),%rdi`.
	{
		Multi:        false,
		Instructions: []byte{0x48, 0x8b, 0x3c, 0x24},
		Symbol:       "_syscall_hook_trampoline_48_8b_3c_24",
	},
	// __lll_unlock_wake has `syscall` followed by `pop %rdx; pop
	// %rsi; ret`.
	{
		Multi:        true,
		Instructions: []byte{0x5a, 0x5e, 0xc3},
		Symbol:       "_syscall_hook_trampoline_5a_5e_c3",
	},
	// posix_fadvise64 has `syscall` followed by `mov %eax,%edx; neg
	// %edx`.
	{
		Multi:        true,
		Instructions: []byte{0x89, 0xc2, 0xf7, 0xda},
		Symbol:       "_syscall_hook_trampoline_89_c2_f7_da",
	},
	// VDSO vsyscall patches have `syscall` followed by `nop; nop;
	// nop`.
	{
		Multi:        true,
		Instructions: []byte{0x90, 0x90, 0x90},
		Symbol:       "_syscall_hook_trampoline_90_90_90",
	},
	// glibc-2.22-17.fc23.x86_64's pthread_barrier_wait has `syscall`
	// followed by `mov $1,%rdx`.
	{
		Multi:        false,
		Instructions: []byte{0xba, 0x01, 0x00, 0x00, 0x00},
		Symbol:       "_syscall_hook_trampoline_ba_01_00_00_00",
	},
	// pthread_sigmask has `syscall` followed by `mov %eax,%ecx; xor
	// %edx,%edx`.
	{
		Multi:        true,
		Instructions: []byte{0x89, 0xc1, 0x31, 0xd2},
		Symbol:       "_syscall_hook_trampoline_89_c1_31_d2",
	},
	// getpid has `syscall` followed by `retq; nopl
	// 0x0(%rax,%rax,1)`.
	{
		Multi:        true,
		Instructions: []byte{0xc3, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
		Symbol:       "_syscall_hook_trampoline_c3_nop",
	},
	// liblsan's internal_close has `syscall` followed by `retq; nopl
	// 0x0(%rax,%rax,1)` (shorter ModRM encoding).
	{
		Multi:        true,
		Instructions: []byte{0xc3, 0x0f, 0x1f, 0x44, 0x00, 0x00},
		Symbol:       "_syscall_hook_trampoline_c3_nop",
	},
	// liblsan's internal_open has `syscall` followed by `retq; nopl
	// (%rax)`.
	{
		Multi:        true,
		Instructions: []byte{0xc3, 0x0f, 0x1f, 0x00},
		Symbol:       "_syscall_hook_trampoline_c3_nop",
	},
	// liblsan's internal_dup2 has `syscall` followed by `retq; xchg
	// %ax,%ax`.
	{
		Multi:        true,
		Instructions: []byte{0xc3, 0x66, 0x90},
		Symbol:       "_syscall_hook_trampoline_c3_nop",
	},
}

// Find returns the first catalog entry whose Instructions byte
// sequence matches tail, the bytes immediately following a syscall
// site in tracee memory. It returns false if no entry matches.
func Find(tail []byte) (Hook, bool) {
	for _, h := range Catalog {
		if len(tail) < len(h.Instructions) {
			continue
		}
		if bytesEqual(tail[:len(h.Instructions)], h.Instructions) {
			return h, true
		}
	}
	return Hook{}, false
}

// MaxLen returns the length, in bytes, of the longest instruction
// sequence in the catalog. Callers use it to decide how many bytes to
// read from a tracee before calling Find.
func MaxLen() int {
	max := 0
	for _, h := range Catalog {
		if len(h.Instructions) > max {
			max = len(h.Instructions)
		}
	}
	return max
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
