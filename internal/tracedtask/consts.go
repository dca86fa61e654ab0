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

// Fixed tracee-virtual addresses and well-known environment variables.
// These mirror the private, process-local slots the tracee's pre-init
// sets up (scratch page, shared-state page) and the two remote-syscall
// entry stubs within the scratch page (see package remote).
const (
	// scratchPageAddr is where the tracee's 4KiB scratch page is
	// mmap'd during pre-init: two syscall entry stubs plus room for
	// extended-jump stub allocation requests to aim near.
	scratchPageAddr = 0x7000_0000
	scratchPageSize = 0x1000

	// sharedStatePageAddr is the fixed address at which the
	// supervisor maps the per-process sharedstate.State page into the
	// tracee after exec.
	sharedStatePageAddr = 0x7100_0000
	sharedStatePageSize = 0x1000

	// syscallInsnSize is the size in bytes of the x86-64 `syscall`
	// instruction.
	syscallInsnSize = 2

)

// bpSyscallBP is the 4-byte patch do_ptrace_exec writes at the
// tracee's entry point rip to trap twice in a row: `syscall` (0f 05)
// followed by two breakpoints (cc cc).
var bpSyscallBP = []byte{0x0f, 0x05, 0xcc, 0xcc}

// envTrampolinePath names the environment variable that must contain
// the directory holding the trampoline shared library. Required at
// startup (spec.md's Configuration surface).
const envTrampolinePath = "LIBTRAMPOLINE_LIBRARY_PATH"

// envToolLogLevel names the environment variable controlling the
// trampoline's own logger verbosity, published into the scratch page
// during pre-init so the tracee-side logger can read it without a
// round trip.
const envToolLogLevel = "SYSTOOL_LOG"

// syscallInsn and syscallInsnMask let the supervisor confirm the two
// bytes before a reported seccomp-stop rip are actually `syscall`
// (0f 05), guarding against a race where a sibling thread has already
// patched the site out from under this trap.
const (
	syscallInsn     = 0x050f
	syscallInsnMask = 0xffff
)
