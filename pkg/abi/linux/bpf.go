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

// Package linux holds the subset of Linux ABI constants and types the
// supervisor needs: classic BPF instruction encoding (for the seccomp
// filter installed in stub processes) and the x86-64 task size.
package linux

// TaskSize is the largest possible user address on x86-64: one page
// below the canonical-address boundary 1<<47.
const TaskSize = uintptr(1)<<47 - 0x1000

// BPFAction is a seccomp-bpf filter return value (SECCOMP_RET_*).
type BPFAction uint32

// Seccomp filter return actions. Values match uapi/linux/seccomp.h.
const (
	SECCOMP_RET_KILL_PROCESS BPFAction = 0x80000000
	SECCOMP_RET_KILL_THREAD  BPFAction = 0x00000000
	SECCOMP_RET_TRAP         BPFAction = 0x00030000
	SECCOMP_RET_ERRNO        BPFAction = 0x00050000
	SECCOMP_RET_TRACE        BPFAction = 0x7ff00000
	SECCOMP_RET_LOG          BPFAction = 0x7ffc0000
	SECCOMP_RET_ALLOW        BPFAction = 0x7fff0000
)

// BPFInstruction is one classic BPF instruction (struct sock_filter).
type BPFInstruction struct {
	OpCode   uint16
	JumpIf   uint8
	JumpIfNot uint8
	K        uint32
}

// BPF instruction classes and fields used by the filter builder.
const (
	BPF_LD  = 0x00
	BPF_JMP = 0x05
	BPF_RET = 0x06
	BPF_W   = 0x00
	BPF_ABS = 0x20
	BPF_JEQ = 0x10
	BPF_JGE = 0x30
	BPF_JGT = 0x20
	BPF_K   = 0x00
)

// Offsets into struct seccomp_data.
const (
	SeccompDataOffsetNR   = 0
	SeccompDataOffsetArch = 4
	SeccompDataOffsetArgs = 16
)

// AuditArchX8664 is AUDIT_ARCH_X86_64.
const AuditArchX8664 = 0xc000003e
