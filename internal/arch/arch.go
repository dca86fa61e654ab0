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

// Package arch provides x86-64-specific register and syscall-ABI
// helpers shared by the remote-memory, remote-syscall and patch-site
// code. This module targets Linux/x86-64 exclusively (spec.md
// Non-goals rule out cross-architecture support), so unlike a
// multi-arch sentry this package has no architecture switch.
package arch

import "golang.org/x/sys/unix"

// SyscallInsnSize is the size, in bytes, of the x86-64 `syscall`
// instruction (0f 05).
const SyscallInsnSize = 2

// Registers is the x86-64 general purpose register file, laid out the
// same way as Linux's struct user_regs_struct so that it can be used
// directly as the PTRACE_GETREGS/PTRACE_SETREGS payload.
type Registers = unix.PtraceRegs

// SyscallArgument is a single syscall argument or return value. It
// wraps a raw register value and offers typed accessors, mirroring
// the accessor style of gVisor's pkg/sentry/arch.SyscallArgument
// without carrying that package's marshal/limits dependencies.
type SyscallArgument struct {
	Value uintptr
}

// Int returns the argument as a signed 32-bit value.
func (a SyscallArgument) Int() int32 { return int32(a.Value) }

// Uint returns the argument as an unsigned 32-bit value.
func (a SyscallArgument) Uint() uint32 { return uint32(a.Value) }

// Int64 returns the argument as a signed 64-bit value.
func (a SyscallArgument) Int64() int64 { return int64(a.Value) }

// Uint64 returns the argument as an unsigned 64-bit value.
func (a SyscallArgument) Uint64() uint64 { return uint64(a.Value) }

// Pointer returns the argument as a tracee address.
func (a SyscallArgument) Pointer() uintptr { return a.Value }

// SyscallNo returns the syscall number currently loaded in orig_rax.
func SyscallNo(regs *Registers) uintptr {
	return uintptr(regs.Orig_rax)
}

// SyscallArgs returns the six syscall arguments in kernel ABI order
// (rdi, rsi, rdx, r10, r8, r9).
func SyscallArgs(regs *Registers) [6]SyscallArgument {
	return [6]SyscallArgument{
		{Value: uintptr(regs.Rdi)},
		{Value: uintptr(regs.Rsi)},
		{Value: uintptr(regs.Rdx)},
		{Value: uintptr(regs.R10)},
		{Value: uintptr(regs.R8)},
		{Value: uintptr(regs.R9)},
	}
}

// SetSyscallArgs overwrites the six syscall argument registers.
func SetSyscallArgs(regs *Registers, args [6]uintptr) {
	regs.Rdi = uint64(args[0])
	regs.Rsi = uint64(args[1])
	regs.Rdx = uint64(args[2])
	regs.R10 = uint64(args[3])
	regs.R8 = uint64(args[4])
	regs.R9 = uint64(args[5])
}

// PrepareSyscall rewrites regs in place to request syscall nr with the
// given arguments at the next resume. Both orig_rax and rax are set,
// matching how the original implementation primes a register set
// before directing rip at a scratch syscall stub (traced_task.rs's
// remote_do_syscall_at).
func PrepareSyscall(regs *Registers, nr uintptr, args [6]uintptr) {
	regs.Orig_rax = uint64(nr)
	regs.Rax = uint64(nr)
	SetSyscallArgs(regs, args)
}

// Return returns the syscall return value in rax.
func Return(regs *Registers) int64 {
	return int64(regs.Rax)
}

// SetReturn sets rax to the given return value.
func SetReturn(regs *Registers, value int64) {
	regs.Rax = uint64(value)
}

// IsSyscallError reports whether rax holds a negative errno in the
// range the kernel uses for syscall failures ([-4095, -1]), following
// the convention documented in traced_task.rs's remote_do_syscall_at.
func IsSyscallError(rax uint64) bool {
	return rax >= uint64(int64(-4095))
}

// IP returns the instruction pointer.
func IP(regs *Registers) uintptr { return uintptr(regs.Rip) }

// SetIP sets the instruction pointer.
func SetIP(regs *Registers, addr uintptr) { regs.Rip = uint64(addr) }

// StackPointer returns the stack pointer.
func StackPointer(regs *Registers) uintptr { return uintptr(regs.Rsp) }

// RestartSyscall rewinds rip by the size of the syscall instruction so
// that, on resume, the kernel re-executes the syscall instruction the
// tracee just trapped on.
func RestartSyscall(regs *Registers) {
	regs.Rip -= SyscallInsnSize
	regs.Rax = regs.Orig_rax
}
