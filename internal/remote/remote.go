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

// Package remote provides word-granular and bulk memory access to a
// ptraced tracee, plus remote syscall injection through the two
// scratch-page entry stubs the tracee's pre-init sets up.
package remote

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wangbj/systrace/internal/arch"
)

// Ptr is a tracee-space address. It exists as a distinct type from
// uintptr so that function signatures make clear which addresses
// belong to the tracee and which to the supervisor.
type Ptr uintptr

// Memory is the subset of ptrace-backed operations the supervisor
// needs against a stopped tracee: register access and memory
// peek/poke. It is implemented by internal/tracedtask's task type;
// this package only depends on the interface so it can be unit tested
// against a fake.
type Memory interface {
	Tid() int
	PeekBytes(addr Ptr, size int) ([]byte, error)
	PokeBytes(addr Ptr, data []byte) error
	GetRegs() (*arch.Registers, error)
	SetRegs(*arch.Registers) error
	Resume() error
}

// pokeMasks zero out the low N bytes of a 64-bit word, used to
// preserve the untouched high bytes of a word during a sub-word poke.
var pokeMasks = [8]uint64{
	0xffffffff_ffffff00,
	0xffffffff_ffff0000,
	0xffffffff_ff000000,
	0xffffffff_00000000,
	0xffffff00_00000000,
	0xffff0000_00000000,
	0xff000000_00000000,
	0x00000000_00000000,
}

// wordSize is the granularity of a single PTRACE_PEEKDATA/POKEDATA.
const wordSize = 8

// PeekBytes reads size bytes from the tracee at addr. Reads no larger
// than one word go through PTRACE_PEEKDATA; larger reads use
// process_vm_readv, which is both faster and avoids splitting into
// many ptrace calls.
func PeekBytes(m Memory, addr Ptr, size int) ([]byte, error) {
	if size <= wordSize {
		buf := make([]byte, wordSize)
		if _, err := unix.PtracePeekData(m.Tid(), uintptr(addr), buf); err != nil {
			return nil, err
		}
		return buf[:size], nil
	}

	buf := make([]byte, size)
	localIov := []unix.Iovec{{Base: &buf[0], Len: uint64(size)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}
	n, err := unix.ProcessVMReadv(m.Tid(), localIov, remoteIov, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// PokeBytes writes data into the tracee at addr. A sub-word write is
// done as a read-modify-write of the enclosing word so that bytes
// outside the requested range are preserved exactly.
func PokeBytes(m Memory, addr Ptr, data []byte) error {
	size := len(data)
	if size <= wordSize {
		var word uint64
		if size < wordSize {
			existing := make([]byte, wordSize)
			if _, err := unix.PtracePeekData(m.Tid(), uintptr(addr), existing); err != nil {
				return err
			}
			for i := 0; i < wordSize; i++ {
				word |= uint64(existing[i]) << (8 * uint(i))
			}
			word &= pokeMasks[size-1]
		}
		for k := 0; k < size; k++ {
			word |= uint64(data[k]) << (8 * uint(k))
		}
		wordBytes := make([]byte, wordSize)
		for i := 0; i < wordSize; i++ {
			wordBytes[i] = byte(word >> (8 * uint(i)))
		}
		_, err := unix.PtracePokeData(m.Tid(), uintptr(addr), wordBytes)
		return err
	}

	localIov := []unix.Iovec{{Base: &data[0], Len: uint64(size)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: size}}
	_, err := unix.ProcessVMWritev(m.Tid(), localIov, remoteIov, 0)
	return err
}

// PeekWord reads a single 8-byte word from the tracee.
func PeekWord(m Memory, addr Ptr) (uint64, error) {
	b, err := PeekBytes(m, addr, wordSize)
	if err != nil {
		return 0, err
	}
	var w uint64
	for i := 0; i < wordSize; i++ {
		w |= uint64(b[i]) << (8 * uint(i))
	}
	return w, nil
}

// PokeWord writes a single 8-byte word into the tracee.
func PokeWord(m Memory, addr Ptr, value uint64) error {
	b := make([]byte, wordSize)
	for i := 0; i < wordSize; i++ {
		b[i] = byte(value >> (8 * uint(i)))
	}
	return PokeBytes(m, addr, b)
}

// Untraced and Traced are the fixed scratch-page addresses of the two
// remote-syscall entry stubs the tracee's pre-init installs. Pre-init
// writes the same `syscall; int3` sequence at both, so the two entries
// differ only in address: a syscall injected at either one is seen by
// the tracee's seccomp filter alike.
const (
	Untraced Ptr = 0x7000_0008
	Traced   Ptr = 0x7000_0010
)

// Waiter lets the injector wait for the tracee to reach the
// breakpoint that marks completion of the injected syscall, without
// this package depending on the tracedtask package's wait-loop
// machinery directly.
type Waiter interface {
	WaitStop() (sig int, err error)
}

// DoSyscallAt injects a syscall at the given scratch-page entry point.
// The tracee must already be stopped (e.g. at a ptrace-event or
// seccomp stop). On return, the tracee's registers are restored to
// what they were before injection; negative return values in
// [-4095,-1] are converted to a Go error carrying the errno.
func DoSyscallAt(m Memory, w Waiter, entry Ptr, nr uintptr, args [6]uintptr) (int64, error) {
	saved, err := m.GetRegs()
	if err != nil {
		return 0, err
	}
	regs := *saved
	arch.PrepareSyscall(&regs, nr, args)
	arch.SetIP(&regs, uintptr(entry))
	if err := m.SetRegs(&regs); err != nil {
		return 0, err
	}
	if err := m.Resume(); err != nil {
		return 0, err
	}

	sig, err := w.WaitStop()
	if err != nil {
		return 0, err
	}
	if sig != unix.SIGTRAP && sig != unix.SIGCHLD {
		return 0, fmt.Errorf("remote: unexpected stop signal %d while injecting syscall %d", sig, nr)
	}

	newRegs, err := m.GetRegs()
	if err != nil {
		return 0, err
	}
	if err := m.SetRegs(saved); err != nil {
		return 0, err
	}

	rax := newRegs.Rax
	if arch.IsSyscallError(rax) {
		return 0, unix.Errno(-int64(rax))
	}
	return int64(rax), nil
}
