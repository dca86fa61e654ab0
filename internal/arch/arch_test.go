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

package arch

import "testing"

func TestSyscallArgumentAccessors(t *testing.T) {
	a := SyscallArgument{Value: 0xfffffffe} // -2 as a 32-bit signed value
	if got := a.Int(); got != -2 {
		t.Errorf("Int() = %d, want -2", got)
	}
	if got := a.Uint(); got != 0xfffffffe {
		t.Errorf("Uint() = %#x, want 0xfffffffe", got)
	}
	if got := a.Pointer(); got != 0xfffffffe {
		t.Errorf("Pointer() = %#x, want 0xfffffffe", got)
	}
}

func TestSetSyscallArgsAndSyscallArgsRoundTrip(t *testing.T) {
	var regs Registers
	args := [6]uintptr{1, 2, 3, 4, 5, 6}
	SetSyscallArgs(&regs, args)
	got := SyscallArgs(&regs)
	for i, want := range args {
		if got[i].Value != want {
			t.Errorf("arg[%d] = %d, want %d", i, got[i].Value, want)
		}
	}
}

func TestPrepareSyscallSetsOrigRaxAndRax(t *testing.T) {
	var regs Registers
	PrepareSyscall(&regs, 39, [6]uintptr{1, 2, 3, 4, 5, 6})
	if SyscallNo(&regs) != 39 {
		t.Errorf("SyscallNo() = %d, want 39", SyscallNo(&regs))
	}
	if regs.Rax != 39 {
		t.Errorf("Rax = %d, want 39 (so a restart before the syscall fires sees the right nr)", regs.Rax)
	}
}

func TestReturnAndSetReturn(t *testing.T) {
	var regs Registers
	SetReturn(&regs, -2)
	if got := Return(&regs); got != -2 {
		t.Errorf("Return() = %d, want -2", got)
	}
}

func TestIsSyscallErrorBoundaries(t *testing.T) {
	cases := []struct {
		rax  int64
		want bool
	}{
		{0, false},
		{4096, false},     // a large positive return value, not an errno
		{-1, true},        // -EPERM
		{-4095, true},      // MAX_ERRNO, the edge of the valid errno range
		{-4096, false},     // just past MAX_ERRNO: not a valid errno
	}
	for _, c := range cases {
		got := IsSyscallError(uint64(c.rax))
		if got != c.want {
			t.Errorf("IsSyscallError(%d) = %v, want %v", c.rax, got, c.want)
		}
	}
}

func TestIPAndStackPointer(t *testing.T) {
	var regs Registers
	SetIP(&regs, 0x400000)
	if got := IP(&regs); got != 0x400000 {
		t.Errorf("IP() = %#x, want %#x", got, 0x400000)
	}
	regs.Rsp = 0x7ffee0000000
	if got := StackPointer(&regs); got != 0x7ffee0000000 {
		t.Errorf("StackPointer() = %#x, want %#x", got, 0x7ffee0000000)
	}
}

func TestRestartSyscallRewindsRipAndRestoresNr(t *testing.T) {
	var regs Registers
	regs.Orig_rax = 0
	regs.Rip = 0x401002
	regs.Rax = 0xfffffffffffffe00 // -512, ERESTARTSYS
	RestartSyscall(&regs)
	if regs.Rip != 0x401000 {
		t.Errorf("Rip = %#x, want %#x", regs.Rip, 0x401000)
	}
	if regs.Rax != regs.Orig_rax {
		t.Errorf("Rax = %d, want it restored to Orig_rax (%d)", regs.Rax, regs.Orig_rax)
	}
}
