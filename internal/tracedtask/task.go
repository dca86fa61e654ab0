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

// Package tracedtask is the core engine: one Task per tracee thread,
// implementing the ptrace-driven syscall-patching state machine
// spec.md describes. It is grounded on the upstream systrace project's
// traced_task.rs, translated from Rc<RefCell<>>-shared fields into an
// explicitly shared *addressSpace (see addressspace.go).
package tracedtask

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wangbj/systrace/internal/arch"
	"github.com/wangbj/systrace/internal/hooks"
	"github.com/wangbj/systrace/internal/remote"
	"github.com/wangbj/systrace/internal/sharedstate"
	"github.com/wangbj/systrace/internal/task"
	"github.com/wangbj/systrace/internal/trampoline"
	"github.com/wangbj/systrace/internal/vdso"
	"github.com/wangbj/systrace/pkg/log"
)

// Task is one traced thread. Its exported methods satisfy both
// task.Task (the scheduler-facing interface) and remote.Memory (the
// ptrace memory/register access interface).
type Task struct {
	tid  int
	pid  int
	ppid int
	pgid int

	inVfork         bool
	seccompHookSize int // -1 means "no patchable hook pending"

	state          task.State
	signalToDeliver int // 0 means none

	ldpreloadAddr    uint64
	haveLdpreload    bool
	injectedMmapPage uint64
	injectedShared   uint64

	shared *sharedstate.State
	space  *addressSpace

	trampoline *trampoline.Library
	catalog    []hooks.Hook
	vdso       vdso.Patcher
}

// New creates the Task for a just-attached root tracee.
func New(tid int, trampolineDir string, vdsoPatcher vdso.Patcher) (*Task, error) {
	pgid, err := unix.Getpgid(tid)
	if err != nil {
		return nil, fmt.Errorf("tracedtask: getpgid(%d): %w", tid, err)
	}
	lib, libErr := trampoline.Load(trampolineDir)
	t := &Task{
		tid:             tid,
		pid:             tid,
		ppid:            tid,
		pgid:            pgid,
		seccompHookSize: -1,
		state:           task.State{Kind: task.Ready},
		shared:          sharedstate.New(),
		space:           newAddressSpace(),
		catalog:         hooks.Catalog,
		vdso:            vdsoPatcher,
	}
	if libErr == nil {
		t.trampoline = lib
	} else {
		log.Warningf("tracedtask: trampoline library not yet loaded in %d: %v", tid, libErr)
	}
	t.ldpreloadAddr, t.haveLdpreload = t.probeLdpreloadAddress()
	return t, nil
}

// Tid, Pid, Ppid, Pgid implement task.Task.
func (t *Task) Tid() int  { return t.tid }
func (t *Task) Pid() int  { return t.pid }
func (t *Task) Ppid() int { return t.ppid }
func (t *Task) Pgid() int { return t.pgid }

// Cloned implements task.Task: a CLONE_THREAD sibling shares this
// task's address space.
func (t *Task) Cloned() (task.Task, error) {
	childTid, err := t.GetEvent()
	if err != nil {
		return nil, fmt.Errorf("tracedtask: ptrace geteventmsg on clone: %w", err)
	}
	return &Task{
		tid:             int(childTid),
		pid:             t.pid,
		ppid:            t.pid,
		pgid:            t.pgid,
		seccompHookSize: -1,
		state:           task.State{Kind: task.Ready},
		shared:          t.shared,
		space:           t.space.share(),
		ldpreloadAddr:   t.ldpreloadAddr,
		haveLdpreload:   t.haveLdpreload,
		trampoline:      t.trampoline,
		catalog:         t.catalog,
		vdso:            t.vdso,
	}, nil
}

// Forked implements task.Task: a fork/vfork child gets its own
// address space, a deep copy of this task's at the moment of fork.
func (t *Task) Forked() (task.Task, error) {
	childTid, err := t.GetEvent()
	if err != nil {
		return nil, fmt.Errorf("tracedtask: ptrace geteventmsg on fork: %w", err)
	}
	return &Task{
		tid:             int(childTid),
		pid:             int(childTid),
		ppid:            t.pid,
		pgid:            t.pgid,
		seccompHookSize: -1,
		state:           task.State{Kind: task.Ready},
		shared:          t.shared,
		space:           t.space.fork(),
		ldpreloadAddr:   t.ldpreloadAddr,
		haveLdpreload:   t.haveLdpreload,
		trampoline:      t.trampoline,
		catalog:         t.catalog,
		vdso:            t.vdso,
	}, nil
}

func (t *Task) isPatchedSyscall(rip uint64) bool {
	return t.space.isPatched(rip)
}

func (t *Task) taskStateIsSeccomp() bool {
	return t.state.Kind == task.Event && t.state.EventCode == unix.PTRACE_EVENT_SECCOMP
}

// --- remote.Memory ---

func (t *Task) PeekBytes(addr remote.Ptr, size int) ([]byte, error) {
	return remote.PeekBytes(t, addr, size)
}

func (t *Task) PokeBytes(addr remote.Ptr, data []byte) error {
	return remote.PokeBytes(t, addr, data)
}

func (t *Task) GetRegs() (*arch.Registers, error) {
	var regs arch.Registers
	if err := unix.PtraceGetRegs(t.tid, &regs); err != nil {
		return nil, err
	}
	return &regs, nil
}

func (t *Task) SetRegs(regs *arch.Registers) error {
	return unix.PtraceSetRegs(t.tid, regs)
}

func (t *Task) Resume() error {
	var sig int
	if t.signalToDeliver != 0 {
		sig = t.signalToDeliver
		t.signalToDeliver = 0
	}
	return unix.PtraceCont(t.tid, sig)
}

func (t *Task) Step(sig int) error {
	if sig == 0 {
		return unix.PtraceSingleStep(t.tid)
	}
	return ptraceSingleStepWithSignal(t.tid, sig)
}

func (t *Task) GetSigInfo() (*unix.Siginfo, error) {
	var info unix.Siginfo
	if err := ptraceGetSigInfo(t.tid, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (t *Task) GetEvent() (int64, error) {
	msg, err := unix.PtraceGetEventMsg(t.tid)
	if err != nil {
		return 0, err
	}
	return int64(msg), nil
}

// WaitStop implements remote.Waiter: it waits for the tracee to
// report a stop and returns the stopping signal.
func (t *Task) WaitStop() (int, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(t.tid, &ws, 0, nil)
	if err != nil {
		return 0, err
	}
	if ws.Stopped() {
		return int(ws.StopSignal()), nil
	}
	return 0, fmt.Errorf("tracedtask: wait4(%d) returned non-stop status %v", t.tid, ws)
}

// --- remote syscall injection ---

func (t *Task) UntracedSyscall(nr uintptr, args [6]uintptr) (int64, error) {
	return remote.DoSyscallAt(t, t, remote.Untraced, nr, args)
}

func (t *Task) TracedSyscall(nr uintptr, args [6]uintptr) (int64, error) {
	return remote.DoSyscallAt(t, t, remote.Traced, nr, args)
}

// probeLdpreloadAddress reads the well-known trampoline-load-address
// slot at the start of the tracee's scratch page. Nothing in this
// module writes that slot (pre-init leaves it as mmap zeroed it); the
// probe reports whatever the tracee itself has stored there, and a
// zero word counts as "not loaded".
func (t *Task) probeLdpreloadAddress() (uint64, bool) {
	word, err := remote.PeekWord(t, remote.Ptr(scratchPageAddr))
	if err != nil || word == 0 {
		return 0, false
	}
	return word &^ 0xfff, true
}

func ptraceGetSigInfo(tid int, info *unix.Siginfo) error {
	return unix.PtraceGetSiginfo(tid, info)
}

// ptraceSingleStepWithSignal issues PTRACE_SINGLESTEP with a pending
// signal to redeliver, which golang.org/x/sys/unix.PtraceSingleStep
// doesn't expose directly.
func ptraceSingleStepWithSignal(tid, sig int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
