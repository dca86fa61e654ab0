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
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wangbj/systrace/internal/arch"
	"github.com/wangbj/systrace/internal/remote"
	"github.com/wangbj/systrace/internal/task"
	"github.com/wangbj/systrace/pkg/log"
)

// Restart errno values the kernel may leave in rax across a
// PTRACE_SYSCALL syscall-exit stop; see traced_task.rs's
// should_restart_syscall.
const (
	erestartsys    = 512
	erestartnointr = 513
	erestartnohand = 514
	erestartblock  = 516
)

// Run implements task.Task: it advances the state machine by exactly
// one step given the state last observed for this task by the
// scheduler's wait loop.
func (t *Task) Run(s task.State) (task.RunResult, error) {
	t.state = s
	switch s.Kind {
	case task.Running, task.Ready:
		return task.RunResult{Kind: task.Runnable, Parent: t}, nil

	case task.Signaled:
		_ = unix.PtraceCont(t.tid, s.Signal)
		return task.RunResult{Kind: task.TaskExited, ExitCode: 0x80 | s.Signal}, nil

	case task.Stopped:
		if s.Signal == int(unix.SIGSEGV) || s.Signal == int(unix.SIGILL) {
			t.logFaultContext(s.Signal)
		}
		t.signalToDeliver = s.Signal
		return task.RunResult{Kind: task.Runnable, Parent: t}, nil

	case task.Event:
		return t.handlePtraceEvent(s.EventCode)

	case task.SyscallExit:
		return t.handleSyscallExit()

	case task.Exited:
		return task.RunResult{}, fmt.Errorf("tracedtask: Run called on already-exited task %d", t.tid)

	default:
		return task.RunResult{}, fmt.Errorf("tracedtask: unknown task state %v", s)
	}
}

func (t *Task) logFaultContext(sig int) {
	regs, err := t.GetRegs()
	if err != nil {
		return
	}
	log.Debugf("%d got signal %d at rip=%x", t.tid, sig, arch.IP(regs))
}

func (t *Task) handlePtraceEvent(event int) (task.RunResult, error) {
	switch event {
	case unix.PTRACE_EVENT_FORK:
		return t.doFork()
	case unix.PTRACE_EVENT_VFORK:
		return t.doVfork()
	case unix.PTRACE_EVENT_CLONE:
		return t.doClone()
	case unix.PTRACE_EVENT_EXEC:
		if err := t.doExec(); err != nil {
			return task.RunResult{}, err
		}
		return task.RunResult{Kind: task.Runnable, Parent: t}, nil
	case unix.PTRACE_EVENT_VFORK_DONE:
		return task.RunResult{Kind: task.Runnable, Parent: t}, nil
	case unix.PTRACE_EVENT_EXIT:
		return t.doEventExit()
	case unix.PTRACE_EVENT_SECCOMP:
		if err := t.doSeccomp(); err != nil {
			return task.RunResult{}, err
		}
		return task.RunResult{Kind: task.Runnable, Parent: t}, nil
	default:
		return task.RunResult{}, fmt.Errorf("tracedtask: unknown ptrace event %x", event)
	}
}

// waitSigstop waits for the SIGSTOP the kernel delivers to a newly
// traced fork/vfork/clone child before it resumes it.
func waitSigstop(child *Task) error {
	sig, err := child.WaitStop()
	if err != nil {
		return err
	}
	if sig != int(unix.SIGSTOP) {
		return fmt.Errorf("tracedtask: expected SIGSTOP from new child %d, got signal %d", child.tid, sig)
	}
	return child.Resume()
}

func (t *Task) doFork() (task.RunResult, error) {
	childTask, err := t.Forked()
	if err != nil {
		return task.RunResult{}, err
	}
	child := childTask.(*Task)
	if err := waitSigstop(child); err != nil {
		return task.RunResult{}, err
	}
	t.shared.RecordForked()
	return task.RunResult{Kind: task.Forked, Parent: t, Child: child}, nil
}

func (t *Task) doVfork() (task.RunResult, error) {
	childTask, err := t.Forked()
	if err != nil {
		return task.RunResult{}, err
	}
	child := childTask.(*Task)
	child.inVfork = true
	if err := waitSigstop(child); err != nil {
		return task.RunResult{}, err
	}
	t.shared.RecordForked()
	return task.RunResult{Kind: task.Forked, Parent: t, Child: child}, nil
}

func (t *Task) doClone() (task.RunResult, error) {
	childTask, err := t.Cloned()
	if err != nil {
		return task.RunResult{}, err
	}
	child := childTask.(*Task)
	if err := waitSigstop(child); err != nil {
		return task.RunResult{}, err
	}
	t.shared.RecordCloned()
	return task.RunResult{Kind: task.Forked, Parent: t, Child: child}, nil
}

func (t *Task) doEventExit() (task.RunResult, error) {
	code, err := t.GetEvent()
	if err != nil {
		return task.RunResult{}, err
	}
	t.shared.RecordExited()
	_ = unix.PtraceDetach(t.tid)
	return task.RunResult{Kind: task.TaskExited, ExitCode: int(code)}, nil
}

// skipSeccompSyscall forces the kernel to skip the syscall currently
// trapped at a seccomp stop (by setting orig_rax to -1), single-steps
// past it, and restores the original registers. After this call the
// task is in a plain SIGTRAP stop rather than a ptrace-event-seccomp
// stop, which is important: resuming directly out of
// PTRACE_EVENT_SECCOMP can let the kernel run the original syscall
// through, where a SIGTRAP stop cannot.
func (t *Task) skipSeccompSyscall(regs *arch.Registers) error {
	newRegs := *regs
	newRegs.Orig_rax = ^uint64(0)
	if err := t.SetRegs(&newRegs); err != nil {
		return err
	}
	if err := t.Step(0); err != nil {
		return err
	}
	sig, err := t.WaitStop()
	if err != nil {
		return err
	}
	if sig != int(unix.SIGTRAP) {
		return fmt.Errorf("tracedtask: %d: expected SIGTRAP after seccomp skip-step, got signal %d", t.tid, sig)
	}
	t.state = task.State{Kind: task.Stopped, Signal: int(unix.SIGTRAP)}
	return t.SetRegs(regs)
}

func (t *Task) isSyscallInsn(rip uint64) (bool, error) {
	word, err := t.peekWord(rip)
	if err != nil {
		return false, err
	}
	return word&syscallInsnMask == syscallInsn, nil
}

func (t *Task) peekWord(addr uint64) (uint64, error) {
	return remote.PeekWord(t, remote.Ptr(addr))
}

func (t *Task) doSeccomp() error {
	regs, err := t.GetRegs()
	if err != nil {
		return err
	}
	ev, err := t.GetEvent()
	if err != nil {
		return err
	}
	if ev == 0x7fff {
		return fmt.Errorf("tracedtask: %d: unfiltered syscall trapped (nr=%d)", t.tid, arch.SyscallNo(regs))
	}

	rip := arch.IP(regs)
	ripBeforeSyscall := rip - syscallInsnSize

	if !t.haveLdpreload {
		t.ldpreloadAddr, t.haveLdpreload = t.probeLdpreloadAddress()
	}

	hook, hookOK := t.findSyscallHook(rip)
	t.seccompHookSize = -1
	if t.haveLdpreload && hookOK {
		t.seccompHookSize = len(hook.Instructions)
	}

	if isInsn, err := t.isSyscallInsn(ripBeforeSyscall); err != nil {
		return err
	} else if !isInsn {
		// A sibling thread already patched this site between the
		// seccomp trap firing and us getting scheduled. Skip the
		// trapped syscall and let the tracee re-enter at the patch.
		newRegs := *regs
		newRegs.Rax = regs.Orig_rax
		newRegs.Rip = ripBeforeSyscall
		if err := t.skipSeccompSyscall(&newRegs); err != nil {
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockWaitTimeout)
	defer cancel()
	if err := t.space.patchLockset.AwaitReadLock(ctx, t.tid, uintptr(rip)); err != nil {
		lockWaitWarnings.Warningf("%d: could not take read lock at %x: %v", t.tid, rip, err)
		return fmt.Errorf("tracedtask: %d: could not take read lock at %x: %w", t.tid, rip, err)
	}

	patched := false
	if t.haveLdpreload && hookOK {
		if err := t.skipSeccompSyscall(regs); err != nil {
			return err
		}
		t.space.patchLockset.TryReadUnlock(t.tid, uintptr(rip))
		if t.space.patchLockset.TryWriteLock(t.tid, uintptr(rip)) {
			if err := t.patchSyscallWith(hook, rip); err == nil {
				patched = true
			}
			t.space.patchLockset.TryWriteUnlock(t.tid, uintptr(rip))
		}
	}

	if !patched {
		t.shared.RecordPtracedSyscall()
	} else {
		t.shared.RecordPatchedSyscall()
	}
	return nil
}

// lockWaitTimeout bounds how long doSeccomp spins waiting for a
// sibling thread's write lock on a patch site before giving up.
const lockWaitTimeout = 30 * time.Second

// lockWaitWarnings bounds log volume for a hot loop that repeatedly
// contends the same patch site's lock: without this, a tight loop
// hitting an unpatchable or contended site can emit thousands of
// identical warnings per second.
var lockWaitWarnings = log.NewLimiter(1, 3)

func (t *Task) shouldRestartSyscall(regs *arch.Registers) (bool, error) {
	rax := int64(regs.Rax)
	switch rax {
	case -erestartsys, -erestartnointr, -erestartnohand:
		sig, err := t.GetSigInfo()
		if err != nil {
			return false, err
		}
		if sig.Signo != int32(unix.SIGTRAP) && sig.Signo != int32(unix.SIGCHLD) {
			return false, fmt.Errorf("tracedtask: %d: unexpected pending signal %d during restart check", t.tid, sig.Signo)
		}
		return true, nil
	case -erestartblock:
		// Restarted via SYS_restart_syscall instead; no action here.
		return false, nil
	default:
		return false, nil
	}
}

// handleSyscallExit handles a PTRACE_SYSCALL syscall-exit stop. Its
// job is to release the read lock this site's seccomp trap took, and,
// if doSeccomp found a catalog hook at the site (seccompHookSize set),
// single-step this task until its rip leaves (rip, rip+hookSize), so
// that it is no longer inside the bytes a patch rewrites.
func (t *Task) handleSyscallExit() (task.RunResult, error) {
	regs, err := t.GetRegs()
	if err != nil {
		return task.RunResult{}, err
	}
	rip := arch.IP(regs)

	restart, err := t.shouldRestartSyscall(regs)
	if err != nil {
		return task.RunResult{}, err
	}
	if restart {
		return task.RunResult{Kind: task.Runnable, Parent: t}, nil
	}

	if t.seccompHookSize >= 0 {
		hookSize := t.seccompHookSize
		t.seccompHookSize = -1
		syscallEnd := rip + uint64(hookSize)
		sig := 0
		for {
			if err := t.Step(sig); err != nil {
				return task.RunResult{}, err
			}
			stopSig, err := t.WaitStop()
			if err != nil {
				return task.RunResult{}, err
			}
			if stopSig == int(unix.SIGTRAP) {
				sig = 0
			} else {
				sig = stopSig
			}
			newRegs, err := t.GetRegs()
			if err != nil {
				return task.RunResult{}, err
			}
			newRip := arch.IP(newRegs)
			if !(newRip > rip && newRip < syscallEnd) {
				break
			}
		}
	}

	t.space.patchLockset.TryReadUnlock(t.tid, uintptr(rip))
	return task.RunResult{Kind: task.Runnable, Parent: t}, nil
}
