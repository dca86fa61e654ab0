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
	"os"

	"golang.org/x/sys/unix"

	"github.com/wangbj/systrace/internal/arch"
	"github.com/wangbj/systrace/internal/remote"
	"github.com/wangbj/systrace/pkg/log"
)

// SharedStateFD is supplied by the process driving this module: a
// file descriptor, open in the tracee (inherited across exec), backing
// the MAP_SHARED page the supervisor maps at sharedStatePageAddr.
// Non-goal detail: how that fd is created and passed down is outside
// this package (spec.md treats "the process scheduler driver loop" as
// an external collaborator); tracedtask only consumes the number.
type SharedStateFD = int

// doExec runs the full pre-init sequence an exec event requires:
// inject a `syscall; int3; int3` sequence at the tracee's new entry
// point, resume it until it stops with SIGTRAP, run tracee pre-init
// (scratch page, remote-syscall entry stubs, tool log level, VDSO
// patch), restore the entry-point bytes, reset all per-address-space
// patch state, and finally map in the shared-state page.
func (t *Task) doExec() error {
	regs, err := t.GetRegs()
	if err != nil {
		return err
	}
	rip := arch.IP(regs)

	saved, err := remote.PeekBytes(t, remote.Ptr(rip), len(bpSyscallBP))
	if err != nil {
		return err
	}
	if err := remote.PokeBytes(t, remote.Ptr(rip), bpSyscallBP); err != nil {
		return err
	}
	if err := t.Resume(); err != nil {
		return err
	}
	sig, err := t.WaitStop()
	if err != nil {
		return err
	}
	if sig != int(unix.SIGTRAP) {
		return fmt.Errorf("tracedtask: %d: expected SIGTRAP after exec entry breakpoint, got signal %d", t.tid, sig)
	}

	if err := t.tracePreinit(); err != nil {
		return err
	}

	if err := remote.PokeBytes(t, remote.Ptr(rip), saved); err != nil {
		return err
	}

	t.taskExecReset()

	sharedStateFD, haveFD := execSharedStateFD()
	if haveFD {
		at, err := t.UntracedSyscall(unix.SYS_MMAP, [6]uintptr{
			uintptr(sharedStatePageAddr), uintptr(sharedStatePageSize),
			uintptr(unix.PROT_READ | unix.PROT_WRITE),
			uintptr(unix.MAP_SHARED | unix.MAP_FIXED),
			uintptr(sharedStateFD), 0,
		})
		if err != nil {
			return fmt.Errorf("tracedtask: %d: mmap shared-state page: %w", t.tid, err)
		}
		if uint64(at) != sharedStatePageAddr {
			return fmt.Errorf("tracedtask: %d: shared-state page landed at %x, wanted %x", t.tid, at, sharedStatePageAddr)
		}
		_ = unix.Close(sharedStateFD)
		t.injectedShared = uint64(at)
	}

	t.shared.RecordProcessSpawn()
	return nil
}

// execSharedStateFD reads the pre-opened shared-state page file
// descriptor number from the environment the driver sets up before
// exec'ing the root tracee. Children past the first exec already have
// their shared-state page mapped in from the parent's own exec, so a
// missing/unset value is not itself an error here.
func execSharedStateFD() (int, bool) {
	raw, ok := os.LookupEnv("SYSTRACE_SHARED_STATE_FD")
	if !ok {
		return 0, false
	}
	var fd int
	if _, err := fmt.Sscanf(raw, "%d", &fd); err != nil {
		return 0, false
	}
	return fd, true
}

// tracePreinit injects an mmap to create the scratch page, writes the
// two remote-syscall entry stubs into it, publishes the configured
// tool log level, and asks the VDSO patcher to do its part. It must
// run with the tracee stopped at the breakpoint doExec just installed.
func (t *Task) tracePreinit() error {
	regs, err := t.GetRegs()
	if err != nil {
		return err
	}
	saved := *regs

	arch.PrepareSyscall(regs, unix.SYS_MMAP, [6]uintptr{
		uintptr(scratchPageAddr), uintptr(scratchPageSize),
		uintptr(unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE | unix.MAP_FIXED | unix.MAP_ANONYMOUS),
		^uintptr(0), 0,
	})
	if err := t.SetRegs(regs); err != nil {
		return err
	}
	if err := t.Resume(); err != nil {
		return err
	}

	// Loop past any spurious seccomp event the injected mmap itself
	// might trigger, until we land on the second breakpoint.
	for {
		sig, err := t.WaitStop()
		if err != nil {
			return err
		}
		if sig == int(unix.SIGTRAP) {
			if t.taskStateIsSeccomp() {
				if err := t.Resume(); err != nil {
					return err
				}
				continue
			}
			break
		}
		if err := t.Resume(); err != nil {
			return err
		}
	}

	afterMmap, err := t.GetRegs()
	if err != nil {
		return err
	}
	if arch.IsSyscallError(afterMmap.Rax) {
		return fmt.Errorf("tracedtask: %d: scratch page mmap failed: errno %d", t.tid, -int64(afterMmap.Rax))
	}
	if afterMmap.Rax != scratchPageAddr {
		return fmt.Errorf("tracedtask: %d: scratch page landed at %x, wanted %x", t.tid, afterMmap.Rax, scratchPageAddr)
	}

	t.setToolLogLevel()

	if err := t.genSyscallSequences(); err != nil {
		return err
	}

	if err := t.vdso.Patch(t.tid); err != nil {
		log.Warningf("%d: VDSO patch failed (continuing unpatched): %v", t.tid, err)
	}

	saved.Rip--
	return t.SetRegs(&saved)
}

// genSyscallSequences writes the two fixed remote-syscall entry stubs
// into the scratch page: the same 3-byte `syscall; int3` sequence
// (0f 05 cc) at remote.Untraced and at remote.Traced. Neither stub
// calls out of the scratch page, so both run the raw syscall under
// the tracee's seccomp filter.
func (t *Task) genSyscallSequences() error {
	stub := []byte{0x0f, 0x05, 0xcc} // syscall; int3 — the return address the injector restores over
	if err := remote.PokeBytes(t, remote.Untraced, stub); err != nil {
		return err
	}
	return remote.PokeBytes(t, remote.Traced, stub)
}

func (t *Task) setToolLogLevel() {
	raw, ok := os.LookupEnv(envToolLogLevel)
	if !ok {
		return
	}
	lvl, ok := logLevelFromString(raw)
	if !ok {
		return
	}
	_ = remote.PokeWord(t, remote.Ptr(scratchPageAddr+8), uint64(lvl))
}

func logLevelFromString(s string) (int, bool) {
	switch s {
	case "error":
		return 1, true
	case "warn":
		return 2, true
	case "info":
		return 3, true
	case "debug":
		return 4, true
	case "trace":
		return 5, true
	default:
		return 0, false
	}
}

// taskExecReset clears every piece of state exec invalidates: the
// trampoline load address (re-probed lazily), the in-vfork flag, the
// pending seccomp hook, and the entire address-space-scoped patch
// state (memory map cache, stub pages, patched/unpatchable sets, and
// the patch lockset).
func (t *Task) taskExecReset() {
	t.haveLdpreload = false
	t.ldpreloadAddr = 0
	t.injectedMmapPage = scratchPageAddr
	t.signalToDeliver = 0
	t.inVfork = false
	t.seccompHookSize = -1
	t.space.reset()
}
