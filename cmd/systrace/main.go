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

// Command systrace attaches to a child process tree as a debugging
// supervisor and patches hot syscall sites into trampoline calls. This
// is minimal wiring: argument parsing beyond os.Args[1:] and the
// scheduling of multiple concurrent tracees are external collaborators
// per spec.md, so this entrypoint drives a single root tracee's wait
// loop directly rather than bringing in a CLI framework.
package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/wangbj/systrace/internal/task"
	"github.com/wangbj/systrace/internal/tracedtask"
	"github.com/wangbj/systrace/internal/vdso"
	"github.com/wangbj/systrace/pkg/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Warningf("systrace: %v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: systrace <program> [args...]")
	}

	trampolineDir := os.Getenv("LIBTRAMPOLINE_LIBRARY_PATH")
	if trampolineDir == "" {
		return fmt.Errorf("LIBTRAMPOLINE_LIBRARY_PATH must be set")
	}
	if lvl, ok := log.FromString(os.Getenv("SYSTOOL_LOG")); ok {
		switch {
		case lvl <= 2:
			log.SetLevel(log.Warning)
		case lvl == 3:
			log.SetLevel(log.Info)
		default:
			log.SetLevel(log.Debug)
		}
	}

	tid, err := spawnTraced(args)
	if err != nil {
		return err
	}

	root, err := tracedtask.New(tid, trampolineDir, vdso.None{})
	if err != nil {
		return err
	}

	return driveWaitLoop(root)
}

// spawnTraced forks args[0] under PTRACE_TRACEME and execs it,
// returning the child's tid once it has stopped on its initial
// SIGTRAP and spawnTraced has set the supervisor's ptrace options
// (fork/vfork/clone/exec/exit and seccomp tracing) on it.
func spawnTraced(args []string) (int, error) {
	path, err := lookPath(args[0])
	if err != nil {
		return 0, err
	}

	pid, err := unix.ForkExec(path, args, &unix.ProcAttr{
		Env: os.Environ(),
		Sys: &unix.SysProcAttr{Ptrace: true},
		Files: []uintptr{0, 1, 2},
	})
	if err != nil {
		return 0, fmt.Errorf("systrace: spawn %s: %w", path, err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("systrace: wait for initial stop of %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("systrace: child %d did not stop on exec (status %v)", pid, ws)
	}

	opts := unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK |
		unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC | unix.PTRACE_O_TRACEEXIT |
		unix.PTRACE_O_TRACESECCOMP | unix.PTRACE_O_EXITKILL
	if err := unix.PtraceSetOptions(pid, opts); err != nil {
		return 0, fmt.Errorf("systrace: ptrace setoptions on %d: %w", pid, err)
	}
	return pid, nil
}

func lookPath(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	for _, dir := range pathDirs() {
		candidate := dir + "/" + name
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("systrace: %s not found in PATH", name)
}

func pathDirs() []string {
	raw := os.Getenv("PATH")
	var dirs []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ':' {
			if i > start {
				dirs = append(dirs, raw[start:i])
			}
			start = i + 1
		}
	}
	return dirs
}

// driveWaitLoop is a minimal single-tracee-tree scheduler: it waits
// for state changes, translates them into task.State, and calls
// Task.Run until the root task (and every descendant fork/clone
// produces) has exited. A production deployment would replace this
// with its own scheduler, consuming only the task.Task/RunResult
// interface this module exposes (spec.md treats the full scheduler as
// an external collaborator).
func driveWaitLoop(root task.Task) error {
	pending := map[int]task.Task{root.Tid(): root}

	for len(pending) > 0 {
		var ws unix.WaitStatus
		tid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == unix.ECHILD {
				break
			}
			return fmt.Errorf("systrace: wait4: %w", err)
		}

		t, ok := pending[tid]
		if !ok {
			continue
		}

		state := translateWaitStatus(ws)
		result, err := t.Run(state)
		if err != nil {
			return fmt.Errorf("systrace: task %d: %w", tid, err)
		}

		switch result.Kind {
		case task.TaskExited:
			delete(pending, tid)
		case task.Forked:
			pending[result.Child.Tid()] = result.Child
		case task.Runnable:
		}
	}
	return nil
}

func translateWaitStatus(ws unix.WaitStatus) task.State {
	switch {
	case ws.Exited():
		return task.State{Kind: task.Exited, ExitCode: ws.ExitStatus()}
	case ws.Signaled():
		return task.State{Kind: task.Signaled, Signal: int(ws.Signal())}
	case ws.Stopped():
		if trap := ws.TrapCause(); trap > 0 {
			return task.State{Kind: task.Event, EventCode: trap}
		}
		if ws.StopSignal() == unix.SIGTRAP {
			return task.State{Kind: task.SyscallExit}
		}
		return task.State{Kind: task.Stopped, Signal: int(ws.StopSignal())}
	default:
		return task.State{Kind: task.Running}
	}
}
