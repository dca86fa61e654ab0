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

// Package sharedstate models the counters the supervisor keeps for a
// tracee's lifetime. In the tracee itself these counters live at a
// fixed virtual address backed by a MAP_SHARED page, so both the
// supervisor and the trampoline's injected instrumentation can
// fetch-add into them; this package is the supervisor-side view of
// that page, with one State per traced process.
package sharedstate

import "github.com/wangbj/systrace/pkg/atomicbitops"

// LogLevel mirrors the log-level byte published at a fixed offset in
// the shared-state page, read by the trampoline's own logger.
type LogLevel int32

const (
	LogError LogLevel = iota + 1
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// State holds the monotonic counters associated with one traced
// process's shared-state page. All fields are updated with
// sequentially-consistent atomic operations, since both the
// supervisor (on the ptraced path) and the tracee's own trampoline
// (on the patched fast path) increment them concurrently.
type State struct {
	SyscallsTotal   atomicbitops.Uint64
	SyscallsPtraced atomicbitops.Uint64
	SyscallsPatched atomicbitops.Uint64
	Forked          atomicbitops.Uint64
	Cloned          atomicbitops.Uint64
	Exited          atomicbitops.Uint64
	ProcessSpawns   atomicbitops.Uint64
	LogLevel        atomicbitops.Int32
}

// New returns a fresh State for a process about to be traced.
func New() *State {
	return &State{}
}

// RecordPtracedSyscall accounts for a syscall the supervisor handled
// itself (no patch applied).
func (s *State) RecordPtracedSyscall() {
	s.SyscallsTotal.Add(1)
	s.SyscallsPtraced.Add(1)
}

// RecordPatchedSyscall accounts for a syscall whose site was patched
// on this trap; subsequent invocations of the same site are counted
// by the tracee's own trampoline instead (SyscallsTotal is not
// incremented again by the supervisor for those).
func (s *State) RecordPatchedSyscall() {
	s.SyscallsPatched.Add(1)
}

// RecordForked accounts for a fork/vfork event.
func (s *State) RecordForked() {
	s.SyscallsTotal.Add(1)
	s.SyscallsPtraced.Add(1)
	s.Forked.Add(1)
}

// RecordCloned accounts for a clone (thread-creating) event.
func (s *State) RecordCloned() {
	s.SyscallsTotal.Add(1)
	s.SyscallsPtraced.Add(1)
	s.Cloned.Add(1)
}

// RecordExited accounts for a task exit.
func (s *State) RecordExited() {
	s.Exited.Add(1)
}

// RecordProcessSpawn accounts for a successful exec.
func (s *State) RecordProcessSpawn() {
	s.ProcessSpawns.Add(1)
}
