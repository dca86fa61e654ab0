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

// Package vdso declares the interface tracee pre-init uses to patch
// the VDSO's vsyscall entries. The patcher itself is an external
// collaborator (spec.md Non-goals: "the VDSO patcher"); this package
// only defines the call surface the core consumes from it, plus a
// no-op implementation for platforms or test doubles where a real
// patcher isn't wired up.
package vdso

// Patcher patches a stopped tracee's VDSO in place so that vsyscall
// entry points fall through to the hook catalog's nop-sequence hook
// (internal/hooks: "_syscall_hook_trampoline_90_90_90") instead of
// executing a raw `syscall` the supervisor would otherwise have to
// intercept on every call.
type Patcher interface {
	// Patch rewrites the VDSO mapped into the tracee identified by
	// tid. Returning an error is non-fatal to the caller: a tracee
	// whose VDSO couldn't be located or patched simply pays the
	// seccomp round-trip cost for vsyscalls, same as any other
	// unpatched site.
	Patch(tid int) error
}

// None is a Patcher that does nothing. It is the default when no
// concrete VDSO patcher is wired in, matching spec.md's treatment of
// the VDSO patcher as an opaque external collaborator.
type None struct{}

// Patch implements Patcher.
func (None) Patch(tid int) error { return nil }
