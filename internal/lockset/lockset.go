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

// Package lockset coordinates concurrent tracee threads racing
// through the same syscall patch site. One thread may be mid-patch
// (holding the site's write lock) while sibling threads that entered
// the same seccomp stop must wait before either patching again or
// running past the site unprotected.
package lockset

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// owner identifies a lock holder by tracee thread id.
type owner struct {
	tid    int
	isRead bool
}

// site is the lock state for one patch-site address: either a set of
// concurrent readers, or a single writer.
type site struct {
	readers map[int]bool
	writer  *int
}

// Set is a lockset keyed by patch-site address (a tracee instruction
// pointer). It is safe for concurrent use; the underlying state is
// conceptually tracee-visible shared memory (both the supervisor and
// the trampoline consult it), modeled here as supervisor-side state
// protected by a mutex since this module's trampoline component is an
// external collaborator (spec.md Non-goals).
type Set struct {
	mu    sync.Mutex
	sites map[uintptr]*site
}

// New returns an empty lockset.
func New() *Set {
	return &Set{sites: make(map[uintptr]*site)}
}

func (s *Set) siteFor(addr uintptr) *site {
	st, ok := s.sites[addr]
	if !ok {
		st = &site{readers: make(map[int]bool)}
		s.sites[addr] = st
	}
	return st
}

// TryReadLock attempts to take a read lock on addr for tid. It fails
// if a writer currently holds the site.
func (s *Set) TryReadLock(tid int, addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.siteFor(addr)
	if st.writer != nil && *st.writer != tid {
		return false
	}
	st.readers[tid] = true
	return true
}

// TryReadUnlock releases tid's read lock on addr, if held. It is
// idempotent: releasing a lock not held is a no-op, matching the
// original implementation's unconditional unlock-before-relock
// pattern in patch_syscall_with.
func (s *Set) TryReadUnlock(tid int, addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sites[addr]
	if !ok {
		return
	}
	delete(st.readers, tid)
}

// TryWriteLock attempts to take the write lock on addr for tid. It
// fails if any other thread holds a read or write lock on the site.
func (s *Set) TryWriteLock(tid int, addr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.siteFor(addr)
	if st.writer != nil && *st.writer != tid {
		return false
	}
	for other := range st.readers {
		if other != tid {
			return false
		}
	}
	t := tid
	st.writer = &t
	return true
}

// TryWriteUnlock releases tid's write lock on addr, if held by tid.
func (s *Set) TryWriteUnlock(tid int, addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sites[addr]
	if !ok {
		return
	}
	if st.writer != nil && *st.writer == tid {
		st.writer = nil
	}
}

// Reset clears the lockset. Used after exec, when a task's entire
// patch state (including its lockset) starts over (spec.md's
// task_exec_reset equivalent).
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = make(map[uintptr]*site)
}

// spinInterval is the bounded spin-wait between read-lock retries
// while a sibling thread holds the write lock on a patch site
// (traced_task.rs's do_ptrace_seccomp: 1000 microseconds).
const spinInterval = time.Millisecond

var errLocked = errors.New("lockset: site held by writer")

// AwaitReadLock blocks, retrying at spinInterval, until tid acquires
// the read lock on addr or ctx is done. This is the seccomp-handler
// side of the race described in the package doc: every tracee thread
// that traps into the same patch site serializes here before either
// observing the patch is already applied or attempting one itself.
func (s *Set) AwaitReadLock(ctx context.Context, tid int, addr uintptr) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(spinInterval), ctx)
	return backoff.Retry(func() error {
		if s.TryReadLock(tid, addr) {
			return nil
		}
		return errLocked
	}, b)
}
