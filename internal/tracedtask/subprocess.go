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
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ptraceRequest is a unit of work that must run on the OS thread that
// holds the ptrace relationship to a tracee: Linux requires
// PTRACE_ATTACH/SEIZE and every subsequent ptrace(2) call against that
// tracee to come from the same thread. Go's scheduler otherwise
// migrates a goroutine across OS threads freely, so work submitted to
// a Subprocess runs on its dedicated, LockOSThread'd goroutine. Task's
// own ptrace calls do not go through a Subprocess: they are issued
// directly on the calling goroutine's thread.
//
// This mirrors gVisor systrap's subprocess.requests channel and its
// handlePtraceSyscallRequest goroutine, generalized here from "thread
// creation requests" to arbitrary ptrace work.
type ptraceRequest struct {
	run  func() error
	done chan error
}

// Subprocess owns the OS thread attached to one root tracee process
// and every thread-group sibling ptrace discovers under it. Callers
// submit work via Do; Subprocess guarantees it runs pinned to the
// thread that did the original PTRACE_ATTACH/SEIZE.
type Subprocess struct {
	requests chan ptraceRequest
	group    *errgroup.Group
	cancel   context.CancelFunc
}

// NewSubprocess starts the dedicated OS-thread goroutine and attaches
// it to tid.
func NewSubprocess(tid int) (*Subprocess, error) {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	requests := make(chan ptraceRequest)
	attached := make(chan error, 1)

	group.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		attached <- unix.PtraceAttach(tid)

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case req, ok := <-requests:
				if !ok {
					return nil
				}
				req.done <- req.run()
			}
		}
	})

	if err := <-attached; err != nil {
		cancel()
		_ = group.Wait()
		return nil, fmt.Errorf("tracedtask: ptrace attach %d: %w", tid, err)
	}

	return &Subprocess{requests: requests, group: group, cancel: cancel}, nil
}

// Do runs fn pinned to this Subprocess's ptrace thread and returns its
// error.
func (s *Subprocess) Do(fn func() error) error {
	done := make(chan error, 1)
	s.requests <- ptraceRequest{run: fn, done: done}
	return <-done
}

// Close stops the Subprocess's goroutine and waits for it to exit.
func (s *Subprocess) Close() error {
	close(s.requests)
	s.cancel()
	err := s.group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
