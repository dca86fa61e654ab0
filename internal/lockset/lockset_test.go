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

package lockset

import (
	"context"
	"testing"
	"time"
)

func TestMultipleReadersSameSite(t *testing.T) {
	s := New()
	if !s.TryReadLock(1, 0x1000) {
		t.Fatal("tid 1 could not take an uncontended read lock")
	}
	if !s.TryReadLock(2, 0x1000) {
		t.Fatal("tid 2 could not take a read lock alongside another reader")
	}
}

func TestWriteLockExcludesOtherReaders(t *testing.T) {
	s := New()
	if !s.TryReadLock(1, 0x1000) {
		t.Fatal("tid 1 could not take the read lock")
	}
	if s.TryWriteLock(2, 0x1000) {
		t.Error("tid 2 took the write lock while tid 1 holds a read lock")
	}
}

func TestWriteLockAllowedWhenOnlyHolderIsSelf(t *testing.T) {
	s := New()
	if !s.TryReadLock(1, 0x1000) {
		t.Fatal("tid 1 could not take the read lock")
	}
	if !s.TryWriteLock(1, 0x1000) {
		t.Error("tid 1 could not upgrade its own read lock to a write lock")
	}
}

func TestReadLockExcludedByOtherWriter(t *testing.T) {
	s := New()
	if !s.TryWriteLock(1, 0x1000) {
		t.Fatal("tid 1 could not take an uncontended write lock")
	}
	if s.TryReadLock(2, 0x1000) {
		t.Error("tid 2 took a read lock while tid 1 holds the write lock")
	}
	// The writer itself may still observe its own lock as held.
	if !s.TryReadLock(1, 0x1000) {
		t.Error("tid 1 (the writer) could not also take a read lock on its own site")
	}
}

func TestWriteLockExcludesOtherWriter(t *testing.T) {
	s := New()
	if !s.TryWriteLock(1, 0x1000) {
		t.Fatal("tid 1 could not take an uncontended write lock")
	}
	if s.TryWriteLock(2, 0x1000) {
		t.Error("tid 2 took the write lock while tid 1 holds it")
	}
}

func TestWriteUnlockOnlyByOwner(t *testing.T) {
	s := New()
	if !s.TryWriteLock(1, 0x1000) {
		t.Fatal("tid 1 could not take the write lock")
	}
	s.TryWriteUnlock(2, 0x1000) // not the owner: no-op
	if s.TryWriteLock(2, 0x1000) {
		t.Error("tid 2's unlock attempt released tid 1's write lock")
	}
	s.TryWriteUnlock(1, 0x1000)
	if !s.TryWriteLock(2, 0x1000) {
		t.Error("tid 2 could not take the write lock after tid 1 released it")
	}
}

func TestReadUnlockIdempotent(t *testing.T) {
	s := New()
	// Releasing a lock that was never held must not panic or error.
	s.TryReadUnlock(1, 0x1000)
	s.TryReadUnlock(1, 0x1000)
}

func TestSitesAreIndependent(t *testing.T) {
	s := New()
	if !s.TryWriteLock(1, 0x1000) {
		t.Fatal("tid 1 could not take the write lock on site A")
	}
	if !s.TryWriteLock(2, 0x2000) {
		t.Error("tid 2 could not take the write lock on an unrelated site B")
	}
}

func TestReset(t *testing.T) {
	s := New()
	s.TryWriteLock(1, 0x1000)
	s.Reset()
	if !s.TryWriteLock(2, 0x1000) {
		t.Error("tid 2 could not take the write lock after Reset")
	}
}

func TestAwaitReadLockSucceedsWhenUncontended(t *testing.T) {
	s := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.AwaitReadLock(ctx, 1, 0x1000); err != nil {
		t.Fatalf("AwaitReadLock: %v", err)
	}
}

func TestAwaitReadLockTimesOutUnderWriter(t *testing.T) {
	s := New()
	if !s.TryWriteLock(1, 0x1000) {
		t.Fatal("tid 1 could not take the write lock")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.AwaitReadLock(ctx, 2, 0x1000); err == nil {
		t.Error("AwaitReadLock succeeded while the write lock was held by another tid")
	}
}

func TestAwaitReadLockUnblocksWhenWriterReleases(t *testing.T) {
	s := New()
	if !s.TryWriteLock(1, 0x1000) {
		t.Fatal("tid 1 could not take the write lock")
	}
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.AwaitReadLock(ctx, 2, 0x1000)
	}()

	time.Sleep(20 * time.Millisecond)
	s.TryWriteUnlock(1, 0x1000)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("AwaitReadLock: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitReadLock did not unblock after the writer released the lock")
	}
}
