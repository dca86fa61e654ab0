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

// Package hosttid gives the caller access to its own kernel thread ID,
// which is distinct from the goroutine ID and from getpid() in a
// multi-threaded process.
package hosttid

import "golang.org/x/sys/unix"

// Current returns the kernel thread ID (gettid()) of the OS thread the
// calling goroutine is currently running on. The caller must have
// locked the goroutine to its OS thread (runtime.LockOSThread) for the
// result to remain meaningful across subsequent calls.
func Current() int32 {
	return int32(unix.Gettid())
}
