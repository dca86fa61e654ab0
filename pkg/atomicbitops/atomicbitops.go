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

// Package atomicbitops provides named wrapper types around sync/atomic
// so that struct fields document their atomicity at the type level
// instead of relying on comments and call-site discipline.
package atomicbitops

import "sync/atomic"

// Int32 is an int32 that must be accessed atomically.
type Int32 struct {
	value int32
}

// Load reads the value.
func (i *Int32) Load() int32 { return atomic.LoadInt32(&i.value) }

// Store sets the value.
func (i *Int32) Store(v int32) { atomic.StoreInt32(&i.value, v) }

// Add adds delta and returns the new value.
func (i *Int32) Add(delta int32) int32 { return atomic.AddInt32(&i.value, delta) }

// Uint64 is a uint64 that must be accessed atomically.
type Uint64 struct {
	value uint64
}

// Load reads the value.
func (u *Uint64) Load() uint64 { return atomic.LoadUint64(&u.value) }

// Store sets the value.
func (u *Uint64) Store(v uint64) { atomic.StoreUint64(&u.value, v) }

// Add adds delta and returns the new value. Used for monotonic counters
// (spec.md §8: every shared-state counter is non-decreasing over the
// tracee's lifetime), so delta is always non-negative in this module.
func (u *Uint64) Add(delta uint64) uint64 { return atomic.AddUint64(&u.value, delta) }
