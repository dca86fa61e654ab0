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

package log

import "golang.org/x/time/rate"

// Limiter wraps a token-bucket rate.Limiter to bound how often a single
// noisy call site may log. Several paths in the supervisor re-enter on
// every syscall trap of a hot loop (an unpatchable site, a contended
// lock); logging every occurrence at Warning would drown out everything
// else, so those call sites share a Limiter instead of logging
// unconditionally.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter returns a Limiter allowing burst immediately, then at most
// one message every 1/eventsPerSecond.
func NewLimiter(eventsPerSecond float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Warningf logs at Warning level if the limiter still has budget,
// silently dropping the message otherwise.
func (l *Limiter) Warningf(format string, v ...any) {
	if l.rl.Allow() {
		emit(Warning, 1, format, v...)
	}
}
