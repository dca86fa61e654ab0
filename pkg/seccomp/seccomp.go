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

// Package seccomp builds classic-BPF seccomp filter programs from a
// declarative rule set, mirroring the shape of gVisor's pkg/seccomp: a
// RuleSet lists the syscalls that should take some non-default Action,
// with per-argument matchers, and everything else falls through to a
// default action.
package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	linux "github.com/wangbj/systrace/pkg/abi/linux"
)

// SYS_SECCOMP is the seccomp(2) syscall number on x86-64; it has no
// constant in golang.org/x/sys/unix.
const SYS_SECCOMP = 317

// SECCOMP_SET_MODE_FILTER is the seccomp(2) operation that installs a
// classic-BPF filter program.
const SECCOMP_SET_MODE_FILTER = 1

// ArgMatcher matches a single syscall argument.
type ArgMatcher interface {
	match() (isAny bool, value uint32)
}

// MatchAny matches any value for an argument.
type MatchAny struct{}

func (MatchAny) match() (bool, uint32) { return true, 0 }

// EqualTo matches an argument that is exactly equal to the given value.
type EqualTo uint32

func (e EqualTo) match() (bool, uint32) { return false, uint32(e) }

// Rule is a list of per-argument matchers for one syscall. A shorter
// rule than the syscall has arguments is equivalent to padding with
// MatchAny. Only the low 32 bits of each argument are compared, which
// is sufficient for every hook in this module's catalog (flag words
// and small constants).
type Rule []ArgMatcher

// SyscallRules maps a syscall number to the set of Rules that should
// trigger the RuleSet's Action. An empty (but present) slice means
// "any invocation of this syscall matches".
type SyscallRules map[uintptr][]Rule

// RuleSet pairs a set of syscall rules with the action to take when one
// matches.
type RuleSet struct {
	Rules  SyscallRules
	Action linux.BPFAction
}

// entry is one (syscall number, rule list, action) tuple, flattened
// from RuleSet.Rules in a single pass so that every later pass walks
// the same entries in the same order. That order itself follows Go's
// map iteration and is not fixed from one BuildProgram call to the next.
type entry struct {
	nr     uint32
	rules  []Rule
	action linux.BPFAction
}

// BuildProgram compiles rule sets into a BPF program. defaultAction is
// taken when no rule set matches; badArchAction is taken when the
// instruction's audit architecture isn't x86-64 (this module targets
// x86-64 exclusively, see spec.md Non-goals).
func BuildProgram(rules []RuleSet, defaultAction, badArchAction linux.BPFAction) ([]linux.BPFInstruction, error) {
	var entries []entry
	for _, rs := range rules {
		for nr, ruleList := range rs.Rules {
			entries = append(entries, entry{nr: uint32(nr), rules: ruleList, action: rs.Action})
		}
	}

	// Build each syscall's match block independently; blocks are laid
	// out, in entries order, right after the dispatch table and the
	// two returns that follow it (default action, then bad-arch action).
	blocks := make([][]linux.BPFInstruction, len(entries))
	for i, e := range entries {
		blocks[i] = buildSyscallBlock(e.rules, e.action, defaultAction)
	}

	blockOffset := make([]int, len(entries))
	off := 0
	for i, b := range blocks {
		blockOffset[i] = off
		off += len(b)
	}

	// dispatch[i] is a conditional jump: if the loaded syscall number
	// equals entries[i].nr, jump forward into blocks[i]; otherwise
	// fall through to the next dispatch entry (or, for the last
	// entry, to the default-action return immediately after the
	// table).
	dispatch := make([]linux.BPFInstruction, len(entries))
	for i, e := range entries {
		remainingDispatch := len(entries) - i - 1
		target := remainingDispatch + 2 /* default ret, badarch ret */ + blockOffset[i]
		if target > 0xff {
			return nil, fmt.Errorf("seccomp: rule table too large to encode jump to syscall %d's block (distance %d)", e.nr, target)
		}
		dispatch[i] = jumpEq(e.nr, uint8(target), 0)
	}

	badArchDistance := len(dispatch) + 2 /* skip the nr load, the dispatch table, and the default ret */
	if badArchDistance > 0xff {
		return nil, fmt.Errorf("seccomp: dispatch table too large (%d) to encode arch-mismatch jump", badArchDistance)
	}

	prog := make([]linux.BPFInstruction, 0, 3+len(dispatch)+2+off)
	prog = append(prog, stmt(linux.BPF_LD|linux.BPF_W|linux.BPF_ABS, linux.SeccompDataOffsetArch))
	prog = append(prog, jumpNotEq(linux.AuditArchX8664, uint8(badArchDistance), 0))
	prog = append(prog, stmt(linux.BPF_LD|linux.BPF_W|linux.BPF_ABS, linux.SeccompDataOffsetNR))
	prog = append(prog, dispatch...)
	prog = append(prog, ret(uint32(defaultAction)))
	prog = append(prog, ret(uint32(badArchAction)))
	for _, b := range blocks {
		prog = append(prog, b...)
	}
	return prog, nil
}

// buildSyscallBlock returns the instructions reached once the syscall
// number is already known to match: try each Rule in turn (first
// match wins); a Rule matches when every non-MatchAny argument check
// passes. If no rule matches, the block falls through to a trailing
// ret of defaultAction: the per-syscall rule list rejecting every
// actual invocation seen is equivalent to the syscall never having had
// a RuleSet entry at all.
func buildSyscallBlock(rules []Rule, action, defaultAction linux.BPFAction) []linux.BPFInstruction {
	if len(rules) == 0 {
		return []linux.BPFInstruction{ret(uint32(action))}
	}

	var block []linux.BPFInstruction
	for _, rule := range rules {
		var checks []linux.BPFInstruction
		nChecks := 0
		for _, m := range rule {
			if isAny, _ := m.match(); isAny {
				continue
			}
			nChecks++
		}
		checkIdx := 0
		for argIdx, m := range rule {
			isAny, value := m.match()
			if isAny {
				continue
			}
			remaining := nChecks - checkIdx - 1
			// On mismatch, skip the remaining checks in this rule
			// and its trailing ret, falling through to the next
			// rule (or, for the last rule, to the block's trailing
			// default ret).
			skip := remaining*2 + 1
			off := uint32(linux.SeccompDataOffsetArgs + argIdx*8)
			checks = append(checks,
				stmt(linux.BPF_LD|linux.BPF_W|linux.BPF_ABS, off),
				jumpNotEq(value, uint8(skip), 0),
			)
			checkIdx++
		}
		checks = append(checks, ret(uint32(action)))
		block = append(block, checks...)
	}
	block = append(block, ret(uint32(defaultAction)))
	return block
}

func stmt(code uint16, k uint32) linux.BPFInstruction {
	return linux.BPFInstruction{OpCode: code, K: k}
}

func jumpEq(k uint32, jt, jf uint8) linux.BPFInstruction {
	return linux.BPFInstruction{OpCode: linux.BPF_JMP | linux.BPF_JEQ | linux.BPF_K, JumpIf: jt, JumpIfNot: jf, K: k}
}

func jumpNotEq(k uint32, jt, jf uint8) linux.BPFInstruction {
	// "not equal" is JEQ with jt/jf swapped.
	return linux.BPFInstruction{OpCode: linux.BPF_JMP | linux.BPF_JEQ | linux.BPF_K, JumpIf: jf, JumpIfNot: jt, K: k}
}

func ret(k uint32) linux.BPFInstruction {
	return linux.BPFInstruction{OpCode: linux.BPF_RET | linux.BPF_K, K: k}
}

type sockFprog struct {
	len    uint16
	_      [6]byte
	filter *linux.BPFInstruction
}

// SetFilterInChild installs instrs as the calling thread's seccomp
// filter via PR_SET_NO_NEW_PRIVS + seccomp(2). It must be called with
// the runtime thread locked and is intended to run in a freshly forked
// child, before any other syscall the filter might reject.
//
//go:norace
func SetFilterInChild(instrs []linux.BPFInstruction) unix.Errno {
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return errno
	}
	prog := sockFprog{
		len:    uint16(len(instrs)),
		filter: &instrs[0],
	}
	_, _, errno := unix.RawSyscall(SYS_SECCOMP, SECCOMP_SET_MODE_FILTER, 0, uintptr(unsafe.Pointer(&prog)))
	return errno
}
