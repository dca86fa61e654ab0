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

// Package stubs generates the extended-jump stub bytes patched
// syscall sites call into. A direct `call rel32` from a syscall site
// can only reach within +/-2GiB, so each site calls a small stub
// allocated near it; the stub itself holds a full 64-bit pointer to
// the trampoline entry, which can be anywhere.
package stubs

import (
	"encoding/binary"
	"fmt"

	"github.com/wangbj/systrace/internal/hooks"
)

// extendedJumpSize is the byte size of one extended-jump stub:
//
//	call  *0(%rip)     ; ff 15 00 00 00 00
//	.quad trampoline_entry_offset
//	ret                ; c3
const extendedJumpSize = 6 + 8 + 1

// Size returns the size in bytes of a single extended-jump stub.
func Size() int { return extendedJumpSize }

// pageSize is the host/tracee page size assumed throughout this
// module (spec.md targets x86-64 Linux, which always uses 4KiB base
// pages).
const pageSize = 0x1000

// Pages returns the number of pages needed to hold one stub per
// catalog hook, rounding up.
func Pages() int {
	total := extendedJumpSize * len(hooks.Catalog)
	return (total + pageSize - 1) / pageSize
}

// Generate returns the extended-jump stub bytes for every hook in the
// catalog, one stub per hook in catalog order, back to back. symbolOffset
// resolves a hook's trampoline Symbol to its offset within the loaded
// trampoline library; preloadBase is the trampoline's load address in
// the tracee.
func Generate(catalog []hooks.Hook, preloadBase uint64, symbolOffset func(symbol string) (uint64, error)) ([]byte, error) {
	out := make([]byte, 0, extendedJumpSize*len(catalog))
	for _, h := range catalog {
		off, err := symbolOffset(h.Symbol)
		if err != nil {
			return nil, fmt.Errorf("stubs: resolve %q: %w", h.Symbol, err)
		}
		entry := preloadBase + off
		stub := make([]byte, extendedJumpSize)
		// call *0(%rip)
		stub[0], stub[1] = 0xff, 0x15
		binary.LittleEndian.PutUint32(stub[2:6], 0)
		binary.LittleEndian.PutUint64(stub[6:14], entry)
		stub[14] = 0xc3 // ret
		out = append(out, stub...)
	}
	return out, nil
}

// OffsetOf returns the byte offset of hook h's stub within the
// generated stub bytes, given the hook's index in catalog order.
// allocate_extended_jumps in traced_task.rs keys the offset by hook
// index directly, since the stride across hooks is fixed.
func OffsetOf(index int) uint64 {
	return uint64(index) * uint64(extendedJumpSize)
}

// IndexOf returns the catalog index of h, or false if h isn't in
// catalog. Every stub page holds one stub per catalog entry at a
// fixed stride, so the index also locates the stub's offset via
// OffsetOf.
func IndexOf(catalog []hooks.Hook, h hooks.Hook) (int, bool) {
	for i, c := range catalog {
		if c.Symbol == h.Symbol && string(c.Instructions) == string(h.Instructions) {
			return i, true
		}
	}
	return 0, false
}
