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

package hooks

import "testing"

func TestFindExactMatch(t *testing.T) {
	tail := []byte{0x48, 0x3d, 0x01, 0xf0, 0xff, 0xff, 0x90, 0x90}
	h, ok := Find(tail)
	if !ok {
		t.Fatalf("Find(%x) = not found, want a match", tail)
	}
	if h.Symbol != "_syscall_hook_trampoline_48_3d_01_f0_ff_ff" {
		t.Errorf("Find(%x).Symbol = %q, want _syscall_hook_trampoline_48_3d_01_f0_ff_ff", tail, h.Symbol)
	}
}

func TestFindNoMatch(t *testing.T) {
	tail := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if _, ok := Find(tail); ok {
		t.Errorf("Find(%x) matched, want no match", tail)
	}
}

func TestFindTooShort(t *testing.T) {
	// Shorter than every catalog entry: must not match, must not panic.
	if _, ok := Find([]byte{0x48}); ok {
		t.Errorf("Find of a 1-byte tail matched, want no match")
	}
}

// TestFindPicksGetpidHookAmongSharedPrefix checks that the getpid hook
// and the liblsan hooks, which all start with c3 0f 1f and share one
// trampoline symbol, are told apart by their later bytes: a tail
// carrying the getpid encoding selects the 9-byte getpid entry.
func TestFindPicksGetpidHookAmongSharedPrefix(t *testing.T) {
	tail := []byte{0xc3, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff}
	h, ok := Find(tail)
	if !ok {
		t.Fatalf("Find(%x) = not found", tail)
	}
	want := []byte{0xc3, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00}
	if len(h.Instructions) != len(want) {
		t.Errorf("Find(%x) matched a %d-byte hook, want the %d-byte getpid hook", tail, len(h.Instructions), len(want))
	}
}

func TestMaxLenCoversEveryEntry(t *testing.T) {
	max := MaxLen()
	for _, h := range Catalog {
		if len(h.Instructions) > max {
			t.Errorf("hook %q has %d instruction bytes, exceeding MaxLen() = %d", h.Symbol, len(h.Instructions), max)
		}
	}
	if max == 0 {
		t.Fatal("MaxLen() = 0, want > 0")
	}
}

func TestCatalogEntriesNonEmpty(t *testing.T) {
	for i, h := range Catalog {
		if len(h.Instructions) == 0 {
			t.Errorf("Catalog[%d] (%s) has no instruction bytes", i, h.Symbol)
		}
		if h.Symbol == "" {
			t.Errorf("Catalog[%d] has no symbol name", i)
		}
	}
}
