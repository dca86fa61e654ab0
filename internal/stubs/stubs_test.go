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

package stubs

import (
	"encoding/binary"
	"testing"

	"github.com/wangbj/systrace/internal/hooks"
)

func TestPagesRoundsUpToWholePages(t *testing.T) {
	p := Pages()
	if p < 1 {
		t.Fatalf("Pages() = %d, want >= 1", p)
	}
	total := Size() * len(hooks.Catalog)
	if p*pageSize < total {
		t.Errorf("Pages() * pageSize = %d, too small to hold %d bytes of stubs", p*pageSize, total)
	}
	if (p-1)*pageSize >= total && total > 0 {
		t.Errorf("Pages() = %d allocates a wasted extra page for %d bytes", p, total)
	}
}

func TestGenerateLayout(t *testing.T) {
	catalog := hooks.Catalog[:2]
	const preloadBase = 0x7f0000000000
	offsets := map[string]uint64{
		catalog[0].Symbol: 0x100,
		catalog[1].Symbol: 0x200,
	}
	resolve := func(symbol string) (uint64, error) { return offsets[symbol], nil }

	out, err := Generate(catalog, preloadBase, resolve)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != Size()*len(catalog) {
		t.Fatalf("Generate returned %d bytes, want %d", len(out), Size()*len(catalog))
	}

	for i, h := range catalog {
		stub := out[i*Size() : (i+1)*Size()]
		if stub[0] != 0xff || stub[1] != 0x15 {
			t.Errorf("stub %d: opcode = %02x %02x, want ff 15", i, stub[0], stub[1])
		}
		if rel := binary.LittleEndian.Uint32(stub[2:6]); rel != 0 {
			t.Errorf("stub %d: rip-relative displacement = %#x, want 0", i, rel)
		}
		gotEntry := binary.LittleEndian.Uint64(stub[6:14])
		wantEntry := preloadBase + offsets[h.Symbol]
		if gotEntry != wantEntry {
			t.Errorf("stub %d: entry quad = %#x, want %#x", i, gotEntry, wantEntry)
		}
		if stub[14] != 0xc3 {
			t.Errorf("stub %d: trailing byte = %#x, want c3 (ret)", i, stub[14])
		}
	}
}

func TestGeneratePropagatesResolveError(t *testing.T) {
	resolve := func(string) (uint64, error) { return 0, errUnresolved }
	if _, err := Generate(hooks.Catalog[:1], 0, resolve); err == nil {
		t.Error("Generate succeeded despite a failing symbolOffset resolver")
	}
}

func TestOffsetOfIsStridedByIndex(t *testing.T) {
	for i := 0; i < 3; i++ {
		got := OffsetOf(i)
		want := uint64(i) * uint64(Size())
		if got != want {
			t.Errorf("OffsetOf(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestIndexOfFindsExactEntry(t *testing.T) {
	idx, ok := IndexOf(hooks.Catalog, hooks.Catalog[3])
	if !ok {
		t.Fatal("IndexOf did not find an entry copied from the catalog itself")
	}
	if idx != 3 {
		t.Errorf("IndexOf = %d, want 3", idx)
	}
}

func TestIndexOfMissingEntry(t *testing.T) {
	unknown := hooks.Hook{Symbol: "not_in_catalog", Instructions: []byte{0x00}}
	if _, ok := IndexOf(hooks.Catalog, unknown); ok {
		t.Error("IndexOf found an entry that isn't in the catalog")
	}
}

var errUnresolved = testError("stubs: symbol not found")

type testError string

func (e testError) Error() string { return string(e) }
