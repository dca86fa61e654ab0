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

// Package trampoline resolves entry-point offsets within the
// trampoline shared library. The library itself (its assembly stubs)
// is an external collaborator, out of scope for this module per
// spec.md: this package only needs to read the ELF symbol table of
// whatever .so LIBTRAMPOLINE_LIBRARY_PATH points at.
package trampoline

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
)

// SOName is the trampoline shared library's filename, resolved
// relative to the LIBTRAMPOLINE_LIBRARY_PATH environment variable.
const SOName = "libtrampoline.so"

// Library is a loaded trampoline shared library's symbol table.
type Library struct {
	path    string
	symbols map[string]uint64
}

// Load reads the ELF dynamic symbol table of the trampoline shared
// library found under dir.
func Load(dir string) (*Library, error) {
	path := filepath.Join(dir, SOName)
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trampoline: open %s: %w", path, err)
	}
	defer f.Close()

	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, fmt.Errorf("trampoline: read dynamic symbols of %s: %w", path, err)
	}
	table := make(map[string]uint64, len(syms))
	for _, s := range syms {
		table[s.Name] = s.Value
	}
	return &Library{path: path, symbols: table}, nil
}

// Path returns the filesystem path the library was loaded from.
func (l *Library) Path() string { return l.path }

// Offset resolves a trampoline entry point symbol name to its offset
// within the library image.
func (l *Library) Offset(symbol string) (uint64, error) {
	off, ok := l.symbols[symbol]
	if !ok {
		return 0, fmt.Errorf("trampoline: symbol %q not found in %s", symbol, l.path)
	}
	return off, nil
}

// Exists reports whether the trampoline shared library is present
// under dir, without fully loading it.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, SOName))
	return err == nil
}
