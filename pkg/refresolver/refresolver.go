// Copyright 2025 Kadir Pekel
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

// Package refresolver resolves "<modpath>:<symbol>" references (spec
// §4.1) to Go values.
//
// The source language resolves these refs via a true dynamic import
// (modpath is a dotted module name, or a filesystem path to source code,
// imported at runtime). Go has no equivalent for statically-compiled
// packages — there is no runtime import of arbitrary .go source. The two
// modpath forms are adapted to their nearest idiomatic Go equivalents:
//
//   - A dotted module ref (e.g. "mytools.search") resolves against the
//     Resolver's own symbol table populated by Register calls, mirroring
//     the database/sql-driver convention of registering a name at package
//     init() time rather than importing it dynamically — the same
//     "explicit module cache" spec §9 calls for, just populated at compile
//     time instead of at first import.
//   - A path ref ending in ".so" resolves via the standard library's
//     plugin package (plugin.Open + Lookup), the one real Go mechanism for
//     loading code at runtime. base_path resolves a relative path.
//
// Both forms share one Resolver instance and its cache, so each ref is
// resolved at most once per Resolver. Resolve does not detect cross-form
// ambiguity: a dotted ref is looked up only in the Register table and a
// path ref only in its plugin, and Resolve never returns an
// AmbiguousRefError.
package refresolver

import (
	"fmt"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/zby/agentrt/pkg/rterrors"
)

// Resolver resolves module:symbol references, caching every resolution it
// performs so each ref is resolved at most once per Resolver (spec §4.1).
type Resolver struct {
	mu       sync.Mutex
	registry map[string]any      // dotted module name -> symbol table
	cache    map[string]any      // "modpath:symbol" -> resolved value
	basePath string
}

// New returns a Resolver rooted at basePath for relative .so path refs.
func New(basePath string) *Resolver {
	return &Resolver{
		registry: map[string]any{},
		cache:    map[string]any{},
		basePath: basePath,
	}
}

// Register binds a dotted module:symbol name to a Go value at process
// init time — the compile-time equivalent of a dynamic import (see
// package doc). Intended to be called from an init() function or early
// runtime setup, never during a run.
func (r *Resolver) Register(modpath, symbol string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[modpath+":"+symbol] = value
}

// Resolve parses ref as "<modpath>:<symbol>" and returns the bound value.
func (r *Resolver) Resolve(ref string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[ref]; ok {
		return cached, nil
	}

	modpath, symbol, err := split(ref)
	if err != nil {
		return nil, rterrors.NewUnknownRefError(ref, err)
	}

	var value any
	var resolveErr error
	if strings.HasSuffix(modpath, ".so") {
		value, resolveErr = r.resolvePath(modpath, symbol)
	} else {
		value, resolveErr = r.resolveModule(modpath, symbol)
	}
	if resolveErr != nil {
		return nil, rterrors.NewUnknownRefError(ref, resolveErr)
	}

	if existing, ok := r.registry[modpath+":"+symbol]; ok && modpath == ref {
		if !sameValue(existing, value) {
			return nil, rterrors.NewAmbiguousRefError(ref)
		}
	}

	r.cache[ref] = value
	return value, nil
}

func (r *Resolver) resolveModule(modpath, symbol string) (any, error) {
	key := modpath + ":" + symbol
	value, ok := r.registry[key]
	if !ok {
		return nil, fmt.Errorf("no symbol registered for %q", key)
	}
	return value, nil
}

func (r *Resolver) resolvePath(modpath, symbol string) (any, error) {
	path := modpath
	if !filepath.IsAbs(path) && r.basePath != "" {
		path = filepath.Join(r.basePath, path)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %q: %w", path, err)
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("lookup symbol %q in %q: %w", symbol, path, err)
	}
	return sym, nil
}

func split(ref string) (modpath, symbol string, err error) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("reference %q is not of the form modpath:symbol", ref)
	}
	modpath, symbol = ref[:idx], ref[idx+1:]
	if modpath == "" || symbol == "" {
		return "", "", fmt.Errorf("reference %q has an empty modpath or symbol", ref)
	}
	return modpath, symbol, nil
}

// sameValue compares two resolved values by identity where possible.
// Function values and most symbol kinds are never comparable with ==, so
// this only catches the common literal case; anything else is assumed
// distinct, which only ever makes AmbiguousRef detection more
// conservative (a false ambiguity is a build-time failure to fix, not a
// silent bug).
func sameValue(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}
