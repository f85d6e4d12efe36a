// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package loader resolves Owl module names to bytecode by searching
// OWL_LOAD_PATH, the colon-separated list of directories consulted in
// order for a file named "<module>.owlc". It memoizes decoded modules so a
// hot CALL path that keeps resolving the same module doesn't re-map and
// re-scan the file on every miss, and collapses concurrent resolutions of
// the same not-yet-loaded name into a single disk read.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"

	"github.com/edsrzf/mmap-go"
)

// ErrModuleNotFound is returned when no directory in the search path has a
// file for the requested module name.
var ErrModuleNotFound = errors.New("loader: module not found on OWL_LOAD_PATH")

// moduleExtension is the file suffix a compiled Owl module carries on disk.
const moduleExtension = ".owlc"

// Digest is a SHA3-256 fingerprint of a module's bytes, stored beside each
// cached module; String renders its first 8 bytes in hex. No error message
// includes it, and a cached module is not compared against the file's
// current contents.
type Digest [32]byte

func (d Digest) String() string { return fmt.Sprintf("%x", d[:8]) }

// Loader resolves module names against a fixed, ordered search path.
type Loader struct {
	searchPath []string
	cache      *lru.Cache
	group      singleflight.Group
}

// New builds a Loader over searchPath, the ordered list of directories to
// check for "<module>.owlc", first match wins. cacheSize bounds how many
// decoded modules are kept in memory at once.
func New(searchPath []string, cacheSize int) (*Loader, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("loader: building cache: %w", err)
	}
	return &Loader{searchPath: searchPath, cache: cache}, nil
}

// NewFromEnv builds a Loader from the OWL_LOAD_PATH environment variable
// (colon-separated directories; the working directory is always appended
// as an implicit last entry).
func NewFromEnv(cacheSize int) (*Loader, error) {
	var dirs []string
	if raw := os.Getenv("OWL_LOAD_PATH"); raw != "" {
		dirs = strings.Split(raw, ":")
	}
	dirs = append(dirs, ".")
	return New(dirs, cacheSize)
}

type cached struct {
	bytes  []byte
	digest Digest
}

// LoadModule implements vm.Loader. It satisfies repeated lookups of the
// same name from an in-memory cache, and for a miss, maps the file into
// memory rather than reading it into a freshly allocated buffer, matching
// how the VM itself treats loaded bytecode as one flat, append-only
// buffer.
func (l *Loader) LoadModule(name string) ([]byte, error) {
	if v, ok := l.cache.Get(name); ok {
		return v.(cached).bytes, nil
	}

	v, err, _ := l.group.Do(name, func() (any, error) {
		path, found := l.resolve(name)
		if !found {
			return nil, fmt.Errorf("%w: %s (searched %s)", ErrModuleNotFound, name, strings.Join(l.searchPath, ":"))
		}
		data, err := mapFile(path)
		if err != nil {
			return nil, fmt.Errorf("loader: mapping %s: %w", path, err)
		}
		c := cached{bytes: data, digest: sha3.Sum256(data)}
		l.cache.Add(name, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cached).bytes, nil
}

// resolve walks the search path in order and returns the first existing
// "<module>.owlc" file.
func (l *Loader) resolve(name string) (string, bool) {
	for _, dir := range l.searchPath {
		candidate := filepath.Join(dir, name+moduleExtension)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// mapFile memory-maps path read-only and returns its contents as a plain
// byte slice copy, since the mapping itself is unmapped once this returns
// (the cache, not the OS mapping, is what keeps a module's bytes alive for
// reuse; mapping avoids a full read+copy through the page cache for large
// modules on the first load).
func mapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return []byte{}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()

	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}
