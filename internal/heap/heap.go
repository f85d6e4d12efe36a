// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// owlang is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.

// Package heap implements Owl's allocator and Cheney-style copying
// collector. It owns the representation of every heap category named in
// the data model (tuples, strings, functions, and the generic node shapes
// the RRB list engine builds on) and is the only package that ever moves an
// object, so it is the only package that knows how a term's payload
// resolves to a live value.
//
// The arena is modelled as a slice of Go objects rather than a raw byte
// buffer: each allocation gets a stable integer handle (Addr) valid until
// the next collection. This keeps the GC's external contract identical to
// a byte-arena design (bump allocation, a forward flag per object, a
// buffer-threshold safepoint trigger, root rewriting) while avoiding a
// hand-rolled binary layout for the RRB tree's several node shapes.
package heap

import (
	"errors"

	"golang.org/x/crypto/sha3"

	"github.com/ukutaht/owlang/internal/term"
)

// ErrOutOfMemory is returned when to-space is still too full to satisfy an
// allocation after a collection has run.
var ErrOutOfMemory = errors.New("heap: out of memory")

// Addr is a stable handle to a heap-resident object, valid only within one
// generation. Addr 0 is reserved and never assigned to a real object: it
// backs the three term sentinels and the empty-list singleton uniformly,
// and is never placed in the live-object table, so it is never a target of
// collection.
type Addr uint64

// heapFunctionBase separates the two address spaces sharing the FUNCTION
// tag: named functions (registered at load time, never moved, never
// collected) get small ids below this base; anonymous closures (allocated
// on the GC heap, subject to relocation) get addresses at or above it. The
// original C representation tells the two apart with an on_gc_heap flag
// carried on every Function record; this is the same distinction encoded
// in the address itself, so a FUNCTION term's payload alone determines
// whether the collector must follow it.
const heapFunctionBase = 1 << 40

type gcHeader struct {
	forwarded   bool
	forwardAddr Addr
}

type tupleObj struct {
	gcHeader
	elems []term.Term
}

type stringObj struct {
	gcHeader
	bytes []byte
}

type functionObj struct {
	gcHeader
	location uint64
	name     string
	upvalues []term.Term
}

type rrbHeaderObj struct {
	gcHeader
	count, shift, tailLen uint32
	tail, root            Addr
}

type internalNodeObj struct {
	gcHeader
	children []Addr
	sizes    []uint32 // nil => strict (uniform-size) node
}

type leafNodeObj struct {
	gcHeader
	values []term.Term
}

// Stats summarizes heap usage for diagnostics (cmd/owl's -stats flag).
type Stats struct {
	Collections int
	UsedBytes   uint64
	Capacity    uint64
}

// Heap is the GC arena plus the off-heap named-function table and string
// intern pool.
type Heap struct {
	cells     []any // index 0 reserved, never populated
	usedBytes uint64
	capacity  uint64

	namedFunctions map[uint64]*functionObj
	nextNamedID    uint64

	internPool map[[32]byte]term.Term

	collections int
	forceGC     bool // test/debug knob: collect on every safepoint regardless of pressure
}

// New creates a heap whose to-space may grow to approximately capacityBytes
// before a safepoint forces a collection.
func New(capacityBytes uint64) *Heap {
	return &Heap{
		cells:          make([]any, 1, 64),
		capacity:       capacityBytes,
		namedFunctions: make(map[uint64]*functionObj),
		nextNamedID:    1,
		internPool:     make(map[[32]byte]term.Term),
	}
}

// SetForceCollect makes every safepoint collect unconditionally, regardless
// of space pressure. Used by tests to run programs with a collection at
// every call, and by the `-gc-stress` CLI flag.
func (h *Heap) SetForceCollect(force bool) {
	h.forceGC = force
}

// UsedBytes reports the approximate live-set size since the last collection.
func (h *Heap) UsedBytes() uint64 { return h.usedBytes }

// Capacity reports the configured half-space size.
func (h *Heap) Capacity() uint64 { return h.capacity }

// Stats returns a snapshot for diagnostics.
func (h *Heap) Stats() Stats {
	return Stats{Collections: h.collections, UsedBytes: h.usedBytes, Capacity: h.capacity}
}

// EmptyList returns the statically-known empty list term. It is never
// placed in the arena and is therefore never relocated by a collection;
// pointer (bitwise) identity is sufficient to test emptiness.
func (h *Heap) EmptyList() term.Term {
	return term.TagAs(0, term.List)
}

func (h *Heap) alloc(obj any, size uint64) Addr {
	addr := Addr(len(h.cells))
	h.cells = append(h.cells, obj)
	h.usedBytes += size
	return addr
}

// HeapSizeOf returns the number of bytes t's payload occupies in the
// arena, per spec.md §4.2: zero for sentinels, ints, the empty list, and
// named (non-heap) functions.
func (h *Heap) HeapSizeOf(t term.Term) uint64 {
	tag := term.TagOf(t)
	addr := term.ExtractAddr(t)
	if !term.IsHeapTag(tag) || addr == 0 {
		return 0
	}
	switch tag {
	case term.Tuple:
		obj := h.cells[addr].(*tupleObj)
		return uint64(8 + 8*len(obj.elems))
	case term.String:
		obj := h.cells[addr].(*stringObj)
		return uint64(roundUp(uint64(len(obj.bytes)), 8))
	case term.Function:
		if addr < heapFunctionBase {
			return 0
		}
		obj := h.cells[addr-heapFunctionBase].(*functionObj)
		return uint64(16 + 8*len(obj.upvalues))
	case term.List:
		return 32 // sizeof RRB header record
	}
	return 0
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

// --- Tuples ------------------------------------------------------------

// AllocTuple allocates a tuple holding a copy of elems.
func (h *Heap) AllocTuple(elems []term.Term) term.Term {
	cp := append([]term.Term{}, elems...)
	obj := &tupleObj{elems: cp}
	addr := h.alloc(obj, uint64(8+8*len(cp)))
	return term.TagAs(uint64(addr), term.Tuple)
}

// Tuple returns t's element terms. The caller must not mutate the result;
// tuples are immutable once built.
func (h *Heap) Tuple(t term.Term) []term.Term {
	addr := term.ExtractAddr(t)
	return h.cells[addr].(*tupleObj).elems
}

// --- Strings -------------------------------------------------------------

// AllocString allocates a fresh (uninterned) string.
func (h *Heap) AllocString(s []byte) term.Term {
	cp := append([]byte{}, s...)
	obj := &stringObj{bytes: cp}
	addr := h.alloc(obj, roundUp(uint64(len(cp)), 8))
	return term.TagAs(uint64(addr), term.String)
}

// InternString returns a term for s, reusing a previously interned object
// with identical content when one exists. Backed by a SHA3-256 content
// digest rather than a byte-for-byte map key so long literals are cheap to
// look up; see SPEC_FULL.md's intern-pool note. Collect empties the pool,
// so the first load of a literal after a collection allocates afresh.
func (h *Heap) InternString(s []byte) term.Term {
	digest := sha3.Sum256(s)
	if existing, ok := h.internPool[digest]; ok {
		return existing
	}
	t := h.AllocString(s)
	h.internPool[digest] = t
	return t
}

// String returns t's byte content.
func (h *Heap) String(t term.Term) []byte {
	addr := term.ExtractAddr(t)
	return h.cells[addr].(*stringObj).bytes
}

// --- Functions -----------------------------------------------------------

// FunctionInfo is the read view of a Function record, named or anonymous.
type FunctionInfo struct {
	Location uint64
	Name     string
	Upvalues []term.Term
	OnHeap   bool
}

// AllocNamedFunction registers a named, load-time function. Named functions
// live for the process lifetime outside the GC heap and are never
// relocated.
func (h *Heap) AllocNamedFunction(name string, location uint64) term.Term {
	id := h.nextNamedID
	h.nextNamedID++
	h.namedFunctions[id] = &functionObj{location: location, name: name}
	return term.TagAs(id, term.Function)
}

// AllocClosure allocates an anonymous function (closure) on the GC heap,
// capturing a copy of upvalues.
func (h *Heap) AllocClosure(location uint64, upvalues []term.Term) term.Term {
	cp := append([]term.Term{}, upvalues...)
	obj := &functionObj{location: location, name: "Anonymous", upvalues: cp}
	addr := h.alloc(obj, uint64(16+8*len(cp)))
	return term.TagAs(uint64(addr)+heapFunctionBase, term.Function)
}

// Function returns t's Function record.
func (h *Heap) Function(t term.Term) FunctionInfo {
	addr := term.ExtractAddr(t)
	if addr < heapFunctionBase {
		obj := h.namedFunctions[addr]
		return FunctionInfo{Location: obj.location, Name: obj.name}
	}
	obj := h.cells[addr-heapFunctionBase].(*functionObj)
	return FunctionInfo{Location: obj.location, Name: obj.name, Upvalues: obj.upvalues, OnHeap: true}
}

// --- RRB node primitives (used by package rrb) ---------------------------

// RRBHeaderInfo is the read view of an RRB root record.
type RRBHeaderInfo struct {
	Count, Shift, TailLen uint32
	Tail, Root            Addr
}

// NewRRBHeader allocates a new RRB root record. Every list operation is
// persistent, so every operation that changes a list ends by calling this
// rather than mutating an existing header.
func (h *Heap) NewRRBHeader(count, shift, tailLen uint32, tail, root Addr) term.Term {
	obj := &rrbHeaderObj{count: count, shift: shift, tailLen: tailLen, tail: tail, root: root}
	addr := h.alloc(obj, 32)
	return term.TagAs(uint64(addr), term.List)
}

// RRBHeader returns t's root record. t may be the empty-list singleton, in
// which case the zero value (Count 0, Tail/Root 0) is returned without
// touching the arena.
func (h *Heap) RRBHeader(t term.Term) RRBHeaderInfo {
	addr := term.ExtractAddr(t)
	if addr == 0 {
		return RRBHeaderInfo{}
	}
	obj := h.cells[addr].(*rrbHeaderObj)
	return RRBHeaderInfo{Count: obj.count, Shift: obj.shift, TailLen: obj.tailLen, Tail: obj.tail, Root: obj.root}
}

// LeafInfo is the read view of an RRB leaf node.
type LeafInfo struct {
	Values []term.Term
}

// NewLeaf allocates a leaf node holding a copy of values.
func (h *Heap) NewLeaf(values []term.Term) Addr {
	cp := append([]term.Term{}, values...)
	obj := &leafNodeObj{values: cp}
	return h.alloc(obj, uint64(8*len(cp)))
}

// Leaf returns addr's values. addr 0 (no node) is invalid to pass here;
// callers must check for 0 themselves, since an absent leaf has no
// sensible empty value distinct from a genuinely empty leaf.
func (h *Heap) Leaf(addr Addr) LeafInfo {
	return LeafInfo{Values: h.cells[addr].(*leafNodeObj).values}
}

// InternalInfo is the read view of an RRB internal node.
type InternalInfo struct {
	Children []Addr
	Sizes    []uint32 // nil => strict
}

// NewInternal allocates an internal node. sizes may be nil for a strict
// (uniformly full) node; RRB concat/slice/pop always pass a size table
// since the trees they build are not guaranteed strict.
func (h *Heap) NewInternal(children []Addr, sizes []uint32) Addr {
	cc := append([]Addr{}, children...)
	var sc []uint32
	if sizes != nil {
		sc = append([]uint32{}, sizes...)
	}
	obj := &internalNodeObj{children: cc, sizes: sc}
	return h.alloc(obj, uint64(8*len(cc)))
}

// Internal returns addr's children and (possibly nil) size table.
func (h *Heap) Internal(addr Addr) InternalInfo {
	obj := h.cells[addr].(*internalNodeObj)
	return InternalInfo{Children: obj.children, Sizes: obj.sizes}
}
