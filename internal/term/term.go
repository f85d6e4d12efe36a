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

// Package term defines Owl's tagged 64-bit value representation: the low
// 3 bits of a word are a type tag, the upper 61 bits are payload. This
// package only knows how to pack and unpack that word; it has no notion of
// a heap, so it never dereferences a pointer-carrying term. Heap-aware term
// operations (equality, to_string, concat, type_of) live in higher packages
// that can resolve TUPLE/LIST/STRING/FUNCTION addresses.
package term

// Tag is the 3-bit type discriminator stored in a term's low bits.
type Tag uint8

const (
	Pointer  Tag = 0
	Int      Tag = 1
	Tuple    Tag = 2
	List     Tag = 3
	String   Tag = 4
	Function Tag = 5
)

func (t Tag) String() string {
	switch t {
	case Pointer:
		return "pointer"
	case Int:
		return "int"
	case Tuple:
		return "tuple"
	case List:
		return "list"
	case String:
		return "string"
	case Function:
		return "function"
	default:
		return "unknown"
	}
}

// Term is an opaque 64-bit value handle: tag in the low 3 bits, payload in
// the upper 61. Code outside this package should treat it as opaque and use
// the accessors below rather than masking bits directly.
type Term uint64

// The three sentinel singletons. Their payload (the upper 61 bits) is zero,
// so they alias address 0 in whichever heap category their tag names. The
// allocator never hands out address 0 to a real object, which is what makes
// these bit patterns safe to use as identity-comparable constants: no
// legally allocated TUPLE, STRING, or (accidentally, since tag 6 does not
// name a category at all) other pointer can ever equal them.
const (
	False Term = 2
	True  Term = 4
	Nil   Term = 6
)

const tagMask = 0x7

// TagOf returns t's type tag.
func TagOf(t Term) Tag {
	return Tag(t & tagMask)
}

// ExtractAddr returns t's payload interpreted as a heap address.
func ExtractAddr(t Term) uint64 {
	return uint64(t) >> 3
}

// TagAs packs an address and a tag into a term.
func TagAs(addr uint64, tag Tag) Term {
	return Term(addr<<3) | Term(tag)
}

// IntOf packs a small integer as an INT-tagged term. Only the low 61 bits
// of n survive.
func IntOf(n uint64) Term {
	return TagAs(n, Int)
}

// IntFrom extracts the integer payload of an INT-tagged term. The caller
// is responsible for having checked TagOf(t) == Int.
func IntFrom(t Term) uint64 {
	return ExtractAddr(t)
}

// BoolFrom converts a Go bool to the corresponding sentinel.
func BoolFrom(b bool) Term {
	if b {
		return True
	}
	return False
}

// Truthy reports whether t counts as true in a boolean context. Only False
// and Nil are falsy; every other term, including the integer 0, is truthy.
func Truthy(t Term) bool {
	return t != False && t != Nil
}

// Negate returns True if t is falsy, False otherwise.
func Negate(t Term) Term {
	return BoolFrom(!Truthy(t))
}

// IsHeapTag reports whether tag names a heap-resident category (as opposed
// to INT, which is an immediate, or POINTER, which never legally appears
// outside the sentinels).
func IsHeapTag(tag Tag) bool {
	switch tag {
	case Tuple, List, String, Function:
		return true
	default:
		return false
	}
}
