// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package vm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ukutaht/owlang/internal/heap"
	"github.com/ukutaht/owlang/internal/rrb"
	"github.com/ukutaht/owlang/internal/term"
)

// This file holds the term operations that need to see both heap and rrb
// (tuple/string/function/list printing, deep equality, concatenation,
// runtime type names). It sits above both of them specifically to avoid an
// import cycle: rrb.Eq takes an elemEq callback rather than calling these
// directly, and TermsEq below is what the dispatcher supplies as that
// callback when comparing list elements.

// TypeOf returns the runtime type name TO_STRING-adjacent opcodes and
// diagnostics report for t.
func TypeOf(t term.Term) string {
	// The sentinels carry tags 2, 4 and 6 (False shares TUPLE's tag, True
	// STRING's), so they are matched by value before the tag is consulted.
	switch t {
	case term.True, term.False:
		return "bool"
	case term.Nil:
		return "nil"
	}
	switch term.TagOf(t) {
	case term.Int:
		return "int"
	case term.Tuple:
		return "tuple"
	case term.List:
		return "list"
	case term.String:
		return "string"
	case term.Function:
		return "function"
	}
	return "unknown"
}

// TermsEq reports deep structural equality, per the data model's tuple
// (elementwise), list (rrb.Eq via recursive descent), and string
// (byte-for-byte) equality rules. Scalars (ints, bools, nil) and function
// values compare by term identity, since closures and named functions alike
// carry no notion of value equality beyond "the same function".
func TermsEq(h *heap.Heap, a, b term.Term) bool {
	if a == b {
		return true
	}
	for _, s := range [...]term.Term{term.False, term.True, term.Nil} {
		if a == s || b == s {
			return false
		}
	}
	tagA, tagB := term.TagOf(a), term.TagOf(b)
	if tagA != tagB {
		return false
	}
	switch tagA {
	case term.Tuple:
		ea, eb := h.Tuple(a), h.Tuple(b)
		if len(ea) != len(eb) {
			return false
		}
		for i := range ea {
			if !TermsEq(h, ea[i], eb[i]) {
				return false
			}
		}
		return true
	case term.String:
		return string(h.String(a)) == string(h.String(b))
	case term.List:
		return rrb.Eq(h, a, b, func(x, y term.Term) bool { return TermsEq(h, x, y) })
	default:
		return false
	}
}

// ToString renders t the way TO_STRING and PRINT do: ints in decimal,
// strings verbatim (no quoting), booleans/nil by name, tuples parenthesized
// comma-separated, lists bracketed comma-separated, functions by name.
func ToString(h *heap.Heap, t term.Term) string {
	switch t {
	case term.True:
		return "true"
	case term.False:
		return "false"
	case term.Nil:
		return "nil"
	}
	switch term.TagOf(t) {
	case term.Int:
		return strconv.FormatUint(term.IntFrom(t), 10)
	case term.String:
		return string(h.String(t))
	case term.Function:
		info := h.Function(t)
		return fmt.Sprintf("<function %s>", info.Name)
	case term.Tuple:
		elems := h.Tuple(t)
		parts := make([]string, len(elems))
		for i, e := range elems {
			parts[i] = ToString(h, e)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case term.List:
		n := rrb.Count(h, t)
		parts := make([]string, n)
		for i := uint32(0); i < n; i++ {
			parts[i] = ToString(h, rrb.Nth(h, t, i))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "?"
}

// ConcatStrings builds a fresh string term holding a's bytes followed by
// b's. CONCAT on two lists is handled directly by rrb.Concat instead, since
// it need not go through the heap's byte representation.
func ConcatStrings(h *heap.Heap, a, b term.Term) term.Term {
	sa, sb := h.String(a), h.String(b)
	out := make([]byte, 0, len(sa)+len(sb))
	out = append(out, sa...)
	out = append(out, sb...)
	return h.AllocString(out)
}
