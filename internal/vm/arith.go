// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package vm

import "github.com/ukutaht/owlang/internal/term"

// Owl's INT term carries a raw 61-bit payload with no sign bit of its own;
// term.IntOf/IntFrom pack and unpack it as an unsigned quantity. ADD, SUB,
// and GREATER_THAN need signed arithmetic, so this file is the one place
// that treats the payload as two's complement and sign-extends it to a Go
// int64 (and truncates back on the way in).
const intBits = 61
const intSignBit = uint64(1) << (intBits - 1)
const intMask = uint64(1)<<intBits - 1

func signExtend61(raw uint64) int64 {
	raw &= intMask
	if raw&intSignBit != 0 {
		return int64(raw | ^intMask)
	}
	return int64(raw)
}

func truncate61(v int64) uint64 {
	return uint64(v) & intMask
}

func intTermOf(v int64) term.Term {
	return term.IntOf(truncate61(v))
}

func intValueOf(t term.Term) int64 {
	return signExtend61(term.IntFrom(t))
}

// decodeInt16 reads a little-endian 16-bit immediate, per the STORE_INT
// operand layout. The field is effectively unsigned: the compiler is only
// ever expected to emit non-negative small integers here, so no sign
// extension is applied — 0xFFFF decodes to 65535, not -1.
func decodeInt16(lo, hi byte) int64 {
	return int64(uint16(lo) | uint16(hi)<<8)
}
