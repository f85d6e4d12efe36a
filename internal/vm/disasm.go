// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package vm

import "fmt"

// Instruction is one decoded row of a disassembly listing.
type Instruction struct {
	Offset   int
	Op       Opcode
	Operands []byte
}

// Disassemble walks code instruction by instruction using the same
// instrLen accounting LoadModule and the dispatcher use, and returns a
// listing suitable for cmd/owl's -dis flag. It never executes anything.
func Disassemble(code []byte) ([]Instruction, error) {
	var out []Instruction
	pos := 0
	for pos < len(code) {
		op := Opcode(code[pos])
		operandPos := pos + 1
		n, err := instrLen(op, code, operandPos)
		if err != nil {
			return out, fmt.Errorf("vm: disassembling at offset %d: %w", pos, err)
		}
		end := operandPos + n
		if end > len(code) {
			return out, fmt.Errorf("%w: at offset %d", ErrTruncatedInstruction, pos)
		}
		out = append(out, Instruction{Offset: pos, Op: op, Operands: code[operandPos:end]})
		pos = end
	}
	return out, nil
}
