// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package vm

import (
	"errors"
	"fmt"

	"github.com/go-stack/stack"

	"github.com/ukutaht/owlang/internal/heap"
)

// Sentinel errors returned by the dispatcher. A handful of these are fatal
// (the caller should treat them as unrecoverable and abort the process);
// the rest describe an ordinary runtime fault a caught TEST/EQ-style
// program could in principle guard against, though Owl has no exception
// mechanism so any of them stops execution.
var (
	ErrInvalidOpcode        = errors.New("vm: invalid opcode")
	ErrTruncatedInstruction = errors.New("vm: truncated instruction")
	ErrStackOverflow        = errors.New("vm: call stack overflow")
	ErrUnknownFunction      = errors.New("vm: unknown function")
	ErrModuleNotFound       = errors.New("vm: module not found")
	ErrArityMismatch        = errors.New("vm: argument count does not match function arity")
	ErrNotCallable          = errors.New("vm: value is not callable")
	ErrTypeMismatch         = errors.New("vm: operand has the wrong type")
	ErrIndexOutOfRange      = errors.New("vm: index out of range")
	ErrInvalidRegister      = errors.New("vm: invalid register reference")
)

// FatalError wraps one of the fatal sentinels above with the Owl-level
// fault site (opcode, instruction pointer, frame depth) and a captured Go
// call stack, so cmd/owl's diagnostic printer can report both where in the
// running program and where in this implementation the fault was raised.
type FatalError struct {
	Err        error
	Opcode     Opcode
	IP         uint32
	FrameDepth int
	Stack      stack.CallStack
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%v (opcode=%s ip=%d frame=%d)", e.Err, e.Opcode, e.IP, e.FrameDepth)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is one of the conditions the specification
// calls a fatal abort: out-of-memory, invalid opcode, stack overflow, or
// module resolution failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidOpcode) ||
		errors.Is(err, ErrStackOverflow) ||
		errors.Is(err, ErrModuleNotFound) ||
		errors.Is(err, heap.ErrOutOfMemory)
}

func newFatal(err error, op Opcode, ip uint32, depth int) *FatalError {
	return &FatalError{Err: err, Opcode: op, IP: ip, FrameDepth: depth, Stack: stack.Trace().TrimRuntime()}
}
