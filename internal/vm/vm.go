// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package vm implements Owl's register-window bytecode dispatcher: the
// fetch-decode-execute loop, the call stack of frames, and the opcode
// catalog. It sits above heap and rrb and is the first package with enough
// context (both the GC-managed data and the RRB tree operations) to define
// whole-term operations like equality, to_string, and concat.
package vm

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ukutaht/owlang/internal/heap"
	"github.com/ukutaht/owlang/internal/rrb"
	"github.com/ukutaht/owlang/internal/term"
)

// Loader resolves a module name to its raw bytecode, per the OWL_LOAD_PATH
// search described in the module resolution spec. The vm package only
// depends on this interface, not on the loader package itself: loader
// satisfies it structurally, and neither package imports the other.
type Loader interface {
	LoadModule(name string) ([]byte, error)
}

// VM is one Owl process: a heap, a growing shared code buffer (every loaded
// module's bytecode is appended to it, so a function's location is always
// an absolute offset good for the lifetime of the process), a flat
// name-to-Function table, and a call stack of frames.
type VM struct {
	Heap   *heap.Heap
	Out    io.Writer
	Loader Loader

	code      []byte
	functions map[string]term.Term
	modules   map[string]bool

	frames []*frame
	ip     uint32
}

// New builds a VM. out receives PRINT output; loader resolves module names
// not yet loaded (may be nil if the program never calls an unloaded
// module, e.g. in tests that hand-assemble a single self-contained buffer).
func New(h *heap.Heap, out io.Writer, loader Loader) *VM {
	return &VM{
		Heap:      h,
		Out:       out,
		Loader:    loader,
		functions: make(map[string]term.Term),
		modules:   make(map[string]bool),
	}
}

// LoadModule appends code to the shared code buffer and registers every
// PUB_FN marker it contains as a named function whose location is the
// absolute offset of the instruction immediately following the marker.
// This is the same per-instruction length accounting the dispatcher itself
// uses (instrLen), so the scan and the dispatcher never disagree about
// where one instruction ends and the next begins.
func (vm *VM) LoadModule(code []byte) error {
	base := len(vm.code)
	vm.code = append(vm.code, code...)

	pos := 0
	for pos < len(code) {
		op := Opcode(code[pos])
		operandPos := pos + 1
		n, err := instrLen(op, code, operandPos)
		if err != nil {
			return fmt.Errorf("vm: scanning module at offset %d: %w", pos, err)
		}
		if op == OpPubFn {
			nameLen := int(code[operandPos])
			name := string(code[operandPos+1 : operandPos+1+nameLen])
			location := uint64(base + operandPos + 1 + nameLen)
			vm.functions[name] = vm.Heap.AllocNamedFunction(name, location)
		}
		pos = operandPos + n
	}
	return nil
}

// resolveFunction looks a named function up in the flat function table,
// lazily loading its owning module through Loader on a first miss. Module
// names are the part of a qualified function name before the last '.'; a
// name with no '.' is assumed to live in a module of the same name.
func (vm *VM) resolveFunction(name string) (term.Term, error) {
	if fn, ok := vm.functions[name]; ok {
		return fn, nil
	}
	moduleName := name
	if i := strings.LastIndex(name, "."); i >= 0 {
		moduleName = name[:i]
	}
	if vm.modules[moduleName] {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	vm.modules[moduleName] = true
	if vm.Loader == nil {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleName)
	}
	code, err := vm.Loader.LoadModule(moduleName)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, moduleName, err)
	}
	if err := vm.LoadModule(code); err != nil {
		return 0, err
	}
	fn, ok := vm.functions[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn, nil
}

func (vm *VM) roots() heap.Roots {
	r := make(heap.Roots, len(vm.frames))
	for i, f := range vm.frames {
		r[i] = f.roots()
	}
	return r
}

func (vm *VM) currentFrame() *frame {
	return vm.frames[len(vm.frames)-1]
}

// LastFrameRegisters returns a snapshot of registers 0-127 of whichever
// frame was executing when Run last returned, for the CLI's -dump-term
// debug flag. Returns nil if Run has never been called.
func (vm *VM) LastFrameRegisters() []term.Term {
	if len(vm.frames) == 0 {
		return nil
	}
	fr := vm.currentFrame()
	out := make([]term.Term, numLocalRegisters)
	copy(out, fr.slots[:numLocalRegisters])
	return out
}

// pushCall performs the CALL/CALL_LOCAL shared machinery: a GC safepoint
// (the only place other than GC_COLLECT a collection may run, per the
// concurrency model's safepoint discipline), a stack-depth check, and
// building the callee's frame with its arguments copied into registers
// 0..arity-1.
func (vm *VM) pushCall(fn term.Term, argRegs []uint8, retReg uint8, retIP uint32) error {
	if err := vm.Heap.Safepoint(vm.roots()); err != nil {
		return err
	}
	if len(vm.frames) >= maxCallDepth {
		return ErrStackOverflow
	}
	if term.TagOf(fn) != term.Function {
		return ErrNotCallable
	}
	caller := vm.currentFrame()
	info := vm.Heap.Function(fn)
	nf := &frame{retIP: retIP, retReg: retReg}
	nf.setFn(fn)
	for i, r := range argRegs {
		if i >= numLocalRegisters {
			break
		}
		nf.set(uint8(i), caller.get(vm.Heap, r))
	}
	vm.frames = append(vm.frames, nf)
	vm.ip = uint32(info.Location)
	return nil
}

// Run executes entryName (a fully-qualified "module.function" name) with
// args bound to its first len(args) registers, until the program executes
// EXIT or the outermost frame returns. It reports the process exit code.
func (vm *VM) Run(entryName string, args []term.Term) (int, error) {
	fn, err := vm.resolveFunction(entryName)
	if err != nil {
		return 0, err
	}
	root := &frame{}
	root.setFn(fn)
	for i, a := range args {
		if i >= numLocalRegisters {
			break
		}
		root.set(uint8(i), a)
	}
	vm.frames = []*frame{root}
	vm.ip = uint32(vm.Heap.Function(fn).Location)

	for {
		exit, err := vm.step()
		if err != nil {
			return 0, err
		}
		if exit != nil {
			return *exit, nil
		}
	}
}

// step decodes and executes exactly one instruction, returning a non-nil
// exit code only when EXIT runs or the outermost frame returns with no
// caller left to resume.
func (vm *VM) step() (*int, error) {
	if int(vm.ip) >= len(vm.code) {
		return nil, fmt.Errorf("%w: ip %d past end of code", ErrInvalidOpcode, vm.ip)
	}
	fr := vm.currentFrame()
	op := Opcode(vm.code[vm.ip])
	p := int(vm.ip) + 1 // first operand byte
	h := vm.Heap

	switch op {
	case OpExit:
		code := int(vm.code[p])
		return &code, nil

	case OpStoreInt:
		reg := vm.code[p]
		v := decodeInt16(vm.code[p+1], vm.code[p+2])
		fr.set(reg, intTermOf(v))
		vm.ip = uint32(p + 3)

	case OpPrint:
		reg := vm.code[p]
		fmt.Fprintln(vm.Out, ToString(h, fr.get(h, reg)))
		vm.ip = uint32(p + 1)

	case OpAdd, OpSub:
		dest, s1, s2 := vm.code[p], vm.code[p+1], vm.code[p+2]
		a, b := fr.get(h, s1), fr.get(h, s2)
		if term.TagOf(a) != term.Int || term.TagOf(b) != term.Int {
			return nil, ErrTypeMismatch
		}
		var result int64
		if op == OpAdd {
			result = intValueOf(a) + intValueOf(b)
		} else {
			result = intValueOf(a) - intValueOf(b)
		}
		fr.set(dest, intTermOf(result))
		vm.ip = uint32(p + 3)

	case OpCall:
		retReg := vm.code[p]
		nameLen := int(vm.code[p+1])
		name := string(vm.code[p+2 : p+2+nameLen])
		arityPos := p + 2 + nameLen
		arity := int(vm.code[arityPos])
		argRegs := vm.code[arityPos+1 : arityPos+1+arity]
		nextIP := uint32(arityPos + 1 + arity)
		fn, err := vm.resolveFunction(name)
		if err != nil {
			return nil, err
		}
		if err := vm.pushCall(fn, argRegs, retReg, nextIP); err != nil {
			return nil, err
		}

	case OpCallLocal:
		retReg, fnReg, arity := vm.code[p], vm.code[p+1], int(vm.code[p+2])
		argRegs := vm.code[p+3 : p+3+arity]
		nextIP := uint32(p + 3 + arity)
		fn := fr.get(h, fnReg)
		if err := vm.pushCall(fn, argRegs, retReg, nextIP); err != nil {
			return nil, err
		}

	case OpReturn:
		val := fr.get(h, 0)
		if len(vm.frames) == 1 {
			code := 0
			return &code, nil
		}
		popped := fr
		vm.frames = vm.frames[:len(vm.frames)-1]
		vm.currentFrame().set(popped.retReg, val)
		vm.ip = popped.retIP

	case OpMov:
		dest, src := vm.code[p], vm.code[p+1]
		fr.set(dest, fr.get(h, src))
		vm.ip = uint32(p + 2)

	case OpJmp:
		offset := int8(vm.code[p])
		vm.ip = uint32(int(p) + int(offset))

	case OpTuple:
		reg, n := vm.code[p], int(vm.code[p+1])
		elems := make([]term.Term, n)
		for i := 0; i < n; i++ {
			elems[i] = fr.get(h, vm.code[p+2+i])
		}
		fr.set(reg, h.AllocTuple(elems))
		vm.ip = uint32(p + 2 + n)

	case OpTupleNth:
		dest, tupleReg, idx := vm.code[p], vm.code[p+1], int(vm.code[p+2])
		elems := h.Tuple(fr.get(h, tupleReg))
		if idx >= len(elems) {
			fr.set(dest, term.Nil)
		} else {
			fr.set(dest, elems[idx])
		}
		vm.ip = uint32(p + 3)

	case OpList:
		reg, n := vm.code[p], int(vm.code[p+1])
		l := rrb.Init(h)
		for i := 0; i < n; i++ {
			l = rrb.Push(h, l, fr.get(h, vm.code[p+2+i]))
		}
		fr.set(reg, l)
		vm.ip = uint32(p + 2 + n)

	case OpStoreTrue:
		fr.set(vm.code[p], term.True)
		vm.ip = uint32(p + 1)
	case OpStoreFalse:
		fr.set(vm.code[p], term.False)
		vm.ip = uint32(p + 1)
	case OpStoreNil:
		fr.set(vm.code[p], term.Nil)
		vm.ip = uint32(p + 1)

	case OpTest:
		reg := vm.code[p]
		offsetPos := p + 1
		offset := int8(vm.code[offsetPos])
		fallthroughIP := uint32(offsetPos + 1)
		if term.Truthy(fr.get(h, reg)) {
			vm.ip = uint32(int(offsetPos) + int(offset))
		} else {
			vm.ip = fallthroughIP
		}

	case OpEq:
		dest, a, b := vm.code[p], vm.code[p+1], vm.code[p+2]
		fr.set(dest, term.BoolFrom(TermsEq(h, fr.get(h, a), fr.get(h, b))))
		vm.ip = uint32(p + 3)

	case OpNotEq:
		dest, a, b := vm.code[p], vm.code[p+1], vm.code[p+2]
		fr.set(dest, term.BoolFrom(!TermsEq(h, fr.get(h, a), fr.get(h, b))))
		vm.ip = uint32(p + 3)

	case OpNot:
		dest, src := vm.code[p], vm.code[p+1]
		fr.set(dest, term.Negate(fr.get(h, src)))
		vm.ip = uint32(p + 2)

	case OpGreaterThan:
		dest, a, b := vm.code[p], vm.code[p+1], vm.code[p+2]
		va, vb := fr.get(h, a), fr.get(h, b)
		if term.TagOf(va) != term.Int || term.TagOf(vb) != term.Int {
			return nil, ErrTypeMismatch
		}
		fr.set(dest, term.BoolFrom(intValueOf(va) > intValueOf(vb)))
		vm.ip = uint32(p + 3)

	case OpLoadString:
		reg, n := vm.code[p], int(vm.code[p+1])
		fr.set(reg, h.InternString(vm.code[p+2:p+2+n]))
		vm.ip = uint32(p + 2 + n)

	case OpFilePwd:
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("vm: FILE_PWD: %w", err)
		}
		fr.set(vm.code[p], h.AllocString([]byte(wd)))
		vm.ip = uint32(p + 1)

	case OpFileLs:
		entries, err := os.ReadDir(".")
		if err != nil {
			return nil, fmt.Errorf("vm: FILE_LS: %w", err)
		}
		l := rrb.Init(h)
		for _, e := range entries {
			l = rrb.Push(h, l, h.AllocString([]byte(e.Name())))
		}
		fr.set(vm.code[p], l)
		vm.ip = uint32(p + 1)

	case OpConcat:
		dest, a, b := vm.code[p], vm.code[p+1], vm.code[p+2]
		va, vb := fr.get(h, a), fr.get(h, b)
		switch {
		case term.TagOf(va) == term.String && term.TagOf(vb) == term.String:
			fr.set(dest, ConcatStrings(h, va, vb))
		case term.TagOf(va) == term.List && term.TagOf(vb) == term.List:
			fr.set(dest, rrb.Concat(h, va, vb))
		default:
			return nil, ErrTypeMismatch
		}
		vm.ip = uint32(p + 3)

	case OpCapture:
		// Recorded for catalog completeness; ANON_FN below carries its own
		// upvalue register list and does not depend on this opcode having
		// run first. No well-formed program needs this value read back.
		vm.ip = uint32(p + 2 + int(vm.code[p+1]))

	case OpListNth:
		dest, listReg, idx := vm.code[p], vm.code[p+1], uint32(vm.code[p+2])
		l := fr.get(h, listReg)
		if idx >= rrb.Count(h, l) {
			fr.set(dest, term.Nil)
		} else {
			fr.set(dest, rrb.Nth(h, l, idx))
		}
		vm.ip = uint32(p + 3)

	case OpListCount:
		dest, listReg := vm.code[p], vm.code[p+1]
		fr.set(dest, term.IntOf(uint64(rrb.Count(h, fr.get(h, listReg)))))
		vm.ip = uint32(p + 2)

	case OpListSlice:
		dest, srcReg, fromReg, toReg := vm.code[p], vm.code[p+1], vm.code[p+2], vm.code[p+3]
		from := uint32(intValueOf(fr.get(h, fromReg)))
		to := uint32(intValueOf(fr.get(h, toReg)))
		fr.set(dest, rrb.Slice(h, fr.get(h, srcReg), from, to))
		vm.ip = uint32(p + 4)

	case OpStringSlice:
		dest, srcReg, fromReg, toReg := vm.code[p], vm.code[p+1], vm.code[p+2], vm.code[p+3]
		s := h.String(fr.get(h, srcReg))
		from := intValueOf(fr.get(h, fromReg))
		to := intValueOf(fr.get(h, toReg))
		if from < 0 || to > int64(len(s)) || from > to {
			fr.set(dest, h.AllocString(nil))
		} else {
			fr.set(dest, h.AllocString(s[from:to]))
		}
		vm.ip = uint32(p + 4)

	case OpCodeLoad:
		nameLen := int(vm.code[p+1])
		name := string(vm.code[p+2 : p+2+nameLen])
		if !vm.modules[name] {
			vm.modules[name] = true
			if vm.Loader == nil {
				return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
			}
			code, err := vm.Loader.LoadModule(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrModuleNotFound, name, err)
			}
			if err := vm.LoadModule(code); err != nil {
				return nil, err
			}
		}
		vm.ip = uint32(p + 2 + nameLen)

	case OpFunctionName:
		dest, fnReg := vm.code[p], vm.code[p+1]
		fr.set(dest, h.AllocString([]byte(h.Function(fr.get(h, fnReg)).Name)))
		vm.ip = uint32(p + 2)

	case OpStringCount:
		dest, strReg := vm.code[p], vm.code[p+1]
		fr.set(dest, term.IntOf(uint64(len(h.String(fr.get(h, strReg))))))
		vm.ip = uint32(p + 2)

	case OpStringContains:
		dest, strReg, subReg := vm.code[p], vm.code[p+1], vm.code[p+2]
		hay := h.String(fr.get(h, strReg))
		needle := h.String(fr.get(h, subReg))
		fr.set(dest, term.BoolFrom(strings.Contains(string(hay), string(needle))))
		vm.ip = uint32(p + 3)

	case OpToString:
		dest, src := vm.code[p], vm.code[p+1]
		fr.set(dest, h.InternString([]byte(ToString(h, fr.get(h, src)))))
		vm.ip = uint32(p + 2)

	case OpAnonFn:
		retReg := vm.code[p]
		jmp := int(vm.code[p+1])
		_ = vm.code[p+2] // arity: decoded but not retained, the Function record carries no arity field
		nUpvals := int(vm.code[p+3])
		upvalRegs := vm.code[p+4 : p+4+nUpvals]
		upvalues := make([]term.Term, nUpvals)
		for i, r := range upvalRegs {
			upvalues[i] = fr.get(h, r)
		}
		bodyStart := uint32(p + 4 + nUpvals)
		closure := h.AllocClosure(uint64(bodyStart), upvalues)
		fr.set(retReg, closure)
		vm.ip = bodyStart + uint32(jmp)

	case OpGcCollect:
		if err := h.Collect(vm.roots()); err != nil {
			return nil, err
		}
		vm.ip = uint32(p)

	case OpPubFn:
		// Already accounted for by LoadModule's scan; encountered here only
		// if control flow falls through one at runtime, which a
		// well-formed module never does. Skip over it.
		n, err := instrLen(op, vm.code, p)
		if err != nil {
			return nil, err
		}
		vm.ip = uint32(p + n)

	default:
		return nil, newFatal(ErrInvalidOpcode, op, vm.ip, len(vm.frames))
	}

	return nil, nil
}
