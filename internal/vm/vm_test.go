// Copyright 2024 The Owl Authors
// This file is part of owlang.
//
// owlang is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ukutaht/owlang/internal/heap"
)

// asm is a tiny hand-assembler used only by these tests to build raw
// instruction streams without a compiler, mirroring how the original
// dispatcher's own tests constructed programs byte-by-byte.
type asm struct {
	buf []byte
}

func (a *asm) pos() int         { return len(a.buf) }
func (a *asm) op(o Opcode) *asm { a.buf = append(a.buf, byte(o)); return a }
func (a *asm) b(v byte) *asm    { a.buf = append(a.buf, v); return a }
func (a *asm) i16(v int16) *asm {
	a.buf = append(a.buf, byte(v), byte(v>>8))
	return a
}
func (a *asm) str(s string) *asm {
	a.buf = append(a.buf, byte(len(s)))
	a.buf = append(a.buf, s...)
	return a
}
func (a *asm) regs(rs ...byte) *asm {
	a.buf = append(a.buf, byte(len(rs)))
	a.buf = append(a.buf, rs...)
	return a
}

func (a *asm) pubFn(name string) *asm {
	return a.op(OpPubFn).str(name)
}

func (a *asm) patch(at int, v byte) { a.buf[at] = v }

func (a *asm) code() []byte { return a.buf }

func runProgram(t *testing.T, h *heap.Heap, code []byte, entry string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	machine := New(h, &out, nil)
	if err := machine.LoadModule(code); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	exit, err := machine.Run(entry, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return exit, out.String()
}

// scenario 1: STORE_INT, PRINT, EXIT, checked under both GC regimes.
func TestStoreIntPrintExit(t *testing.T) {
	for _, forced := range []bool{false, true} {
		var a asm
		a.pubFn("m.main").
			op(OpStoreInt).b(0).i16(42).
			op(OpPrint).b(0).
			op(OpExit).b(0)

		h := heap.New(1 << 16)
		h.SetForceCollect(forced)
		exit, out := runProgram(t, h, a.code(), "m.main")
		if exit != 0 {
			t.Fatalf("forced=%v: exit = %d, want 0", forced, exit)
		}
		if strings.TrimSpace(out) != "42" {
			t.Fatalf("forced=%v: output = %q, want \"42\"", forced, out)
		}
	}
}

// scenario 2: a backward JMP loop that counts down and prints each value,
// using NOT+TEST to skip the loop body once the counter reaches zero.
func TestLoopCountdown(t *testing.T) {
	for _, forced := range []bool{false, true} {
		var a asm
		a.pubFn("m.main").
			op(OpStoreInt).b(0).i16(3). // r0 = counter
			op(OpStoreInt).b(1).i16(0)  // r1 = 0, comparison bound

		loopStart := a.pos()
		a.op(OpGreaterThan).b(2).b(0).b(1) // r2 = r0 > 0
		a.op(OpNot).b(3).b(2)              // r3 = done = !r2

		testOp := a.pos()
		a.op(OpTest).b(3).b(0) // placeholder offset, patched below
		testOffsetPos := testOp + 2

		a.op(OpPrint).b(0)
		a.op(OpStoreInt).b(4).i16(1)
		a.op(OpSub).b(0).b(0).b(4)

		jmpOp := a.pos()
		a.op(OpJmp).b(0) // placeholder back-edge, patched below

		exitPos := a.pos()
		a.op(OpExit).b(0)

		// OP_TEST's taken branch and OP_JMP are both relative to the
		// position of their own offset byte, not the following instruction.
		a.patch(testOffsetPos, byte(int8(exitPos-testOffsetPos)))
		a.patch(jmpOp+1, byte(int8(loopStart-(jmpOp+1))))

		h := heap.New(1 << 16)
		h.SetForceCollect(forced)
		exit, out := runProgram(t, h, a.code(), "m.main")
		if exit != 0 {
			t.Fatalf("forced=%v: exit = %d", forced, exit)
		}
		got := strings.Fields(out)
		want := []string{"3", "2", "1"}
		if len(got) != len(want) {
			t.Fatalf("forced=%v: output = %q, want countdown 3 2 1", forced, out)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("forced=%v: output = %q, want countdown 3 2 1", forced, out)
			}
		}
	}
}

// scenario 3: tuple construction and TUPLE_NTH, including out-of-range.
func TestTupleConstructAndIndex(t *testing.T) {
	var a asm
	a.pubFn("m.main").
		op(OpStoreInt).b(0).i16(10).
		op(OpStoreInt).b(1).i16(20).
		op(OpTuple).b(2).regs(0, 1).
		op(OpTupleNth).b(3).b(2).b(0).
		op(OpPrint).b(3).
		op(OpTupleNth).b(4).b(2).b(9). // out of range -> Nil
		op(OpPrint).b(4).
		op(OpExit).b(0)

	h := heap.New(1 << 16)
	_, out := runProgram(t, h, a.code(), "m.main")
	lines := strings.Fields(out)
	if len(lines) != 2 || lines[0] != "10" || lines[1] != "nil" {
		t.Fatalf("output = %q, want [10 nil]", out)
	}
}

// scenario 4: list construction, LIST_COUNT, LIST_NTH.
func TestListBuildAndNth(t *testing.T) {
	var a asm
	a.pubFn("m.main").
		op(OpStoreInt).b(0).i16(1).
		op(OpStoreInt).b(1).i16(2).
		op(OpStoreInt).b(2).i16(3).
		op(OpList).b(3).regs(0, 1, 2).
		op(OpListCount).b(4).b(3).
		op(OpPrint).b(4).
		op(OpListNth).b(5).b(3).b(1).
		op(OpPrint).b(5).
		op(OpExit).b(0)

	h := heap.New(1 << 16)
	_, out := runProgram(t, h, a.code(), "m.main")
	lines := strings.Fields(out)
	if len(lines) != 2 || lines[0] != "3" || lines[1] != "2" {
		t.Fatalf("output = %q, want [3 2]", out)
	}
}

// scenario 5: string CONCAT, STRING_COUNT, STRING_CONTAINS.
func TestStringOps(t *testing.T) {
	var a asm
	a.pubFn("m.main").
		op(OpLoadString).b(0).str("foo").
		op(OpLoadString).b(1).str("bar").
		op(OpConcat).b(2).b(0).b(1).
		op(OpPrint).b(2).
		op(OpStringCount).b(3).b(2).
		op(OpPrint).b(3).
		op(OpLoadString).b(4).str("oob").
		op(OpStringContains).b(5).b(2).b(4).
		op(OpPrint).b(5).
		op(OpExit).b(0)

	h := heap.New(1 << 16)
	_, out := runProgram(t, h, a.code(), "m.main")
	lines := strings.Fields(out)
	if len(lines) != 3 || lines[0] != "foobar" || lines[1] != "6" || lines[2] != "true" {
		t.Fatalf("output = %q, want [foobar 6 true]", out)
	}
}

// scenario 6: ANON_FN capturing an upvalue, then CALL_LOCAL invoking it.
func TestClosureCapturesUpvalue(t *testing.T) {
	var a asm
	a.pubFn("m.main").
		op(OpStoreInt).b(0).i16(3) // r0 = 3, to be captured

	anonOp := a.pos()
	a.op(OpAnonFn).b(1).b(0).b(0).regs(0) // ret=1 jmp=<patch> arity=0 upvalues=[reg0]
	jmpOperandPos := anonOp + 2
	bodyStart := a.pos()

	// closure body: r0 (the single call argument) += upvalue r128; RETURN
	a.op(OpAdd).b(0).b(128).b(0)
	a.op(OpReturn)
	a.patch(jmpOperandPos, byte(a.pos()-bodyStart))

	a.op(OpStoreInt).b(0).i16(10)
	a.op(OpCallLocal).b(2).b(1).regs(0)
	a.op(OpPrint).b(2)
	a.op(OpExit).b(0)

	h := heap.New(1 << 16)
	_, out := runProgram(t, h, a.code(), "m.main")
	if strings.TrimSpace(out) != "13" {
		t.Fatalf("output = %q, want \"13\" (3 captured + 10 passed)", out)
	}
}

// scenario 7: CALL across a forced GC safepoint still resolves arguments
// correctly, exercising the "testable under GC-forced" property.
func TestCallSurvivesForcedCollection(t *testing.T) {
	var main asm
	main.pubFn("m.main").
		op(OpStoreInt).b(0).i16(7).
		op(OpCall).b(1).str("m.addone").regs(0).
		op(OpPrint).b(1).
		op(OpExit).b(0)

	var addone asm
	addone.pubFn("m.addone").
		op(OpStoreInt).b(1).i16(1).
		op(OpAdd).b(0).b(0).b(1).
		op(OpReturn)

	code := append(main.code(), addone.code()...)

	h := heap.New(1 << 16)
	h.SetForceCollect(true)
	_, out := runProgram(t, h, code, "m.main")
	if strings.TrimSpace(out) != "8" {
		t.Fatalf("output = %q, want \"8\"", out)
	}
}

func TestUnknownFunctionIsAnError(t *testing.T) {
	var a asm
	a.pubFn("m.main").op(OpCall).b(0).str("m.missing").regs().op(OpExit).b(0)

	h := heap.New(1 << 16)
	machine := New(h, &bytes.Buffer{}, nil)
	if err := machine.LoadModule(a.code()); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if _, err := machine.Run("m.main", nil); err == nil {
		t.Fatalf("expected an error calling an unresolvable function")
	}
}
