package heap

import (
	"testing"

	mapset "github.com/deckarep/golang-set"

	"github.com/ukutaht/owlang/internal/term"
)

func TestAllocTupleRoundTrip(t *testing.T) {
	h := New(1 << 20)
	tup := h.AllocTuple([]term.Term{term.IntOf(5), term.IntOf(9)})
	if term.TagOf(tup) != term.Tuple {
		t.Fatalf("tag = %v, want Tuple", term.TagOf(tup))
	}
	got := h.Tuple(tup)
	if len(got) != 2 || term.IntFrom(got[0]) != 5 || term.IntFrom(got[1]) != 9 {
		t.Fatalf("Tuple(%v) = %v", tup, got)
	}
}

func TestAllocStringRoundTrip(t *testing.T) {
	h := New(1 << 20)
	s := h.AllocString([]byte("hello"))
	if string(h.String(s)) != "hello" {
		t.Fatalf("String = %q", h.String(s))
	}
}

func TestInternStringDedups(t *testing.T) {
	h := New(1 << 20)
	a := h.InternString([]byte("abc"))
	b := h.InternString([]byte("abc"))
	if a != b {
		t.Fatalf("InternString did not dedup: %v != %v", a, b)
	}
	c := h.InternString([]byte("xyz"))
	if a == c {
		t.Fatalf("InternString collided distinct content")
	}
}

func TestNamedFunctionSurvivesCollection(t *testing.T) {
	h := New(1 << 20)
	fn := h.AllocNamedFunction("main", 100)
	roots := Roots{{fn}}
	if err := h.Collect(roots); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if roots[0][0] != fn {
		t.Fatalf("named function term changed across collection: %v != %v", roots[0][0], fn)
	}
	info := h.Function(fn)
	if info.Location != 100 || info.Name != "main" {
		t.Fatalf("named function record corrupted: %+v", info)
	}
}

func TestClosureRelocatesAndKeepsUpvalues(t *testing.T) {
	h := New(1 << 20)
	closure := h.AllocClosure(42, []term.Term{term.IntOf(3), term.True})
	roots := Roots{{closure}}
	if err := h.Collect(roots); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	moved := roots[0][0]
	info := h.Function(moved)
	if info.Location != 42 || len(info.Upvalues) != 2 || term.IntFrom(info.Upvalues[0]) != 3 {
		t.Fatalf("closure upvalues lost across collection: %+v", info)
	}
}

// TestSharedTupleIsCopiedOnce is a regression test for spec.md §9's open
// question 2: some forwarding implementations skip the check on certain
// call sites and duplicate a subterm reachable from two roots instead of
// sharing one to-space copy. It asserts that both elements of the outer
// tuple still equal the relocated root after collection, and separately
// collects the to-space addresses of all three references to the shared
// tuple into a set, failing unless there is exactly one.
func TestSharedTupleIsCopiedOnce(t *testing.T) {
	h := New(1 << 20)
	shared := h.AllocTuple([]term.Term{term.IntOf(1)})
	outer := h.AllocTuple([]term.Term{shared, shared})
	roots := Roots{{shared, outer}}

	if err := h.Collect(roots); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	newShared := roots[0][0]
	newOuter := roots[0][1]
	innerElems := h.Tuple(newOuter)
	if innerElems[0] != newShared || innerElems[1] != newShared {
		t.Fatalf("shared subterm was duplicated: outer elems = %v, want both == %v", innerElems, newShared)
	}

	seen := mapset.NewSet()
	seen.Add(uint64(newShared))
	seen.Add(uint64(innerElems[0]))
	seen.Add(uint64(innerElems[1]))
	if seen.Cardinality() != 1 {
		t.Fatalf("expected exactly one distinct copy of the shared tuple")
	}
}

func TestEmptyListNeverAllocatedOrMoved(t *testing.T) {
	h := New(1 << 20)
	empty := h.EmptyList()
	roots := Roots{{empty}}
	if err := h.Collect(roots); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if roots[0][0] != empty {
		t.Fatalf("empty list term changed across collection: %v != %v", roots[0][0], empty)
	}
	if len(h.cells) != 1 {
		t.Fatalf("collection should not have allocated anything for the empty list, cells = %d", len(h.cells))
	}
}

func TestSafepointTriggersUnderPressure(t *testing.T) {
	h := New(256) // tiny capacity forces pressure quickly
	var root term.Term = h.EmptyList()
	roots := Roots{{root}}
	for i := 0; i < 20; i++ {
		root = h.AllocTuple([]term.Term{term.IntOf(uint64(i))})
		roots[0][0] = root
		if h.NeedsCollection() {
			if err := h.Safepoint(roots); err != nil {
				t.Fatalf("Safepoint: %v", err)
			}
		}
	}
	if h.Stats().Collections == 0 {
		t.Fatalf("expected at least one collection under pressure")
	}
}
