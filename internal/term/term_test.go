package term

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestSentinelsDoNotCollideWithTags(t *testing.T) {
	// False/True/Nil carry payload 0 (address 0), which the allocator never
	// hands out, so identity comparison against them is always safe.
	if ExtractAddr(False) != 0 || ExtractAddr(True) != 0 || ExtractAddr(Nil) != 0 {
		t.Fatalf("sentinels must encode address 0")
	}
}

func TestTagAsRoundTrip(t *testing.T) {
	cases := []struct {
		addr uint64
		tag  Tag
	}{
		{0, Tuple},
		{1, String},
		{1 << 40, Function},
		{12345, List},
	}
	for _, c := range cases {
		tm := TagAs(c.addr, c.tag)
		if TagOf(tm) != c.tag {
			t.Errorf("TagOf(TagAs(%d,%v)) = %v", c.addr, c.tag, TagOf(tm))
		}
		if ExtractAddr(tm) != c.addr {
			t.Errorf("ExtractAddr(TagAs(%d,%v)) = %d", c.addr, c.tag, ExtractAddr(tm))
		}
	}
}

func TestIntRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 42, 1<<61 - 1} {
		tm := IntOf(n)
		if TagOf(tm) != Int {
			t.Fatalf("IntOf(%d) has tag %v, want Int", n, TagOf(tm))
		}
		if got := IntFrom(tm); got != n {
			t.Errorf("IntFrom(IntOf(%d)) = %d", n, got)
		}
	}
}

func TestTruthy(t *testing.T) {
	falsy := []Term{False, Nil}
	for _, f := range falsy {
		if Truthy(f) {
			t.Errorf("Truthy(%v) = true, want false", f)
		}
	}
	truthy := []Term{True, IntOf(0), IntOf(1), TagAs(1, String), TagAs(0, List)}
	for _, tm := range truthy {
		if !Truthy(tm) {
			t.Errorf("Truthy(%v) = false, want true", tm)
		}
	}
}

func TestNegate(t *testing.T) {
	if Negate(False) != True {
		t.Errorf("Negate(False) != True")
	}
	if Negate(True) != False {
		t.Errorf("Negate(True) != False")
	}
	if Negate(Nil) != True {
		t.Errorf("Negate(Nil) != True")
	}
	if Negate(IntOf(0)) != False {
		t.Errorf("Negate(IntOf(0)) != False")
	}
}

func TestBoolFrom(t *testing.T) {
	if BoolFrom(true) != True {
		t.Errorf("BoolFrom(true) != True")
	}
	if BoolFrom(false) != False {
		t.Errorf("BoolFrom(false) != False")
	}
}

// TestTagAsRoundTripFailureDump exercises the same round trip as
// TestTagAsRoundTrip but logs a full spew dump of the mismatching pair on
// failure, the richer alternative to %+v this package's tests reach for
// when a bare numeric mismatch isn't informative enough on its own.
func TestTagAsRoundTripFailureDump(t *testing.T) {
	tm := TagAs(777, String)
	if ExtractAddr(tm) != 777 {
		t.Fatalf("ExtractAddr mismatch:\n%s", spew.Sdump(tm))
	}
}

func TestIsHeapTag(t *testing.T) {
	heapTags := []Tag{Tuple, List, String, Function}
	for _, tag := range heapTags {
		if !IsHeapTag(tag) {
			t.Errorf("IsHeapTag(%v) = false, want true", tag)
		}
	}
	if IsHeapTag(Int) || IsHeapTag(Pointer) {
		t.Errorf("IsHeapTag should be false for Int and Pointer")
	}
}
