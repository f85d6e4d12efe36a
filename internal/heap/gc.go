package heap

import "github.com/ukutaht/owlang/internal/term"

// bufferFraction is the fraction of capacity reserved as a safety margin:
// a safepoint collects when usedBytes + capacity*bufferFraction/100 would
// exceed capacity.
const bufferFraction = 10

// NeedsCollection reports whether a safepoint should run a collection
// before the mutator proceeds, per spec.md §4.2's `alloc_ptr + buffer >=
// end` trigger (buffer = 10% of half-space size), or unconditionally when
// SetForceCollect(true) is in effect.
func (h *Heap) NeedsCollection() bool {
	if h.forceGC {
		return true
	}
	buffer := h.capacity * bufferFraction / 100
	return h.usedBytes+buffer >= h.capacity
}

// Roots is the set of register windows the collector must treat as live:
// one slice per live frame. Collect rewrites every element in place.
type Roots [][]term.Term

// Collect runs a full Cheney-style collection: every term reachable from
// roots is copied into a fresh generation, breadth-first, with a forward
// flag stamped on each from-space object the first time it is visited so
// that a shared subterm is copied exactly once and all references to it
// converge on the same to-space address (spec.md §9 open question 2: some
// variants of this routine skip the forwarding check and duplicate shared
// structure; this implementation checks it at every single call site,
// named-function pass-through included).
//
// After Collect returns, every reachable term in roots points into the new
// generation; anything not reachable from roots is discarded along with
// the old generation. The string intern pool is emptied, since its handles
// name old-generation objects.
func (h *Heap) Collect(roots Roots) error {
	from := h.cells
	h.cells = make([]any, 1, cap(from))
	h.usedBytes = 0
	h.internPool = make(map[[32]byte]term.Term)

	var toScan []Addr

	var copyAddr func(oldAddr Addr) Addr
	copyAddr = func(oldAddr Addr) Addr {
		if oldAddr == 0 {
			return 0
		}
		obj := from[oldAddr]
		switch o := obj.(type) {
		case *tupleObj:
			if o.forwarded {
				return o.forwardAddr
			}
			clone := &tupleObj{elems: append([]term.Term{}, o.elems...)}
			newAddr := h.alloc(clone, uint64(8+8*len(clone.elems)))
			o.forwarded, o.forwardAddr = true, newAddr
			toScan = append(toScan, newAddr)
			return newAddr
		case *stringObj:
			if o.forwarded {
				return o.forwardAddr
			}
			clone := &stringObj{bytes: append([]byte{}, o.bytes...)}
			newAddr := h.alloc(clone, roundUp(uint64(len(clone.bytes)), 8))
			o.forwarded, o.forwardAddr = true, newAddr
			return newAddr
		case *functionObj:
			if o.forwarded {
				return o.forwardAddr
			}
			clone := &functionObj{location: o.location, name: o.name, upvalues: append([]term.Term{}, o.upvalues...)}
			newAddr := h.alloc(clone, uint64(16+8*len(clone.upvalues)))
			o.forwarded, o.forwardAddr = true, newAddr
			if len(clone.upvalues) > 0 {
				toScan = append(toScan, newAddr)
			}
			return newAddr
		case *rrbHeaderObj:
			if o.forwarded {
				return o.forwardAddr
			}
			clone := &rrbHeaderObj{count: o.count, shift: o.shift, tailLen: o.tailLen, tail: o.tail, root: o.root}
			newAddr := h.alloc(clone, 32)
			o.forwarded, o.forwardAddr = true, newAddr
			toScan = append(toScan, newAddr)
			return newAddr
		case *internalNodeObj:
			if o.forwarded {
				return o.forwardAddr
			}
			var sc []uint32
			if o.sizes != nil {
				sc = append([]uint32{}, o.sizes...)
			}
			clone := &internalNodeObj{children: append([]Addr{}, o.children...), sizes: sc}
			newAddr := h.alloc(clone, uint64(8*len(clone.children)))
			o.forwarded, o.forwardAddr = true, newAddr
			toScan = append(toScan, newAddr)
			return newAddr
		case *leafNodeObj:
			if o.forwarded {
				return o.forwardAddr
			}
			clone := &leafNodeObj{values: append([]term.Term{}, o.values...)}
			newAddr := h.alloc(clone, uint64(8*len(clone.values)))
			o.forwarded, o.forwardAddr = true, newAddr
			toScan = append(toScan, newAddr)
			return newAddr
		default:
			panic("heap: unknown object kind during collection")
		}
	}

	copyTerm := func(t term.Term) term.Term {
		tag := term.TagOf(t)
		if !term.IsHeapTag(tag) {
			return t
		}
		addr := term.ExtractAddr(t)
		if addr == 0 {
			return t // sentinel payload or the empty-list singleton: never relocated
		}
		if tag == term.Function && addr < heapFunctionBase {
			return t // named function: off-heap, passed through unchanged
		}
		var realOld Addr
		if tag == term.Function {
			realOld = Addr(addr) - heapFunctionBase
		} else {
			realOld = Addr(addr)
		}
		newAddr := copyAddr(realOld)
		if tag == term.Function {
			return term.TagAs(uint64(newAddr)+heapFunctionBase, tag)
		}
		return term.TagAs(uint64(newAddr), tag)
	}

	copyNodeAddr := func(addr Addr) Addr {
		return copyAddr(addr)
	}

	for _, window := range roots {
		for i, t := range window {
			window[i] = copyTerm(t)
		}
	}

	for i := 0; i < len(toScan); i++ {
		addr := toScan[i]
		switch o := h.cells[addr].(type) {
		case *tupleObj:
			for i, e := range o.elems {
				o.elems[i] = copyTerm(e)
			}
		case *functionObj:
			for i, u := range o.upvalues {
				o.upvalues[i] = copyTerm(u)
			}
		case *rrbHeaderObj:
			o.tail = copyNodeAddr(o.tail)
			o.root = copyNodeAddr(o.root)
		case *internalNodeObj:
			for i, c := range o.children {
				o.children[i] = copyNodeAddr(c)
			}
		case *leafNodeObj:
			for i, v := range o.values {
				o.values[i] = copyTerm(v)
			}
		}
	}

	h.collections++
	return nil
}

// Safepoint runs a collection if the heap is under pressure (or forced),
// returning ErrOutOfMemory if the heap is still over capacity afterward.
// Called at the top of every CALL and CALL_LOCAL, per spec.md §5's
// safepoint discipline; GC_COLLECT calls Collect directly. Those are the
// only places a collection may happen.
func (h *Heap) Safepoint(roots Roots) error {
	if !h.NeedsCollection() {
		return nil
	}
	if err := h.Collect(roots); err != nil {
		return err
	}
	if h.usedBytes >= h.capacity {
		return ErrOutOfMemory
	}
	return nil
}
