package heap

import (
	"errors"
	"fmt"
)

const maxValidationErrors = 16

// ErrInconsistentHeap is wrapped by every validation failure.
var ErrInconsistentHeap = errors.New("heap: inconsistent")

// Validator checks that every pointer reachable from the roots of a heap
// lands on the start of an object, either in the heap itself or in one of
// the heaps it may refer to (the program's shared heap).
type Validator struct {
	heap     *Heap
	external []*Heap

	starts  map[Address]struct{}
	visited map[Address]struct{}
	work    []Address
	errs    []error
}

// NewValidator creates a validator for h; pointers into external heaps are
// accepted but not traced.
func NewValidator(h *Heap, external ...*Heap) *Validator {
	return &Validator{heap: h, external: external}
}

// Validate runs the check and returns nil when the heap is consistent.
func (v *Validator) Validate() error {
	v.starts = make(map[Address]struct{})
	v.visited = make(map[Address]struct{})
	v.errs = nil
	for _, h := range append([]*Heap{v.heap}, v.external...) {
		v.collectStarts(h)
	}
	if v.heap.roots != nil {
		v.heap.roots.IterateRoots(v)
	}
	v.heap.weak.Visit(v)
	for len(v.work) > 0 && len(v.errs) < maxValidationErrors {
		a := v.work[len(v.work)-1]
		v.work = v.work[:len(v.work)-1]
		v.heap.memory.IteratePointers(a, v)
	}
	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", v.heap.name, errors.Join(v.errs...))
}

func (v *Validator) collectStarts(h *Heap) {
	m := h.memory
	h.IterateObjects(HeapObjectVisitorFunc(func(a Address) int {
		if hd := Header(m.Load(a)); hd.IsForwarded() {
			v.fail("object at %s is forwarded outside a scavenge", a)
			return WordSize
		} else if hd.IsClass() && hd.IsMarked() {
			v.fail("object at %s is marked outside a collection", a)
		}
		if !Header(m.Load(a)).IsStatic() {
			v.starts[a] = struct{}{}
		}
		return m.SizeOf(a)
	}))
}

func (v *Validator) fail(format string, args ...any) {
	if len(v.errs) < maxValidationErrors {
		v.errs = append(v.errs, fmt.Errorf("%w: "+format, append([]any{ErrInconsistentHeap}, args...)...))
	}
}

func (v *Validator) check(a Address, from Address) {
	if _, ok := v.starts[a]; !ok {
		v.fail("slot %s points to %s which is not an object start", from, a)
		return
	}
	if !v.heap.Includes(a) {
		return
	}
	if _, seen := v.visited[a]; seen {
		return
	}
	v.visited[a] = struct{}{}
	v.work = append(v.work, a)
}

func (v *Validator) VisitBlock(start Address, slots []Word) {
	for i, w := range slots {
		if !w.IsSmallInt() && !w.IsObject() {
			v.fail("slot %s holds untagged word %#x", start.Add(i), uint64(w))
			continue
		}
		if w.IsObject() {
			from := NoAddress
			if start != NoAddress {
				from = start.Add(i)
			}
			v.check(w.Address(), from)
		}
	}
}

func (v *Validator) VisitClass(slot *Word) {
	h := Header(*slot)
	if !h.IsClass() {
		v.fail("header %s is not a class reference", h)
		return
	}
	v.check(h.Class(), NoAddress)
}
