package heap

import "testing"

// world holds the classes every test heap refers to. Classes live in their
// own single-generation heap, as in a program's shared heap.
type world struct {
	t       *testing.T
	mem     *Memory
	classes *Heap
	meta    Address
	pair    Address // Instance[2]: field 0 = id, field 1 = ref
	array   Address
	stack   Address
	bytes   Address
	double  Address
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{t: t, mem: NewMemory(0)}
	w.classes = New(w.mem, "classes", Config{})
	var err error
	if w.meta, err = w.classes.AllocateMetaClass(0); err != nil {
		t.Fatalf("AllocateMetaClass: %v", err)
	}
	w.pair = w.class(NewFormat(TypeInstance, 2), 1)
	w.array = w.class(NewFormat(TypeArray, 0), 2)
	w.stack = w.class(NewFormat(TypeStack, 0), 3)
	w.bytes = w.class(NewFormat(TypeByteArray, 0), 4)
	w.double = w.class(NewFormat(TypeDouble, 0), 5)
	return w
}

func (w *world) class(f Format, id int64) Address {
	w.t.Helper()
	a, err := w.classes.AllocateClass(w.meta, f, id)
	if err != nil {
		w.t.Fatalf("AllocateClass: %v", err)
	}
	return a
}

func (w *world) processHeap(young, old int) *Heap {
	return New(w.mem, "process", Config{YoungSize: young, OldSize: old})
}

func (w *world) newPair(h *Heap, id int64, ref Word) Address {
	w.t.Helper()
	a, err := h.AllocateInstance(w.pair)
	if err != nil {
		w.t.Fatalf("AllocateInstance: %v", err)
	}
	h.Store(a, 0, FromSmallInt(id))
	h.Store(a, 1, ref)
	return a
}

func (w *world) newArray(h *Heap, n int) Address {
	w.t.Helper()
	a, err := h.AllocateArray(w.array, n, Zero)
	if err != nil {
		w.t.Fatalf("AllocateArray(%d): %v", n, err)
	}
	return a
}

// roots is a plain slice of off-heap slots.
type roots struct {
	slots []Word
}

func (r *roots) IterateRoots(v PointerVisitor) { VisitRoots(v, r.slots) }

func (r *roots) add(a Address) int {
	r.slots = append(r.slots, FromAddress(a))
	return len(r.slots) - 1
}

func (r *roots) at(i int) Address { return r.slots[i].Address() }

// reachableIDs follows pair chains from the roots and collects ids.
func reachableIDs(h *Heap, r *roots) map[int64]bool {
	ids := make(map[int64]bool)
	seen := make(map[Address]bool)
	var work []Address
	for _, s := range r.slots {
		if s.IsObject() {
			work = append(work, s.Address())
		}
	}
	for len(work) > 0 {
		a := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[a] {
			continue
		}
		seen[a] = true
		ids[h.Load(a, 0).SmallInt()] = true
		if ref := h.Load(a, 1); ref.IsObject() {
			work = append(work, ref.Address())
		}
	}
	return ids
}
