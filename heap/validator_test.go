package heap

import (
	"errors"
	"testing"
)

func TestValidatorAcceptsCollectedHeap(t *testing.T) {
	w := newWorld(t)
	h := w.processHeap(64*1024, 256*1024)
	r := &roots{}
	h.SetRoots(r)

	next := Zero
	for i := 0; i < 50; i++ {
		next = FromAddress(w.newPair(h, int64(i), next))
	}
	r.add(next.Address())
	arr := w.newArray(h, 3)
	h.AtPut(arr, 1, next)
	r.add(arr)

	if err := NewValidator(h, w.classes).Validate(); err != nil {
		t.Fatalf("fresh heap: %v", err)
	}
	h.CollectYoung()
	h.CollectYoung()
	h.CollectOld()
	if err := NewValidator(h, w.classes).Validate(); err != nil {
		t.Fatalf("after collections: %v", err)
	}
}

func TestValidatorReportsInteriorPointer(t *testing.T) {
	w := newWorld(t)
	h := w.processHeap(64*1024, 256*1024)
	r := &roots{}
	h.SetRoots(r)

	a := w.newPair(h, 1, Zero)
	r.add(a)
	r.slots = append(r.slots, FromAddress(a.Add(1)))

	err := NewValidator(h, w.classes).Validate()
	if !errors.Is(err, ErrInconsistentHeap) {
		t.Fatalf("Validate() = %v, want ErrInconsistentHeap", err)
	}
}

func TestValidatorRejectsUnknownClass(t *testing.T) {
	w := newWorld(t)
	h := w.processHeap(64*1024, 256*1024)
	r := &roots{}
	h.SetRoots(r)
	r.add(w.newPair(h, 1, Zero))

	// Without the class heap the class pointer dangles.
	if err := NewValidator(h).Validate(); !errors.Is(err, ErrInconsistentHeap) {
		t.Fatalf("Validate() = %v, want ErrInconsistentHeap", err)
	}
}
