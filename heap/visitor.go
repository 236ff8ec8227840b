package heap

// PointerVisitor is the single tracing contract shared by the scavenger,
// the marker and the validator.
type PointerVisitor interface {
	// VisitBlock visits consecutive slots that may hold object pointers and
	// may rewrite them in place. start is the address of slots[0], or
	// NoAddress when the slots do not live in the heap (roots).
	VisitBlock(start Address, slots []Word)

	// VisitClass visits an object's header slot. The header may carry the
	// mark bit, which the visitor has to ignore.
	VisitClass(slot *Word)
}

// HeapObjectVisitor visits objects in address order. Visit returns the
// size of the object in bytes so the caller can step to the next one.
type HeapObjectVisitor interface {
	Visit(object Address) int
}

// HeapObjectVisitorFunc adapts a function to HeapObjectVisitor.
type HeapObjectVisitorFunc func(object Address) int

func (f HeapObjectVisitorFunc) Visit(object Address) int { return f(object) }

// Liveness answers post-collection questions about a collected space.
// It is only meaningful between tracing and the release (or sweep) of the
// collected memory.
type Liveness interface {
	Includes(a Address) bool
	IsAlive(a Address) bool
	NewLocation(a Address) Address
}

// Roots enumerates the strong references held outside the heap.
type Roots interface {
	IterateRoots(v PointerVisitor)
}

// RootsFunc adapts a function to Roots.
type RootsFunc func(v PointerVisitor)

func (f RootsFunc) IterateRoots(v PointerVisitor) { f(v) }

// VisitRoot presents a single off-heap slot to v.
func VisitRoot(v PointerVisitor, slot *Word) {
	tmp := []Word{*slot}
	v.VisitBlock(NoAddress, tmp)
	*slot = tmp[0]
}

// VisitRoots presents a slice of off-heap slots to v.
func VisitRoots(v PointerVisitor, slots []Word) {
	if len(slots) > 0 {
		v.VisitBlock(NoAddress, slots)
	}
}

// PointerVisitorFunc adapts a block function to PointerVisitor. Class slots
// are skipped.
type PointerVisitorFunc func(start Address, slots []Word)

func (f PointerVisitorFunc) VisitBlock(start Address, slots []Word) { f(start, slots) }
func (f PointerVisitorFunc) VisitClass(*Word)                      {}
