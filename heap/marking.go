package heap

// ---------------------------------------------------------------------------
// MarkingStack: explicit, chunked work list for marking
// ---------------------------------------------------------------------------

const markingStackChunkSize = 128

type markingStackChunk struct {
	entries [markingStackChunkSize]Address
	n       int
	next    *markingStackChunk
}

// MarkingStack holds marked objects whose fields have not been traced yet.
// It grows in fixed-size chunks so marking depth never depends on the
// goroutine stack.
type MarkingStack struct {
	top   *markingStackChunk
	spare *markingStackChunk
	depth int
	peak  int
}

// Push adds a to the stack.
func (s *MarkingStack) Push(a Address) {
	if s.top == nil || s.top.n == markingStackChunkSize {
		c := s.spare
		if c != nil {
			s.spare = nil
		} else {
			c = &markingStackChunk{}
		}
		c.next = s.top
		s.top = c
	}
	s.top.entries[s.top.n] = a
	s.top.n++
	s.depth++
	s.peak = max(s.peak, s.depth)
}

// Pop removes the most recently pushed address.
func (s *MarkingStack) Pop() (Address, bool) {
	for s.top != nil && s.top.n == 0 {
		c := s.top
		s.top = c.next
		c.next = nil
		s.spare = c
	}
	if s.top == nil {
		return NoAddress, false
	}
	s.top.n--
	s.depth--
	return s.top.entries[s.top.n], true
}

// IsEmpty reports whether no work is left.
func (s *MarkingStack) IsEmpty() bool {
	return s.depth == 0
}

// Peak returns the largest depth reached.
func (s *MarkingStack) Peak() int { return s.peak }

// Process traces objects until the stack is empty. Tracing may push more.
func (s *MarkingStack) Process(m *Memory, v PointerVisitor) {
	for {
		a, ok := s.Pop()
		if !ok {
			return
		}
		m.IteratePointers(a, v)
	}
}

// ---------------------------------------------------------------------------
// MarkingVisitor
// ---------------------------------------------------------------------------

// MarkingVisitor sets the mark bit of every reached object inside the
// collected spaces and pushes it for tracing. With stack chaining enabled,
// each reached Stack object is linked into a list through its next slot.
type MarkingVisitor struct {
	memory *Memory
	spaces []*Space
	stack  *MarkingStack

	chainStacks bool
	stackChain  Address
	stackCount  int
	marked      int
}

// NewMarkingVisitor creates a visitor marking objects in spaces.
func NewMarkingVisitor(m *Memory, stack *MarkingStack, spaces ...*Space) *MarkingVisitor {
	return &MarkingVisitor{memory: m, stack: stack, spaces: spaces}
}

// ChainStacks enables linking of reached stacks.
func (v *MarkingVisitor) ChainStacks() { v.chainStacks = true }

// StackChain returns the head of the stack chain and its length.
func (v *MarkingVisitor) StackChain() (Address, int) { return v.stackChain, v.stackCount }

// Marked returns the number of objects marked.
func (v *MarkingVisitor) Marked() int { return v.marked }

func (v *MarkingVisitor) VisitBlock(_ Address, slots []Word) {
	for _, w := range slots {
		if w.IsObject() {
			v.mark(w.Address())
		}
	}
}

// VisitClass marks the class, ignoring the mark bit stored with it.
func (v *MarkingVisitor) VisitClass(slot *Word) {
	v.mark(Header(*slot).Class())
}

func (v *MarkingVisitor) inScope(a Address) bool {
	s := v.memory.SpaceFor(a)
	if s == nil {
		return false
	}
	for _, t := range v.spaces {
		if s == t {
			return true
		}
	}
	return false
}

func (v *MarkingVisitor) mark(a Address) {
	if !v.inScope(a) {
		return
	}
	slot := v.memory.Slot(a)
	h := Header(*slot)
	if !h.IsClass() || h.IsMarked() {
		return
	}
	*slot = Word(h.withMark())
	v.marked++
	if v.chainStacks && v.memory.FormatOf(a).Type() == TypeStack {
		next := Zero
		if v.stackChain != NoAddress {
			next = FromAddress(v.stackChain)
		}
		v.memory.Store(a.Add(stackNextIndex), next)
		v.stackChain = a
		v.stackCount++
	}
	v.stack.Push(a)
}

// ---------------------------------------------------------------------------
// Stack chains
// ---------------------------------------------------------------------------

// StackChain is the list of Stack objects linked during a marking pass.
type StackChain struct {
	memory *Memory
	head   Address
	count  int
}

// Len returns the number of chained stacks.
func (c StackChain) Len() int { return c.count }

// Visit calls fn for every chained stack.
func (c StackChain) Visit(fn func(stack Address)) {
	for a := c.head; a != NoAddress; {
		next := c.memory.Load(a.Add(stackNextIndex))
		fn(a)
		if !next.IsObject() {
			return
		}
		a = next.Address()
	}
}

// Unchain clears the next slot of every chained stack.
func (c StackChain) Unchain() {
	for a := c.head; a != NoAddress; {
		next := c.memory.Load(a.Add(stackNextIndex))
		c.memory.Store(a.Add(stackNextIndex), Zero)
		if !next.IsObject() {
			return
		}
		a = next.Address()
	}
}
