package heap

import "fmt"

// Chunk size bounds used by DefaultChunkSize.
const (
	MinimumChunkSize = 4 * 1024
	MaximumChunkSize = 256 * 1024
)

// DefaultChunkSize returns a chunk size between MinimumChunkSize and
// MaximumChunkSize, trying to keep chunks below 20% of the heap.
func DefaultChunkSize(heapSize int) int {
	return min(max(MinimumChunkSize, heapSize/5), MaximumChunkSize)
}

// Space is a chain of chunks supporting allocation and traversal. It is
// embedded by SemiSpace and OldSpace.
//
// Spaces are not safe for concurrent use: a process heap is only touched
// by the worker running the process, a shared heap by its lock holder or
// the collector during a stop-the-world pause.
type Space struct {
	memory *Memory
	name   string
	chunks []*Chunk

	used  int     // bytes in objects (semantics differ per space)
	top   Address // allocation top in the current area
	limit Address // allocation limit in the current area

	initialChunkSize    int
	allocationBudget    int
	noAllocationNesting int
}

func (s *Space) init(m *Memory, name string, initialSize int) {
	s.memory = m
	s.name = name
	s.initialChunkSize = DefaultChunkSize(initialSize)
	s.allocationBudget = max(initialSize, s.initialChunkSize)
}

// Memory returns the memory the space allocates chunks from.
func (s *Space) Memory() *Memory { return s.memory }

// Name returns the diagnostic name of the space.
func (s *Space) Name() string { return s.name }

// Chunks returns the chunks of the space in allocation order.
func (s *Space) Chunks() []*Chunk { return s.chunks }

// IsEmpty returns true if the space holds no chunks.
func (s *Space) IsEmpty() bool { return len(s.chunks) == 0 }

// Includes returns true if a lies in a chunk owned by this space.
func (s *Space) Includes(a Address) bool {
	return s.memory.IsAddressInSpace(a, s)
}

// Size returns the total size of the chunks of the space.
func (s *Space) Size() int {
	n := 0
	for _, c := range s.chunks {
		n += c.Size()
	}
	return n
}

// ---------------------------------------------------------------------------
// Allocation budget
// ---------------------------------------------------------------------------

// AdjustAllocationBudget resets the budget from the current heap size, so
// the heap may roughly double before the next collection.
func (s *Space) AdjustAllocationBudget(used, usedOutsideSpace int) {
	total := used + usedOutsideSpace
	s.allocationBudget = max(DefaultChunkSize(total), total)
}

func (s *Space) IncreaseAllocationBudget(size int) { s.allocationBudget += size }
func (s *Space) DecreaseAllocationBudget(size int) { s.allocationBudget -= size }
func (s *Space) SetAllocationBudget(budget int)    { s.allocationBudget = budget }

// AllocationBudget returns the bytes left before a collection is needed.
func (s *Space) AllocationBudget() int { return s.allocationBudget }

// NeedsGarbageCollection reports whether the budget is exhausted.
func (s *Space) NeedsGarbageCollection() bool { return s.allocationBudget <= 0 }

// InNoAllocationFailureScope reports whether allocation must not fail.
func (s *Space) InNoAllocationFailureScope() bool { return s.noAllocationNesting != 0 }

// NoAllocationFailureScope makes allocation ignore the budget until the
// returned function is called. Scopes nest.
//
//	defer space.NoAllocationFailureScope()()
func (s *Space) NoAllocationFailureScope() (release func()) {
	s.noAllocationNesting++
	return func() { s.noAllocationNesting-- }
}

// ---------------------------------------------------------------------------
// Chunk management
// ---------------------------------------------------------------------------

// newChunk obtains a chunk of at least size bytes and appends it. Running
// out of memory inside a no-allocation-failure scope is fatal.
func (s *Space) newChunk(size int) (*Chunk, error) {
	size = max(size, s.initialChunkSize)
	c, err := s.memory.AllocateChunk(s, size)
	if err != nil {
		if s.InNoAllocationFailureScope() {
			logger.Criticalf("%s: %s", s.name, err)
			panic(fmt.Sprintf("Space.newChunk: %s: %v", s.name, err))
		}
		return nil, err
	}
	s.chunks = append(s.chunks, c)
	return c, nil
}

func (s *Space) freeAllChunks() {
	for _, c := range s.chunks {
		s.memory.FreeChunk(c)
	}
	s.chunks = nil
	s.top, s.limit = NoAddress, NoAddress
	s.used = 0
}

func (s *Space) lastChunk() *Chunk {
	if len(s.chunks) == 0 {
		return nil
	}
	return s.chunks[len(s.chunks)-1]
}

// iterateRange walks objects in [from, to).
func (s *Space) iterateRange(from, to Address, v HeapObjectVisitor) {
	for a := from; a < to; {
		size := v.Visit(a)
		if size <= 0 {
			panic(fmt.Sprintf("%s: object at %s reported size %d", s.name, a, size))
		}
		a += Address(size)
	}
}
