package heap

import "fmt"

// SemiSpace is a copying space with bump allocation. A young generation is
// one SemiSpace; scavenging copies its survivors into a fresh one.
type SemiSpace struct {
	Space
}

// NewSemiSpace creates an empty semi-space. The first chunk is obtained on
// the first allocation.
func NewSemiSpace(m *Memory, name string, initialSize int) *SemiSpace {
	s := &SemiSpace{}
	s.init(m, name, initialSize)
	return s
}

// Used returns the bytes held by objects (including tails of chunks that
// were left when the next object did not fit).
func (s *SemiSpace) Used() int {
	if c := s.lastChunk(); c != nil {
		return s.used + int(s.top-c.base)
	}
	return s.used
}

// Allocate reserves size bytes. It returns ErrRetryAfterGC when the budget
// is exhausted outside a no-allocation-failure scope.
func (s *SemiSpace) Allocate(size int) (Address, error) {
	if size <= 0 || size%WordSize != 0 {
		panic(fmt.Sprintf("SemiSpace.Allocate: bad size %d", size))
	}
	if s.NeedsGarbageCollection() && !s.InNoAllocationFailureScope() {
		return NoAddress, ErrRetryAfterGC
	}
	if s.top == NoAddress || s.top+Address(size) > s.limit {
		if err := s.allocateInNewChunk(size); err != nil {
			return NoAddress, err
		}
	}
	a := s.top
	s.top += Address(size)
	s.DecreaseAllocationBudget(size)
	return a, nil
}

// TryDealloc rewinds the allocation top if a is the most recent
// allocation of size bytes.
func (s *SemiSpace) TryDealloc(a Address, size int) bool {
	if a+Address(size) != s.top {
		return false
	}
	s.top = a
	s.IncreaseAllocationBudget(size)
	return true
}

func (s *SemiSpace) allocateInNewChunk(size int) error {
	s.retireCurrentChunk()
	c, err := s.newChunk(size)
	if err != nil {
		return err
	}
	s.top, s.limit = c.base, c.limit
	return nil
}

// retireCurrentChunk fills the unused tail of the current chunk so that the
// chunk can be iterated up to its limit.
func (s *SemiSpace) retireCurrentChunk() {
	c := s.lastChunk()
	if c == nil {
		return
	}
	if s.top < s.limit {
		s.memory.writeFiller(s.top, int(s.limit-s.top))
	}
	s.used += int(s.top - c.base)
	s.top = s.limit
}

func (s *SemiSpace) chunkEnd(c *Chunk) Address {
	if c == s.lastChunk() {
		return s.top
	}
	return c.limit
}

// IterateObjects visits every object in allocation order.
func (s *SemiSpace) IterateObjects(v HeapObjectVisitor) {
	for _, c := range s.chunks {
		s.iterateRange(c.base, s.chunkEnd(c), v)
	}
}

// PrependSpace moves all chunks of other in front of the chunks of s.
// other is left empty.
func (s *SemiSpace) PrependSpace(other *SemiSpace) {
	if other.IsEmpty() {
		return
	}
	for _, c := range other.chunks {
		c.owner.Store(&s.Space)
	}
	if s.IsEmpty() {
		// Adopt the allocation area of other.
		s.chunks = other.chunks
		s.used = other.used
		s.top, s.limit = other.top, other.limit
	} else {
		other.retireCurrentChunk()
		s.used += other.used
		s.chunks = append(append([]*Chunk(nil), other.chunks...), s.chunks...)
	}
	other.chunks = nil
	other.top, other.limit = NoAddress, NoAddress
	other.used = 0
}

// ---------------------------------------------------------------------------
// Scavenge support
// ---------------------------------------------------------------------------

// IsAlive reports whether an object of this (from-)space was copied.
func (s *SemiSpace) IsAlive(a Address) bool {
	return Header(s.memory.Load(a)).IsForwarded()
}

// NewLocation returns where a surviving object was copied to.
func (s *SemiSpace) NewLocation(a Address) Address {
	return Header(s.memory.Load(a)).ForwardingAddress()
}

// Survived reports whether the object at a was already copied by a
// previous scavenge.
func (s *SemiSpace) Survived(a Address) bool {
	c := s.memory.ChunkFor(a)
	return c != nil && a < c.waterMark
}

// StartScavenge resets the scan cursors of all chunks.
func (s *SemiSpace) StartScavenge() {
	for _, c := range s.chunks {
		c.scavengePointer = c.base
	}
}

// CompleteScavengeGenerational scans objects copied since the last call
// and reports whether any were found.
func (s *SemiSpace) CompleteScavengeGenerational(v PointerVisitor) bool {
	work := false
	for i := 0; i < len(s.chunks); i++ {
		c := s.chunks[i]
		if c.scavengePointer < c.base {
			c.scavengePointer = c.base
		}
		for c.scavengePointer < s.chunkEnd(c) {
			a := c.scavengePointer
			c.scavengePointer += Address(s.memory.SizeOf(a))
			s.memory.IteratePointers(a, v)
			work = true
		}
	}
	return work
}

// markSurvivors records that every object currently held survived.
func (s *SemiSpace) markSurvivors() {
	for _, c := range s.chunks {
		c.waterMark = s.chunkEnd(c)
	}
}

// release frees all chunks; used on the from-space after a scavenge.
func (s *SemiSpace) release() {
	s.freeAllChunks()
}
