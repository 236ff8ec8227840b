package heap

import "fmt"

// Remembered set granularity. A dirty card means some slot in it may point
// into the young generation.
const (
	cardBits = 9
	CardSize = 1 << cardBits
)

// OldSpace is a non-moving mark-sweep space. Allocation bumps through a
// linear area carved from the free list or from a fresh chunk.
type OldSpace struct {
	Space
	freeList *FreeList

	trackingAllocations bool
	promotedTrack       Address // head of the chain of open tracks
	currentTrack        Address // track covering the current linear area
	promoted            int
}

// NewOldSpace creates an empty old space.
func NewOldSpace(m *Memory, name string, initialSize int) *OldSpace {
	s := &OldSpace{freeList: NewFreeList(m)}
	s.init(m, name, initialSize)
	return s
}

// FreeList returns the free list of the space.
func (s *OldSpace) FreeList() *FreeList { return s.freeList }

// Used returns the bytes held by allocated objects.
func (s *OldSpace) Used() int { return s.used }

// Promoted returns the bytes promoted during the current or last scavenge.
func (s *OldSpace) Promoted() int { return s.promoted }

// Allocate reserves size bytes. When the current linear area is exhausted
// and the allocation budget is spent it returns ErrRetryAfterGC, unless a
// no-allocation-failure scope is active.
func (s *OldSpace) Allocate(size int) (Address, error) {
	if size <= 0 || size%WordSize != 0 {
		panic(fmt.Sprintf("OldSpace.Allocate: bad size %d", size))
	}
	if s.top == NoAddress || s.top+Address(size) > s.limit {
		if s.NeedsGarbageCollection() && !s.InNoAllocationFailureScope() {
			return NoAddress, ErrRetryAfterGC
		}
		if !s.allocateFromFreeList(size) {
			if err := s.allocateInNewChunk(size); err != nil {
				return NoAddress, err
			}
		}
	}
	a := s.top
	s.top += Address(size)
	s.used += size
	s.DecreaseAllocationBudget(size)
	if s.trackingAllocations {
		s.promoted += size
	}
	return a, nil
}

// TryDealloc rewinds the allocation top if a is the most recent
// allocation of size bytes.
func (s *OldSpace) TryDealloc(a Address, size int) bool {
	if a+Address(size) != s.top {
		return false
	}
	s.top = a
	s.used -= size
	s.IncreaseAllocationBudget(size)
	if s.trackingAllocations {
		s.promoted -= size
	}
	return true
}

func (s *OldSpace) areaSizeFor(size int) int {
	if s.trackingAllocations {
		return size + PromotedTrackSize*WordSize
	}
	return size
}

func (s *OldSpace) allocateFromFreeList(size int) bool {
	s.Flush()
	a, n := s.freeList.GetChunk(s.areaSizeFor(size))
	if a == NoAddress {
		return false
	}
	s.top, s.limit = a, a+Address(n)
	s.openTrack()
	return true
}

func (s *OldSpace) allocateInNewChunk(size int) error {
	s.Flush()
	c, err := s.newChunk(s.areaSizeFor(size))
	if err != nil {
		return err
	}
	c.cards = make([]uint8, (c.Size()+CardSize-1)/CardSize)
	s.top, s.limit = c.base, c.limit
	s.openTrack()
	return nil
}

// Flush closes the current linear area and returns its unused remainder to
// the free list, making every chunk iterable up to its limit.
func (s *OldSpace) Flush() {
	if s.top == NoAddress {
		return
	}
	s.closeTrack()
	if s.top < s.limit {
		s.freeList.AddChunk(s.top, int(s.limit-s.top))
	}
	s.top, s.limit = NoAddress, NoAddress
}

// IterateObjects visits every object, including free blocks and fillers.
func (s *OldSpace) IterateObjects(v HeapObjectVisitor) {
	s.Flush()
	for _, c := range s.chunks {
		s.iterateRange(c.base, c.limit, v)
	}
}

// IsAlive reports whether the object was marked.
func (s *OldSpace) IsAlive(a Address) bool {
	return Header(s.memory.Load(a)).IsMarked()
}

// NewLocation is the identity: old space never moves objects.
func (s *OldSpace) NewLocation(a Address) Address { return a }

// Release frees all chunks of the space.
func (s *OldSpace) Release() {
	s.freeList.Clear()
	s.freeAllChunks()
}

// ---------------------------------------------------------------------------
// Promotion tracking
// ---------------------------------------------------------------------------

// A promoted track is written at the start of every linear area opened
// while a scavenge is running. Its size spans the whole area, so it lists
// exactly the objects promoted into it.

func (s *OldSpace) openTrack() {
	if !s.trackingAllocations {
		return
	}
	a := s.top
	slots := s.memory.Slots(a, PromotedTrackSize)
	slots[0] = Word(staticHeader(StaticPromotedTrack))
	slots[1] = FromSmallInt(int64(s.promotedTrack))
	slots[2] = FromSmallInt(int64(a.Add(PromotedTrackSize)))
	s.promotedTrack = a
	s.currentTrack = a
	s.top = a.Add(PromotedTrackSize)
}

func (s *OldSpace) closeTrack() {
	if s.currentTrack == NoAddress {
		return
	}
	s.memory.Store(s.currentTrack.Add(2), FromSmallInt(int64(s.top)))
	s.currentTrack = NoAddress
}

// StartScavenge begins tracking promoted objects.
func (s *OldSpace) StartScavenge() {
	s.Flush()
	s.trackingAllocations = true
	s.promotedTrack = NoAddress
	s.promoted = 0
}

// CompleteScavengeGenerational scans the objects promoted since the last
// call and reports whether there were any.
func (s *OldSpace) CompleteScavengeGenerational(v PointerVisitor) bool {
	s.Flush()
	head := s.promotedTrack
	s.promotedTrack = NoAddress
	work := false
	m := s.memory
	for t := head; t != NoAddress; {
		next := Address(m.Load(t.Add(1)).SmallInt())
		end := Address(m.Load(t.Add(2)).SmallInt())
		for a := t.Add(PromotedTrackSize); a < end; {
			size := m.SizeOf(a)
			m.IteratePointers(a, v)
			a += Address(size)
			work = true
		}
		// The track header becomes an unlisted free block; the next
		// sweep reclaims it.
		m.writeFreeListChunk(t, PromotedTrackSize*WordSize, NoAddress)
		t = next
	}
	return work
}

// EndScavenge stops tracking promoted objects.
func (s *OldSpace) EndScavenge() {
	s.Flush()
	if s.promotedTrack != NoAddress {
		panic("OldSpace.EndScavenge: unscanned promoted objects")
	}
	s.trackingAllocations = false
}

// ---------------------------------------------------------------------------
// Remembered set
// ---------------------------------------------------------------------------

// RecordWrite marks the card containing slot as dirty.
func (s *OldSpace) RecordWrite(slot Address) {
	c := s.memory.ChunkFor(slot)
	if c == nil || c.cards == nil {
		return
	}
	c.cards[(slot-c.base)>>cardBits] = 1
}

// DirtyCards returns the number of dirty cards.
func (s *OldSpace) DirtyCards() int {
	n := 0
	for _, c := range s.chunks {
		for _, d := range c.cards {
			if d != 0 {
				n++
			}
		}
	}
	return n
}

// VisitRememberedSet visits every object overlapping a dirty card and
// clears the cards. The visitor re-dirties cards that still hold young
// pointers afterwards.
func (s *OldSpace) VisitRememberedSet(v PointerVisitor) {
	s.Flush()
	var objects []Address
	for _, c := range s.chunks {
		if !hasDirtyCard(c) {
			continue
		}
		for a := c.base; a < c.limit; {
			size := s.memory.SizeOf(a)
			first := int(a-c.base) >> cardBits
			last := int(a+Address(size)-1-c.base) >> cardBits
			for i := first; i <= last; i++ {
				if c.cards[i] != 0 {
					objects = append(objects, a)
					break
				}
			}
			a += Address(size)
		}
		clear(c.cards)
	}
	for _, a := range objects {
		s.memory.IteratePointers(a, v)
	}
}

func hasDirtyCard(c *Chunk) bool {
	for _, d := range c.cards {
		if d != 0 {
			return true
		}
	}
	return false
}
