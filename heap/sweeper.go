package heap

type freeRun struct {
	start Address
	size  int
}

// SweepResult describes one old-space sweep.
type SweepResult struct {
	Live      int // bytes in surviving objects
	Freed     int // bytes returned to the free list (including old free blocks)
	Survivors int
	FreeRuns  int
}

// Sweep rebuilds the free list of s from unmarked runs and clears the mark
// bits of survivors. Adjacent dead objects, free blocks and fillers are
// coalesced into one block.
//
// Runs are collected for the whole space before any block is written, since
// a dead object's size may depend on a dead class swept in the same pass.
func (s *OldSpace) Sweep() SweepResult {
	s.Flush()
	s.freeList.Clear()
	m := s.memory

	var res SweepResult
	var runs []freeRun
	for _, c := range s.chunks {
		freeStart := NoAddress
		for a := c.base; a < c.limit; {
			slot := m.Slot(a)
			h := Header(*slot)
			size := m.SizeOf(a)
			if h.IsMarked() {
				if freeStart != NoAddress {
					runs = append(runs, freeRun{freeStart, int(a - freeStart)})
					freeStart = NoAddress
				}
				*slot = Word(h.withoutMark())
				res.Live += size
				res.Survivors++
			} else if freeStart == NoAddress {
				freeStart = a
			}
			a += Address(size)
		}
		if freeStart != NoAddress {
			runs = append(runs, freeRun{freeStart, int(c.limit - freeStart)})
		}
	}
	for _, r := range runs {
		s.freeList.AddChunk(r.start, r.size)
		res.Freed += r.size
	}
	res.FreeRuns = len(runs)
	s.used = res.Live
	return res
}

// ClearMarks removes mark bits left on young objects by a mark-sweep of
// the old generation. Young objects are never freed by mark-sweep.
func (s *SemiSpace) ClearMarks() int {
	n := 0
	m := s.memory
	s.IterateObjects(HeapObjectVisitorFunc(func(a Address) int {
		slot := m.Slot(a)
		if h := Header(*slot); h.IsMarked() {
			*slot = Word(h.withoutMark())
			n++
		}
		return m.SizeOf(a)
	}))
	return n
}
