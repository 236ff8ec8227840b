package heap

import "testing"

func newFreeListFixture(t *testing.T) (*FreeList, *Chunk) {
	t.Helper()
	m := NewMemory(0)
	var s Space
	s.init(m, "free", 0)
	c, err := m.AllocateChunk(&s, 4*PageSize)
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	return NewFreeList(m), c
}

func TestFreeListSmallBlocksBecomeFillers(t *testing.T) {
	fl, c := newFreeListFixture(t)
	fl.AddChunk(c.Base(), 2*WordSize)
	if fl.Len() != 0 {
		t.Fatalf("Len() = %d, blocks under %d bytes are not listed", fl.Len(), FreeListChunkSize*WordSize)
	}
	for i := 0; i < 2; i++ {
		if !fl.memory.isStatic(c.Base().Add(i), StaticFiller) {
			t.Errorf("word %d is not a filler", i)
		}
	}
}

func TestFreeListReturnsLargeEnoughBlock(t *testing.T) {
	fl, c := newFreeListFixture(t)
	base := c.Base()
	fl.AddChunk(base, 32)
	fl.AddChunk(base+64, 200)
	fl.AddChunk(base+512, 1024)

	if fl.Len() != 3 || fl.Bytes() != 32+200+1024 {
		t.Fatalf("Len/Bytes = %d/%d", fl.Len(), fl.Bytes())
	}

	// The largest guaranteed bucket is searched first.
	a, size := fl.GetChunk(100)
	if a != base+512 || size != 1024 {
		t.Errorf("GetChunk(100) = %s/%d, want the 1024 byte block", a, size)
	}
	a, size = fl.GetChunk(100)
	if a != base+64 || size != 200 {
		t.Errorf("GetChunk(100) = %s/%d, want the 200 byte block", a, size)
	}
	if a, _ = fl.GetChunk(100); a != NoAddress {
		t.Errorf("GetChunk(100) = %s, want NoAddress", a)
	}
	a, size = fl.GetChunk(24)
	if a != base || size != 32 {
		t.Errorf("GetChunk(24) = %s/%d, want the 32 byte block", a, size)
	}
}

func TestFreeListSearchesPartialBucket(t *testing.T) {
	fl, c := newFreeListFixture(t)
	base := c.Base()
	// 40 and 56 share the [32, 64) bucket; only 56 satisfies 48.
	fl.AddChunk(base+128, 56)
	fl.AddChunk(base, 40)

	a, size := fl.GetChunk(48)
	if a != base+128 || size != 56 {
		t.Errorf("GetChunk(48) = %s/%d, want the 56 byte block", a, size)
	}
	if fl.Len() != 1 {
		t.Errorf("Len() = %d after removal, want 1", fl.Len())
	}
}
