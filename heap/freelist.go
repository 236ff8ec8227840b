package heap

import "math/bits"

const numberOfBuckets = 12

// FreeList is a segregated list of free blocks in old space. Bucket i holds
// blocks whose size in bytes has its highest set bit at position i+1; the
// last bucket holds everything larger.
//
// Free blocks are FreeListChunk objects, linked through their next slot.
type FreeList struct {
	memory  *Memory
	buckets [numberOfBuckets]Address
}

// NewFreeList returns an empty free list over m.
func NewFreeList(m *Memory) *FreeList {
	return &FreeList{memory: m}
}

func bucketFor(size int) int {
	return min(bits.Len(uint(size))-1, numberOfBuckets-1)
}

// AddChunk makes [start, start+size) available for allocation. Blocks too
// small to hold a FreeListChunk become fillers that the next sweep will
// coalesce with their neighbours.
func (f *FreeList) AddChunk(start Address, size int) {
	if size < FreeListChunkSize*WordSize {
		f.memory.writeFiller(start, size)
		return
	}
	b := bucketFor(size)
	f.memory.writeFreeListChunk(start, size, f.buckets[b])
	f.buckets[b] = start
}

// GetChunk removes and returns a block of at least minSize bytes, or
// NoAddress if none is available.
func (f *FreeList) GetChunk(minSize int) (Address, int) {
	smallest := bits.Len(uint(minSize))
	m := f.memory

	// Largest bucket whose blocks are all big enough.
	for i := numberOfBuckets - 1; i >= smallest; i-- {
		if a := f.buckets[i]; a != NoAddress {
			f.buckets[i] = m.freeListChunkNext(a)
			m.setFreeListChunkNext(a, NoAddress)
			return a, m.SizeOf(a)
		}
	}

	// The bucket below may hold blocks that happen to be big enough.
	if smallest > numberOfBuckets {
		smallest = numberOfBuckets
	}
	b := smallest - 1
	previous := NoAddress
	for current := f.buckets[b]; current != NoAddress; current = m.freeListChunkNext(current) {
		if size := m.SizeOf(current); size >= minSize {
			next := m.freeListChunkNext(current)
			if previous != NoAddress {
				m.setFreeListChunkNext(previous, next)
			} else {
				f.buckets[b] = next
			}
			m.setFreeListChunkNext(current, NoAddress)
			return current, size
		}
		previous = current
	}
	return NoAddress, 0
}

// Clear drops all blocks. The memory keeps its FreeListChunk headers, so
// it stays iterable.
func (f *FreeList) Clear() {
	f.buckets = [numberOfBuckets]Address{}
}

// Bytes returns the total size of the listed blocks.
func (f *FreeList) Bytes() int {
	n := 0
	for _, head := range f.buckets {
		for a := head; a != NoAddress; a = f.memory.freeListChunkNext(a) {
			n += f.memory.SizeOf(a)
		}
	}
	return n
}

// Len returns the number of listed blocks.
func (f *FreeList) Len() int {
	n := 0
	for _, head := range f.buckets {
		for a := head; a != NoAddress; a = f.memory.freeListChunkNext(a) {
			n++
		}
	}
	return n
}
