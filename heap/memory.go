package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Chunks
// ---------------------------------------------------------------------------

// PageSize is the granularity of chunk allocation and of the page table.
const (
	pageBits = 12
	PageSize = 1 << pageBits
)

// Chunk is a contiguous, page aligned block of object memory owned by
// exactly one space. Base and limit never change.
type Chunk struct {
	owner    atomic.Pointer[Space]
	base     Address
	limit    Address
	words    []Word
	external bool

	// scavengePointer is the scan cursor used while this chunk is part of
	// a to-space.
	scavengePointer Address

	// waterMark separates objects that survived a scavenge (below) from
	// objects the mutator allocated afterwards (above).
	waterMark Address

	// cards is the remembered set of old-space chunks.
	cards []uint8
}

func (c *Chunk) Base() Address    { return c.base }
func (c *Chunk) Limit() Address   { return c.limit }
func (c *Chunk) Size() int        { return int(c.limit - c.base) }
func (c *Chunk) IsExternal() bool { return c.external }
func (c *Chunk) Owner() *Space    { return c.owner.Load() }

// Includes returns true if a lies inside the chunk.
func (c *Chunk) Includes(a Address) bool {
	return a >= c.base && a < c.limit
}

func (c *Chunk) index(a Address) int {
	return int((a - c.base) / WordSize)
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk[%s, %s)", c.base, c.limit)
}

// ---------------------------------------------------------------------------
// Page table
// ---------------------------------------------------------------------------

// The simulated address space is 48 bits wide. After removing the 12 page
// offset bits, the remaining 36 bits index three tables:
//
//	[ 16: zeros | 13: directory | 13: table | 10: page | 12: offset ]
const (
	addressBits   = 48
	pageIndexBits = 10
	tableBits     = 13
	directoryBits = 13
)

type pageTable struct {
	chunks [1 << pageIndexBits]atomic.Pointer[Chunk]
}

type pageDirectory struct {
	tables [1 << tableBits]atomic.Pointer[pageTable]
}

func pageIndices(a Address) (dir, table, page int) {
	p := uint64(a) >> pageBits
	page = int(p & (1<<pageIndexBits - 1))
	p >>= pageIndexBits
	table = int(p & (1<<tableBits - 1))
	p >>= tableBits
	dir = int(p & (1<<directoryBits - 1))
	return
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// firstChunkAddress keeps the low 4 GiB unmapped so small integers never
// look like valid addresses.
const firstChunkAddress Address = 1 << 32

// Memory hands out chunks to spaces and answers space membership queries in
// constant time. All heaps of one scheduler share a Memory.
type Memory struct {
	mu    sync.Mutex
	next  Address
	limit int64

	allocated atomic.Int64
	chunks    atomic.Int64

	directories [1 << directoryBits]atomic.Pointer[pageDirectory]
}

// NewMemory creates a memory with an upper bound of limit bytes of
// non-external chunks. A limit of zero means unbounded.
func NewMemory(limit int64) *Memory {
	return &Memory{next: firstChunkAddress, limit: limit}
}

func roundUpToPage(size int) int {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// AllocateChunk returns a new page aligned chunk of at least size bytes
// owned by space. It fails only when the memory limit would be exceeded.
func (m *Memory) AllocateChunk(space *Space, size int) (*Chunk, error) {
	if size <= 0 {
		size = PageSize
	}
	size = roundUpToPage(size)

	m.mu.Lock()
	if m.limit > 0 && m.allocated.Load()+int64(size) > m.limit {
		m.mu.Unlock()
		return nil, fmt.Errorf("allocate chunk of %d bytes (%d of %d in use): %w",
			size, m.allocated.Load(), m.limit, ErrOutOfMemory)
	}
	base := m.reserve(size)
	m.allocated.Add(int64(size))
	m.mu.Unlock()

	c := &Chunk{
		base:  base,
		limit: base + Address(size),
		words: make([]Word, size/WordSize),
	}
	c.scavengePointer = base
	c.waterMark = base
	c.owner.Store(space)
	m.register(c)
	m.chunks.Add(1)
	return c, nil
}

// CreateExternalChunk wraps caller-provided words (for example a read-only
// image) in a chunk. External chunks are never released by FreeChunk.
func (m *Memory) CreateExternalChunk(space *Space, words []Word) *Chunk {
	size := len(words) * WordSize
	if size == 0 || size%PageSize != 0 {
		panic(fmt.Sprintf("Memory.CreateExternalChunk: size %d is not a multiple of the page size", size))
	}
	m.mu.Lock()
	base := m.reserve(size)
	m.mu.Unlock()

	c := &Chunk{
		base:     base,
		limit:    base + Address(size),
		words:    words,
		external: true,
	}
	c.scavengePointer = base
	c.waterMark = base
	c.owner.Store(space)
	m.register(c)
	m.chunks.Add(1)
	return c
}

// FreeChunk unregisters the chunk. The backing words of non-external
// chunks are dropped; external chunks keep theirs.
func (m *Memory) FreeChunk(c *Chunk) {
	m.unregister(c)
	c.owner.Store(nil)
	m.chunks.Add(-1)
	if c.external {
		return
	}
	m.allocated.Add(-int64(c.Size()))
	c.words = nil
	c.cards = nil
}

// Allocated returns the number of bytes held in non-external chunks.
func (m *Memory) Allocated() int64 { return m.allocated.Load() }

// ChunkCount returns the number of registered chunks.
func (m *Memory) ChunkCount() int64 { return m.chunks.Load() }

// Limit returns the configured memory limit (0 = unbounded).
func (m *Memory) Limit() int64 { return m.limit }

func (m *Memory) reserve(size int) Address {
	base := m.next
	m.next += Address(size)
	if uint64(m.next) >= 1<<addressBits {
		panic("Memory.reserve: simulated address space exhausted")
	}
	return base
}

func (m *Memory) register(c *Chunk) {
	for a := c.base; a < c.limit; a += PageSize {
		d, t, p := pageIndices(a)
		dir := m.directories[d].Load()
		if dir == nil {
			dir = &pageDirectory{}
			if !m.directories[d].CompareAndSwap(nil, dir) {
				dir = m.directories[d].Load()
			}
		}
		table := dir.tables[t].Load()
		if table == nil {
			table = &pageTable{}
			if !dir.tables[t].CompareAndSwap(nil, table) {
				table = dir.tables[t].Load()
			}
		}
		table.chunks[p].Store(c)
	}
}

func (m *Memory) unregister(c *Chunk) {
	for a := c.base; a < c.limit; a += PageSize {
		d, t, p := pageIndices(a)
		dir := m.directories[d].Load()
		if dir == nil {
			continue
		}
		if table := dir.tables[t].Load(); table != nil {
			table.chunks[p].CompareAndSwap(c, nil)
		}
	}
}

// ChunkFor returns the chunk containing a, or nil.
func (m *Memory) ChunkFor(a Address) *Chunk {
	if uint64(a) >= 1<<addressBits {
		return nil
	}
	d, t, p := pageIndices(a)
	dir := m.directories[d].Load()
	if dir == nil {
		return nil
	}
	table := dir.tables[t].Load()
	if table == nil {
		return nil
	}
	return table.chunks[p].Load()
}

// IsAddressInSpace reports whether a belongs to a chunk owned by space.
func (m *Memory) IsAddressInSpace(a Address, space *Space) bool {
	c := m.ChunkFor(a)
	return c != nil && c.owner.Load() == space
}

// SpaceFor returns the space owning a, or nil.
func (m *Memory) SpaceFor(a Address) *Space {
	if c := m.ChunkFor(a); c != nil {
		return c.owner.Load()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Raw slot access
// ---------------------------------------------------------------------------

func (m *Memory) mustChunk(a Address, op string) *Chunk {
	c := m.ChunkFor(a)
	if c == nil {
		panic(fmt.Sprintf("Memory.%s: address %s is not mapped", op, a))
	}
	return c
}

// Load reads the word at a.
func (m *Memory) Load(a Address) Word {
	c := m.mustChunk(a, "Load")
	return c.words[c.index(a)]
}

// Store writes the word at a. It does not apply a write barrier; mutators
// go through Heap.Store.
func (m *Memory) Store(a Address, w Word) {
	c := m.mustChunk(a, "Store")
	if c.external {
		panic(fmt.Sprintf("Memory.Store: %s lies in an external chunk", a))
	}
	c.words[c.index(a)] = w
}

// Slot returns a pointer to the word at a.
func (m *Memory) Slot(a Address) *Word {
	c := m.mustChunk(a, "Slot")
	return &c.words[c.index(a)]
}

// Slots returns the n words starting at a. The range must not cross a
// chunk boundary.
func (m *Memory) Slots(a Address, n int) []Word {
	c := m.mustChunk(a, "Slots")
	i := c.index(a)
	if i+n > len(c.words) {
		panic(fmt.Sprintf("Memory.Slots: [%s, +%d words) crosses %s", a, n, c))
	}
	return c.words[i : i+n : i+n]
}
