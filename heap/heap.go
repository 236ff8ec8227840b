package heap

import (
	"fmt"
	"math"
	"time"
)

// Config sizes a heap. A zero YoungSize creates a single-generation heap
// made of one old space.
type Config struct {
	YoungSize int
	OldSize   int
}

// Heap is one collected heap: an optional young semi-space plus an old
// mark-sweep space, their weak pointers and the roots that keep them alive.
//
// Process heaps are generational. Program shared heaps are single
// generation: they are only collected while the program is stopped.
type Heap struct {
	memory    *Memory
	name      string
	young     *SemiSpace
	old       *OldSpace
	youngSize int

	weak  WeakPointers
	roots Roots

	// weakProcessor runs additional weak processing (ports) after tracing.
	weakProcessor func(space Liveness) int

	scavenges   int
	markSweeps  int
	lastCollect time.Duration
}

// New creates a heap named name on m.
func New(m *Memory, name string, cfg Config) *Heap {
	h := &Heap{memory: m, name: name}
	if cfg.YoungSize > 0 {
		h.youngSize = cfg.YoungSize
		h.young = NewSemiSpace(m, name+".young", cfg.YoungSize)
		h.young.SetAllocationBudget(cfg.YoungSize)
	}
	oldSize := cfg.OldSize
	if oldSize <= 0 {
		oldSize = MaximumChunkSize
	}
	h.old = NewOldSpace(m, name+".old", oldSize)
	h.old.SetAllocationBudget(oldSize)
	return h
}

func (h *Heap) Memory() *Memory      { return h.memory }
func (h *Heap) Name() string         { return h.name }
func (h *Heap) Young() *SemiSpace    { return h.young }
func (h *Heap) Old() *OldSpace       { return h.old }
func (h *Heap) IsGenerational() bool { return h.young != nil }

// WeakPointers returns the weak pointer list of the heap.
func (h *Heap) WeakPointers() *WeakPointers { return &h.weak }

// SetRoots installs the root provider traced by every collection.
func (h *Heap) SetRoots(r Roots) { h.roots = r }

// SetWeakProcessor installs extra weak processing run after tracing, with
// the collected space as argument. It returns how many references died.
func (h *Heap) SetWeakProcessor(fn func(space Liveness) int) { h.weakProcessor = fn }

// Includes returns true if a lies in one of the heap's spaces.
func (h *Heap) Includes(a Address) bool {
	if h.young != nil && h.young.Includes(a) {
		return true
	}
	return h.old.Includes(a)
}

// IncludesWord returns true if w points into the heap.
func (h *Heap) IncludesWord(w Word) bool {
	return w.IsObject() && h.Includes(w.Address())
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate reserves size bytes of uninitialised memory. Generational heaps
// allocate young; single-generation heaps allocate old.
func (h *Heap) Allocate(size int) (Address, error) {
	if h.young != nil {
		return h.young.Allocate(size)
	}
	return h.old.Allocate(size)
}

func (h *Heap) allocateWords(class Address, words int) (Address, error) {
	a, err := h.Allocate(words * WordSize)
	if err != nil {
		return NoAddress, err
	}
	slots := h.memory.Slots(a, words)
	slots[0] = Word(ClassHeader(class))
	clear(slots[1:])
	return a, nil
}

func (h *Heap) checkFormat(class Address, want ObjectType) Format {
	f := FormatFromWord(h.memory.Load(class.Add(classFormatIndex)))
	if f.Type() != want {
		panic(fmt.Sprintf("Heap: class %s has format %s, want %s", class, f, want))
	}
	return f
}

// AllocateInstance allocates an instance of class with all fields zero.
func (h *Heap) AllocateInstance(class Address) (Address, error) {
	f := h.checkFormat(class, TypeInstance)
	return h.allocateWords(class, 1+f.FixedWords())
}

// AllocateArray allocates an array of n elements set to fill.
func (h *Heap) AllocateArray(class Address, n int, fill Word) (Address, error) {
	h.checkFormat(class, TypeArray)
	a, err := h.allocateWords(class, ArrayHeaderSize+n)
	if err != nil {
		return NoAddress, err
	}
	slots := h.memory.Slots(a, ArrayHeaderSize+n)
	slots[lengthIndex] = FromSmallInt(int64(n))
	for i := ArrayHeaderSize; i < len(slots); i++ {
		slots[i] = fill
	}
	return a, nil
}

// AllocateByteArray allocates a byte array holding a copy of data.
func (h *Heap) AllocateByteArray(class Address, data []byte) (Address, error) {
	h.checkFormat(class, TypeByteArray)
	words := ArrayHeaderSize + ByteArrayWords(len(data))
	a, err := h.allocateWords(class, words)
	if err != nil {
		return NoAddress, err
	}
	slots := h.memory.Slots(a, words)
	slots[lengthIndex] = FromSmallInt(int64(len(data)))
	for i, b := range data {
		w := &slots[ArrayHeaderSize+i/WordSize]
		*w |= Word(b) << (8 * (i % WordSize))
	}
	return a, nil
}

// AllocateStack allocates an empty stack with room for n slots.
func (h *Heap) AllocateStack(class Address, n int) (Address, error) {
	h.checkFormat(class, TypeStack)
	a, err := h.allocateWords(class, StackHeaderSize+n)
	if err != nil {
		return NoAddress, err
	}
	h.memory.Store(a.Add(lengthIndex), FromSmallInt(int64(n)))
	return a, nil
}

// AllocateDouble allocates a boxed float.
func (h *Heap) AllocateDouble(class Address, f float64) (Address, error) {
	h.checkFormat(class, TypeDouble)
	a, err := h.allocateWords(class, DoubleSize)
	if err != nil {
		return NoAddress, err
	}
	h.memory.Store(a.Add(1), Word(math.Float64bits(f)))
	return a, nil
}

// AllocateMetaClass allocates the class of classes. Its header refers to
// itself.
func (h *Heap) AllocateMetaClass(id int64) (Address, error) {
	a, err := h.Allocate(ClassSize * WordSize)
	if err != nil {
		return NoAddress, err
	}
	slots := h.memory.Slots(a, ClassSize)
	slots[0] = Word(ClassHeader(a))
	slots[classFormatIndex] = NewFormat(TypeClass, 0).Word()
	slots[classIDIndex] = FromSmallInt(id)
	return a, nil
}

// AllocateClass allocates a class whose instances have format f.
func (h *Heap) AllocateClass(meta Address, f Format, id int64) (Address, error) {
	h.checkFormat(meta, TypeClass)
	a, err := h.allocateWords(meta, ClassSize)
	if err != nil {
		return NoAddress, err
	}
	slots := h.memory.Slots(a, ClassSize)
	slots[classFormatIndex] = f.Word()
	slots[classIDIndex] = FromSmallInt(id)
	return a, nil
}

// NoAllocationFailureScope makes allocation in the allocating space (young,
// or old for single-generation heaps) ignore the budget until the returned
// function is called.
func (h *Heap) NoAllocationFailureScope() (release func()) {
	if h.young != nil {
		return h.young.NoAllocationFailureScope()
	}
	return h.old.NoAllocationFailureScope()
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// Load returns field i of obj (slot i+1: slot 0 is the header).
func (h *Heap) Load(obj Address, i int) Word {
	return h.memory.Load(obj.Add(1 + i))
}

// Store writes field i of obj and records old-to-young pointers.
func (h *Heap) Store(obj Address, i int, w Word) {
	slot := obj.Add(1 + i)
	h.memory.Store(slot, w)
	h.recordWrite(slot, w)
}

func (h *Heap) recordWrite(slot Address, w Word) {
	if h.young == nil || !w.IsObject() || !h.young.Includes(w.Address()) {
		return
	}
	if h.old.Includes(slot) {
		h.old.RecordWrite(slot)
	}
}

// Length returns the element count of an array, byte array or stack.
func (h *Heap) Length(obj Address) int {
	return int(h.memory.Load(obj.Add(lengthIndex)).SmallInt())
}

// At returns element i of an array.
func (h *Heap) At(array Address, i int) Word {
	h.checkIndex(array, i)
	return h.memory.Load(array.Add(ArrayHeaderSize + i))
}

// AtPut stores element i of an array.
func (h *Heap) AtPut(array Address, i int, w Word) {
	h.checkIndex(array, i)
	slot := array.Add(ArrayHeaderSize + i)
	h.memory.Store(slot, w)
	h.recordWrite(slot, w)
}

func (h *Heap) checkIndex(obj Address, i int) {
	if n := h.Length(obj); i < 0 || i >= n {
		panic(fmt.Sprintf("Heap: index %d out of range [0, %d)", i, n))
	}
}

// Bytes returns a copy of the contents of a byte array.
func (h *Heap) Bytes(obj Address) []byte {
	n := h.Length(obj)
	slots := h.memory.Slots(obj.Add(ArrayHeaderSize), ByteArrayWords(n))
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(slots[i/WordSize] >> (8 * (i % WordSize)))
	}
	return out
}

// DoubleValue returns the value of a boxed float.
func (h *Heap) DoubleValue(obj Address) float64 {
	return math.Float64frombits(uint64(h.memory.Load(obj.Add(1))))
}

// StackTop returns the number of used slots of a stack.
func (h *Heap) StackTop(stack Address) int {
	return int(h.memory.Load(stack.Add(stackTopIndex)).SmallInt())
}

// StackPush appends w to stack. It returns false when the stack is full.
func (h *Heap) StackPush(stack Address, w Word) bool {
	top := h.StackTop(stack)
	if top >= h.Length(stack) {
		return false
	}
	slot := stack.Add(StackHeaderSize + top)
	h.memory.Store(slot, w)
	h.recordWrite(slot, w)
	h.memory.Store(stack.Add(stackTopIndex), FromSmallInt(int64(top+1)))
	return true
}

// StackPop removes and returns the top slot of stack.
func (h *Heap) StackPop(stack Address) (Word, bool) {
	top := h.StackTop(stack)
	if top == 0 {
		return Zero, false
	}
	slot := stack.Add(StackHeaderSize + top - 1)
	w := h.memory.Load(slot)
	h.memory.Store(slot, Zero)
	h.memory.Store(stack.Add(stackTopIndex), FromSmallInt(int64(top-1)))
	return w, true
}

// StackAt returns slot i of a stack counted from the bottom.
func (h *Heap) StackAt(stack Address, i int) Word {
	if i < 0 || i >= h.StackTop(stack) {
		panic(fmt.Sprintf("Heap.StackAt: index %d out of range", i))
	}
	return h.memory.Load(stack.Add(StackHeaderSize + i))
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// CollectionKind tells which collector ran.
type CollectionKind uint8

const (
	CollectionScavenge CollectionKind = iota + 1
	CollectionMarkSweep
)

func (k CollectionKind) String() string {
	switch k {
	case CollectionScavenge:
		return "scavenge"
	case CollectionMarkSweep:
		return "mark-sweep"
	default:
		return "unknown"
	}
}

// CollectionStats summarises one collection of one heap.
type CollectionStats struct {
	Heap          string
	Kind          CollectionKind
	UsedBefore    int
	UsedAfter     int
	Copied        int
	Promoted      int
	Freed         int
	WeakCallbacks int
	StackChain    int
	Duration      time.Duration
}

// NeedsGarbageCollection reports whether the young generation (or the single
// space of a non-generational heap) has spent its budget.
func (h *Heap) NeedsGarbageCollection() bool {
	if h.young != nil {
		return h.young.NeedsGarbageCollection()
	}
	return h.old.NeedsGarbageCollection()
}

// NeedsOldGarbageCollection reports whether the old space has spent its
// budget.
func (h *Heap) NeedsOldGarbageCollection() bool {
	return h.old.NeedsGarbageCollection()
}

func (h *Heap) processWeak(space Liveness) int {
	n := h.weak.Process(space)
	if h.weakProcessor != nil {
		n += h.weakProcessor(space)
	}
	return n
}

// CollectYoung scavenges the young generation. It panics on
// single-generation heaps.
func (h *Heap) CollectYoung() CollectionStats {
	if h.young == nil {
		panic("Heap.CollectYoung: heap " + h.name + " has no young generation")
	}
	start := time.Now()
	young, res := Scavenge(h.young, h.old, h.roots, h.processWeak)
	h.young = young
	h.young.SetAllocationBudget(max(h.youngSize-young.Used(), DefaultChunkSize(young.Used())))
	h.scavenges++
	h.lastCollect = time.Since(start)
	return CollectionStats{
		Heap:          h.name,
		Kind:          CollectionScavenge,
		UsedBefore:    res.UsedBefore,
		UsedAfter:     res.UsedAfter,
		Copied:        res.Copied,
		Promoted:      res.Promoted,
		WeakCallbacks: res.WeakCallbacks,
		Duration:      h.lastCollect,
	}
}

// CollectOld marks the whole heap from its roots and sweeps old space.
func (h *Heap) CollectOld() CollectionStats {
	stats, _ := h.collectOld(false)
	return stats
}

// CollectGarbageAndChainStacks is CollectOld that also links every
// reachable stack object. The caller unchains them when done.
func (h *Heap) CollectGarbageAndChainStacks() (CollectionStats, StackChain) {
	return h.collectOld(true)
}

func (h *Heap) collectOld(chain bool) (CollectionStats, StackChain) {
	start := time.Now()
	stats := CollectionStats{Heap: h.name, Kind: CollectionMarkSweep, UsedBefore: h.old.Used()}

	var stack MarkingStack
	spaces := []*Space{&h.old.Space}
	if h.young != nil {
		spaces = append(spaces, &h.young.Space)
	}
	v := NewMarkingVisitor(h.memory, &stack, spaces...)
	if chain {
		v.ChainStacks()
	}
	if h.roots != nil {
		h.roots.IterateRoots(v)
	}
	stack.Process(h.memory, v)

	// Young objects survive a mark-sweep regardless of their mark, so only
	// old space takes part in weak processing.
	stats.WeakCallbacks = h.processWeak(h.old)

	sweep := h.old.Sweep()
	if h.young != nil {
		h.young.ClearMarks()
	}
	young := 0
	if h.young != nil {
		young = h.young.Used()
	}
	h.old.AdjustAllocationBudget(h.old.Used(), young)

	head, count := v.StackChain()
	h.markSweeps++
	h.lastCollect = time.Since(start)
	stats.UsedAfter = sweep.Live
	stats.Freed = max(stats.UsedBefore-sweep.Live, 0)
	stats.StackChain = count
	stats.Duration = h.lastCollect
	return stats, StackChain{memory: h.memory, head: head, count: count}
}

// ---------------------------------------------------------------------------
// Iteration and usage
// ---------------------------------------------------------------------------

// IterateObjects visits every object of the heap, young first.
func (h *Heap) IterateObjects(v HeapObjectVisitor) {
	if h.young != nil {
		h.young.IterateObjects(v)
	}
	h.old.IterateObjects(v)
}

// VisitObjectPointers presents the pointers of every object of the heap to
// v. Used to treat a heap as roots of another collection.
func (h *Heap) VisitObjectPointers(v PointerVisitor) {
	m := h.memory
	h.IterateObjects(HeapObjectVisitorFunc(func(a Address) int {
		size := m.SizeOf(a)
		m.IteratePointers(a, v)
		return size
	}))
}

// Usage is a snapshot of heap occupancy in bytes.
type Usage struct {
	YoungUsed  int
	YoungSize  int
	OldUsed    int
	OldSize    int
	Scavenges  int
	MarkSweeps int
}

// Total returns the bytes used by objects in both generations.
func (u Usage) Total() int { return u.YoungUsed + u.OldUsed }

// Usage returns the current occupancy.
func (h *Heap) Usage() Usage {
	u := Usage{
		OldUsed:    h.old.Used(),
		OldSize:    h.old.Size(),
		Scavenges:  h.scavenges,
		MarkSweeps: h.markSweeps,
	}
	if h.young != nil {
		u.YoungUsed = h.young.Used()
		u.YoungSize = h.young.Size()
	}
	return u
}

// Release runs all weak callbacks and returns every chunk to the memory.
func (h *Heap) Release() {
	h.weak.ForceCallbacks()
	if h.young != nil {
		h.young.release()
	}
	h.old.Release()
}
