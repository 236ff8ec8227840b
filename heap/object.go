package heap

import "fmt"

// ---------------------------------------------------------------------------
// Object inspection
// ---------------------------------------------------------------------------

// ClassOf returns the class of the object at a.
func (m *Memory) ClassOf(a Address) Address {
	return Header(m.Load(a)).Class()
}

// FormatOf returns the instance format of the object at a.
func (m *Memory) FormatOf(a Address) Format {
	return FormatFromWord(m.Load(m.ClassOf(a).Add(classFormatIndex)))
}

// ClassID returns the id stored in the class at class.
func (m *Memory) ClassID(class Address) int64 {
	return m.Load(class.Add(classIDIndex)).SmallInt()
}

// SizeOf returns the size in bytes of the object at a. Forwarded objects
// have lost their class and cannot be measured.
func (m *Memory) SizeOf(a Address) int {
	h := Header(m.Load(a))
	switch {
	case h.IsStatic():
		switch h.Static() {
		case StaticFiller:
			return FillerSize * WordSize
		case StaticFreeListChunk:
			return int(m.Load(a.Add(1)).SmallInt())
		case StaticPromotedTrack:
			return int(Address(m.Load(a.Add(2)).SmallInt()) - a)
		}
	case h.IsForwarded():
		panic(fmt.Sprintf("Memory.SizeOf: object at %s has been forwarded", a))
	case h.IsClass():
		f := FormatFromWord(m.Load(h.Class().Add(classFormatIndex)))
		return m.sizeFromFormat(a, f) * WordSize
	}
	panic(fmt.Sprintf("Memory.SizeOf: bad header %s at %s", h, a))
}

func (m *Memory) sizeFromFormat(a Address, f Format) int {
	switch f.Type() {
	case TypeClass:
		return ClassSize
	case TypeInstance:
		return 1 + f.FixedWords()
	case TypeArray:
		return ArrayHeaderSize + int(m.Load(a.Add(lengthIndex)).SmallInt())
	case TypeByteArray:
		return ArrayHeaderSize + ByteArrayWords(int(m.Load(a.Add(lengthIndex)).SmallInt()))
	case TypeStack:
		return StackHeaderSize + int(m.Load(a.Add(lengthIndex)).SmallInt())
	case TypeDouble:
		return DoubleSize
	}
	panic(fmt.Sprintf("Memory.sizeFromFormat: unknown format %s at %s", f, a))
}

// IteratePointers presents every pointer slot of the object at a to v.
// The class slot goes to VisitClass, the remaining slots to VisitBlock.
func (m *Memory) IteratePointers(a Address, v PointerVisitor) {
	h := Header(m.Load(a))
	if h.IsStatic() {
		return
	}
	f := FormatFromWord(m.Load(h.Class().Add(classFormatIndex)))
	slots := m.Slots(a, m.sizeFromFormat(a, f))
	v.VisitClass(&slots[0])

	switch f.Type() {
	case TypeClass, TypeInstance:
		if len(slots) > 1 {
			v.VisitBlock(a.Add(1), slots[1:])
		}
	case TypeArray:
		if len(slots) > ArrayHeaderSize {
			v.VisitBlock(a.Add(ArrayHeaderSize), slots[ArrayHeaderSize:])
		}
	case TypeStack:
		top := int(slots[stackTopIndex].SmallInt())
		if top > 0 {
			v.VisitBlock(a.Add(StackHeaderSize), slots[StackHeaderSize:StackHeaderSize+top])
		}
	}
}

// IsStackObject reports whether the object at a is a Stack.
func (m *Memory) IsStackObject(a Address) bool {
	h := Header(m.Load(a))
	return h.IsClass() && m.FormatOf(a).Type() == TypeStack
}

// ---------------------------------------------------------------------------
// Collector-internal objects
// ---------------------------------------------------------------------------

// writeFiller formats the free range [a, a+size) so that heap iteration
// can step over it. Ranges large enough for a free-list chunk get one
// sized header; the rest become one-word fillers.
func (m *Memory) writeFiller(a Address, size int) {
	if size >= FreeListChunkSize*WordSize {
		m.writeFreeListChunk(a, size, NoAddress)
		return
	}
	for i := 0; i*WordSize < size; i++ {
		m.Store(a.Add(i), Word(staticHeader(StaticFiller)))
	}
}

func (m *Memory) writeFreeListChunk(a Address, size int, next Address) {
	slots := m.Slots(a, FreeListChunkSize)
	slots[0] = Word(staticHeader(StaticFreeListChunk))
	slots[1] = FromSmallInt(int64(size))
	slots[2] = FromSmallInt(int64(next))
}

func (m *Memory) freeListChunkNext(a Address) Address {
	return Address(m.Load(a.Add(2)).SmallInt())
}

func (m *Memory) setFreeListChunkNext(a, next Address) {
	m.Store(a.Add(2), FromSmallInt(int64(next)))
}

func (m *Memory) isStatic(a Address, kind StaticKind) bool {
	return Header(m.Load(a)).Static() == kind
}

// copyObject copies size bytes from src to dst.
func (m *Memory) copyObject(dst, src Address, size int) {
	n := size / WordSize
	copy(m.Slots(dst, n), m.Slots(src, n))
}
