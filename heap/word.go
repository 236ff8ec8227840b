package heap

import "fmt"

// Address is a byte address inside the simulated object memory.
// Object addresses are always word aligned.
type Address uint64

// NoAddress marks slots that do not live in the heap (off-heap roots).
const NoAddress Address = 0

// WordSize is the size of a slot in bytes.
const WordSize = 8

// Word is a tagged slot value.
//
// Encoding scheme:
//   - SmallInt: bit 0 clear, 63-bit signed payload in the upper bits
//   - Object:   low bits 01, the object address (8-aligned) in the rest
//
// Low bits 11 are never produced for slots; they are reserved for headers.
type Word uint64

const (
	smallIntTag  uint64 = 0x0
	smallIntMask uint64 = 0x1
	objectTag    uint64 = 0x1
	objectMask   uint64 = 0x3
)

// SmallInt range (62-bit signed so that shifting never loses the sign).
const (
	MaxSmallInt int64 = (1 << 61) - 1
	MinSmallInt int64 = -(1 << 61)
)

// Zero is the SmallInt 0, used to initialise slots.
const Zero Word = 0

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsSmallInt returns true if w holds a small integer.
func (w Word) IsSmallInt() bool {
	return uint64(w)&smallIntMask == smallIntTag
}

// IsObject returns true if w holds a heap object pointer.
func (w Word) IsObject() bool {
	return uint64(w)&objectMask == objectTag
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns w as an int64.
// Panics if w is not a small integer.
func (w Word) SmallInt() int64 {
	if !w.IsSmallInt() {
		panic("Word.SmallInt: not a small integer")
	}
	return int64(w) >> 1
}

// FromSmallInt creates a Word from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Word {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Word(uint64(n) << 1)
}

// TryFromSmallInt creates a Word from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Word, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Zero, false
	}
	return Word(uint64(n) << 1), true
}

// ---------------------------------------------------------------------------
// Object pointer operations
// ---------------------------------------------------------------------------

// Address returns the object address held by w.
// Panics if w is not an object pointer.
func (w Word) Address() Address {
	if !w.IsObject() {
		panic("Word.Address: not an object")
	}
	return Address(uint64(w) &^ objectMask)
}

// FromAddress creates an object pointer Word.
// Panics if a is not word aligned.
func FromAddress(a Address) Word {
	if a%WordSize != 0 {
		panic(fmt.Sprintf("FromAddress: unaligned address %#x", uint64(a)))
	}
	return Word(uint64(a) | objectTag)
}

func (w Word) String() string {
	switch {
	case w.IsSmallInt():
		return fmt.Sprintf("smi(%d)", w.SmallInt())
	case w.IsObject():
		return fmt.Sprintf("obj(%#x)", uint64(w.Address()))
	default:
		return fmt.Sprintf("raw(%#x)", uint64(w))
	}
}

// Add returns the address n words past a.
func (a Address) Add(words int) Address {
	return a + Address(words*WordSize)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
