package heap

import "fmt"

// ObjectType is the layout family of an object, recorded in its class.
type ObjectType uint8

const (
	TypeClass ObjectType = iota + 1
	TypeInstance
	TypeArray
	TypeByteArray
	TypeStack
	TypeDouble
)

func (t ObjectType) String() string {
	switch t {
	case TypeClass:
		return "Class"
	case TypeInstance:
		return "Instance"
	case TypeArray:
		return "Array"
	case TypeByteArray:
		return "ByteArray"
	case TypeStack:
		return "Stack"
	case TypeDouble:
		return "Double"
	default:
		return fmt.Sprintf("ObjectType(%d)", uint8(t))
	}
}

// Format describes the layout of instances of a class.
//
// Bit layout (stored in the class as a SmallInt):
//
//	[ fixed words : 32 | variable : 1 | type : 4 ]
type Format uint64

const (
	formatTypeBits     = 4
	formatTypeMask     = 1<<formatTypeBits - 1
	formatVariableBit  = 1 << formatTypeBits
	formatFixedShift   = formatTypeBits + 1
	formatMaxFixedSize = 1<<32 - 1
)

// Object layout constants, in words.
const (
	ClassSize         = 3 // [header][format][id]
	ArrayHeaderSize   = 2 // [header][length]
	StackHeaderSize   = 4 // [header][length][top][next]
	DoubleSize        = 2 // [header][bits]
	FillerSize        = 1
	FreeListChunkSize = 3 // [header][size][next]
	PromotedTrackSize = 3 // [header][next][end]
)

// Slot indices inside fixed layouts.
const (
	classFormatIndex = 1
	classIDIndex     = 2
	lengthIndex      = 1
	stackTopIndex    = 2
	stackNextIndex   = 3
)

// NewFormat builds a format. fixed is the number of fields after the
// header for instances; it is ignored for the other types.
func NewFormat(t ObjectType, fixed int) Format {
	if fixed < 0 || fixed > formatMaxFixedSize {
		panic(fmt.Sprintf("NewFormat: fixed size %d out of range", fixed))
	}
	f := Format(t) | Format(fixed)<<formatFixedShift
	switch t {
	case TypeArray, TypeByteArray, TypeStack:
		f |= formatVariableBit
	}
	return f
}

// Type returns the layout family.
func (f Format) Type() ObjectType { return ObjectType(f & formatTypeMask) }

// FixedWords returns the number of instance fields following the header.
func (f Format) FixedWords() int { return int(f >> formatFixedShift) }

// HasVariablePart returns true for length-prefixed layouts.
func (f Format) HasVariablePart() bool { return f&formatVariableBit != 0 }

// HasPointers reports whether instances may contain object pointers.
func (f Format) HasPointers() bool {
	switch f.Type() {
	case TypeByteArray, TypeDouble:
		return false
	}
	return true
}

// Word encodes f as a SmallInt slot value.
func (f Format) Word() Word { return FromSmallInt(int64(f)) }

// FormatFromWord decodes a format stored in a class.
func FormatFromWord(w Word) Format { return Format(w.SmallInt()) }

func (f Format) String() string {
	if f.Type() == TypeInstance {
		return fmt.Sprintf("Instance[%d]", f.FixedWords())
	}
	return f.Type().String()
}

// ByteArrayWords returns the number of payload words needed for n bytes.
func ByteArrayWords(n int) int {
	return (n + WordSize - 1) / WordSize
}
