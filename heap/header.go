package heap

import "fmt"

// Header is the first word of every heap object.
//
// It normally holds the address of the object's class, but the collectors
// borrow it for out-of-band metadata:
//   - bit 2 is the mark bit used by mark-sweep
//   - a scavenged object's header is replaced by its forwarding address
//   - collector-internal objects (free-list chunks, fillers, promoted
//     tracks) carry a static kind instead of a class
//
// Only this package can produce marked or forwarding headers.
type Header uint64

const (
	headerKindMask    uint64 = 0x3
	headerClass       uint64 = 0x1
	headerForward     uint64 = 0x2
	headerStatic      uint64 = 0x3
	headerMarkBit     uint64 = 0x4
	headerPayloadMask uint64 = ^uint64(0x7)
)

// StaticKind identifies collector-internal objects that have no class.
type StaticKind uint8

const (
	StaticNone StaticKind = iota
	StaticFreeListChunk
	StaticFiller
	StaticPromotedTrack
)

func (k StaticKind) String() string {
	switch k {
	case StaticFreeListChunk:
		return "FreeListChunk"
	case StaticFiller:
		return "Filler"
	case StaticPromotedTrack:
		return "PromotedTrack"
	default:
		return "None"
	}
}

// ClassHeader returns an unmarked header referring to the class at class.
func ClassHeader(class Address) Header {
	if class%WordSize != 0 || class == NoAddress {
		panic(fmt.Sprintf("ClassHeader: bad class address %#x", uint64(class)))
	}
	return Header(uint64(class) | headerClass)
}

func forwardingHeader(to Address) Header {
	return Header(uint64(to) | headerForward)
}

func staticHeader(kind StaticKind) Header {
	return Header(uint64(kind)<<3 | headerStatic)
}

// HeaderOf reads the header stored in slot.
func HeaderOf(slot *Word) Header {
	return Header(*slot)
}

// IsClass returns true if h refers to a class (marked or not).
func (h Header) IsClass() bool {
	return uint64(h)&headerKindMask == headerClass
}

// IsForwarded returns true if the object was copied by the scavenger.
func (h Header) IsForwarded() bool {
	return uint64(h)&headerKindMask == headerForward
}

// IsStatic returns true for collector-internal objects.
func (h Header) IsStatic() bool {
	return uint64(h)&headerKindMask == headerStatic
}

// IsMarked returns true if the mark bit is set.
func (h Header) IsMarked() bool {
	return h.IsClass() && uint64(h)&headerMarkBit != 0
}

// Class returns the class address with the mark bit removed.
func (h Header) Class() Address {
	if !h.IsClass() {
		panic(fmt.Sprintf("Header.Class: not a class header (%#x)", uint64(h)))
	}
	return Address(uint64(h) & headerPayloadMask)
}

// ForwardingAddress returns the new location of a scavenged object.
func (h Header) ForwardingAddress() Address {
	if !h.IsForwarded() {
		panic("Header.ForwardingAddress: object has not been forwarded")
	}
	return Address(uint64(h) & headerPayloadMask)
}

// Static returns the static kind, or StaticNone for class headers.
func (h Header) Static() StaticKind {
	if !h.IsStatic() {
		return StaticNone
	}
	return StaticKind(uint64(h) >> 3)
}

func (h Header) withMark() Header {
	if !h.IsClass() {
		panic("Header.withMark: only class headers can be marked")
	}
	if h.IsMarked() {
		panic("Header.withMark: already marked")
	}
	return Header(uint64(h) | headerMarkBit)
}

func (h Header) withoutMark() Header {
	if !h.IsMarked() {
		panic("Header.withoutMark: not marked")
	}
	return Header(uint64(h) &^ headerMarkBit)
}

func (h Header) String() string {
	switch {
	case h.IsForwarded():
		return fmt.Sprintf("forward(%s)", h.ForwardingAddress())
	case h.IsStatic():
		return h.Static().String()
	case h.IsMarked():
		return fmt.Sprintf("class(%s)*", h.Class())
	case h.IsClass():
		return fmt.Sprintf("class(%s)", h.Class())
	default:
		return fmt.Sprintf("header(%#x)", uint64(h))
	}
}
