package immix

import "fmt"

// ---------------------------------------------------------------------------
// Value: tagged 64-bit word
// ---------------------------------------------------------------------------

// Value is a tagged word stored in registers and object fields.
//
// Layout (low bits first):
//
//	xxxx...xxx1  small integer (63 bits, arithmetic shift)
//	hh..bb..o10  reference: offset/8 in bits 2-13, block id in bits 14-45,
//	             heap id in bits 46-63
//	0000...0000  nil
//	0000...0100  false
//	0000...1000  true
type Value uint64

const (
	Nil   Value = 0
	False Value = 4
	True  Value = 8
)

const (
	refTag      = 2
	offsetShift = 2
	offsetBits  = 12
	blockShift  = offsetShift + offsetBits
	blockBits   = 32
	heapShift   = blockShift + blockBits
	heapBits    = 64 - heapShift
	offsetMask  = 1<<offsetBits - 1
	blockMask   = 1<<blockBits - 1
	objectAlign = 8
	MaxHeapID   = 1<<heapBits - 1
	MinSmallInt = -1 << 62
	MaxSmallInt = 1<<62 - 1
)

// FromInt encodes a small integer. Values outside the 63-bit range wrap.
func FromInt(i int64) Value {
	return Value(uint64(i)<<1 | 1)
}

// FromBool returns True or False.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// IsInt reports whether v holds a small integer.
func (v Value) IsInt() bool {
	return v&1 == 1
}

// Int decodes a small integer.
func (v Value) Int() int64 {
	return int64(v) >> 1
}

// IsRef reports whether v refers to a heap object.
func (v Value) IsRef() bool {
	return v&3 == refTag
}

// IsNil reports whether v is nil.
func (v Value) IsNil() bool {
	return v == Nil
}

// Truthy reports whether v counts as true for conditional jumps.
// Only nil and false are falsy.
func (v Value) Truthy() bool {
	return v != Nil && v != False
}

// Address decodes a reference. It must only be called when IsRef is true.
func (v Value) Address() Address {
	return Address{
		Heap:   uint32(uint64(v) >> heapShift),
		Block:  uint32((uint64(v) >> blockShift) & blockMask),
		Offset: uint16(((uint64(v) >> offsetShift) & offsetMask) * objectAlign),
	}
}

func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsInt():
		return fmt.Sprintf("%d", v.Int())
	case v.IsRef():
		return v.Address().String()
	default:
		return fmt.Sprintf("<invalid %#x>", uint64(v))
	}
}

// ---------------------------------------------------------------------------
// Address: object identity inside the heap arena
// ---------------------------------------------------------------------------

// Address identifies an object by the heap that owns it, the block it lives
// in and its byte offset inside that block.
type Address struct {
	Heap   uint32
	Block  uint32
	Offset uint16
}

// Value encodes the address as a reference value.
func (a Address) Value() Value {
	return Value(uint64(a.Heap)<<heapShift |
		uint64(a.Block)<<blockShift |
		uint64(a.Offset/objectAlign)<<offsetShift |
		refTag)
}

func (a Address) String() string {
	return fmt.Sprintf("@%d:%d+%d", a.Heap, a.Block, a.Offset)
}
