package immix

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	ErrObjectTooLarge  = errors.New("object does not fit in a block")
	ErrCrossHeap       = errors.New("reference into another process heap")
	ErrDanglingRef     = errors.New("reference to a reclaimed object")
	ErrNotReference    = errors.New("value is not a reference")
	ErrPermanentObject = errors.New("permanent objects are immutable")
	ErrFieldIndex      = errors.New("field index out of bounds")
	ErrNegativeSize    = errors.New("negative field count or payload")
)

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

// Generation tags blocks and objects with the heap space they belong to.
type Generation uint8

const (
	Eden Generation = iota
	Young
	Mature
	Permanent
)

// NumGenerations is the number of collectable generations (eden, young, mature).
const NumGenerations = 3

func (g Generation) String() string {
	switch g {
	case Eden:
		return "eden"
	case Young:
		return "young"
	case Mature:
		return "mature"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("generation(%d)", uint8(g))
	}
}

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Class describes the layout of the objects created from it. Classes come
// from the program image and are shared by every heap.
type Class struct {
	ID     uint32
	Name   string
	Fields int

	// Finalizer runs once the object has been unreachable for two
	// consecutive collections, or when the owning heap is dropped.
	// It may only inspect fields; the payload may already be reused.
	Finalizer func(*Object) error

	// Moved is called on the source object after CopyGraph copied it into
	// another heap. Classes owning an external resource use it to hand
	// the resource over to the copy.
	Moved func(src *Heap, o *Object) error
}

func (c *Class) String() string {
	if c == nil {
		return "<no class>"
	}
	return c.Name
}

// ---------------------------------------------------------------------------
// Object
// ---------------------------------------------------------------------------

// ObjectHeaderSize is the number of bytes every object reserves in its
// block for the header, before its fields and payload.
const ObjectHeaderSize = 16

// Object is a heap allocated object. The object's storage (header, fields
// and payload) occupies lines of the block it was allocated into; the Go
// struct carries the header state.
type Object struct {
	class     *Class
	addr      Address
	block     *Block
	fields    []Value
	size      uint32 // bytes reserved in the block
	payload   uint32 // bytes of raw payload after the fields
	gen       Generation
	age       uint8 // collections survived
	permanent bool

	pins    atomic.Int32           // references held outside the heap
	mark    atomic.Uint32          // epoch<<1 | busy
	forward atomic.Pointer[Object] // set once evacuated
}

// objectSize returns the bytes an object with the given layout occupies.
func objectSize(fields, payload int) int {
	n := ObjectHeaderSize + fields*8 + payload
	return (n + objectAlign - 1) &^ (objectAlign - 1)
}

// Class returns the object's class.
func (o *Object) Class() *Class { return o.class }

// Address returns the object's current address.
func (o *Object) Address() Address { return o.addr }

// Value returns a reference to the object.
func (o *Object) Value() Value { return o.addr.Value() }

// Block returns the block holding the object.
func (o *Object) Block() *Block { return o.block }

// Generation returns the generation the object was allocated into.
func (o *Object) Generation() Generation { return o.gen }

// Age returns the number of collections the object survived.
func (o *Object) Age() uint8 { return o.age }

// Size returns the number of bytes the object occupies in its block.
func (o *Object) Size() int { return int(o.size) }

// IsPermanent reports whether the object lives in the permanent heap.
func (o *Object) IsPermanent() bool { return o.permanent }

// NumFields returns the number of fields.
func (o *Object) NumFields() int { return len(o.fields) }

// Field returns field i.
func (o *Object) Field(i int) (Value, error) {
	if i < 0 || i >= len(o.fields) {
		return Nil, fmt.Errorf("%w: %d of %d", ErrFieldIndex, i, len(o.fields))
	}
	return o.fields[i], nil
}

// Fields exposes the field slice for tracing. Callers other than the
// collector must go through Field and Heap.Store.
func (o *Object) Fields() []Value { return o.fields }

// Payload returns the raw bytes stored after the fields, backed by the
// block's memory.
func (o *Object) Payload() []byte {
	if o.payload == 0 {
		return nil
	}
	start := int(o.addr.Offset) + ObjectHeaderSize + len(o.fields)*8
	return o.block.mem[start : start+int(o.payload) : start+int(o.payload)]
}

// Pins returns the current pin count.
func (o *Object) Pins() int { return int(o.pins.Load()) }

// Forwarded returns the evacuated copy of the object, or nil.
func (o *Object) Forwarded() *Object { return o.forward.Load() }

// ---------------------------------------------------------------------------
// Mark word
// ---------------------------------------------------------------------------

// TryMark claims the object for the collection identified by epoch.
// It returns false if the object was already claimed in this epoch. The
// winner must call FinishMark (or Forward) to publish the outcome.
func (o *Object) TryMark(epoch uint32) bool {
	for {
		cur := o.mark.Load()
		if cur>>1 == epoch {
			return false
		}
		if o.mark.CompareAndSwap(cur, epoch<<1|1) {
			return true
		}
	}
}

// FinishMark publishes that the object stays in place for this epoch.
func (o *Object) FinishMark(epoch uint32) {
	o.age++
	o.mark.Store(epoch << 1)
}

// Forward publishes the evacuated copy of the object.
func (o *Object) Forward(to *Object, epoch uint32) {
	o.forward.Store(to)
	o.mark.Store(epoch << 1)
}

// Busy reports whether another tracer claimed the object in this epoch but
// has not yet published the outcome.
func (o *Object) Busy(epoch uint32) bool {
	return o.mark.Load() == epoch<<1|1
}

// Marked reports whether the object was marked in this epoch.
func (o *Object) Marked(epoch uint32) bool {
	return o.mark.Load()>>1 == epoch
}

func (o *Object) String() string {
	return fmt.Sprintf("%s%s", o.class, o.addr)
}
