package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Image Format
// ---------------------------------------------------------------------------

// ImageMagic identifies an mvm image.
var ImageMagic = [4]byte{'M', 'V', 'M', 'I'}

// ImageVersion is the only image version this runtime loads.
const ImageVersion uint32 = 1

// ImageHeaderSize is magic(4) + version(4) + flags(4) + bodyLength(4).
const ImageHeaderSize = 16

// ImageFlagNone is the only flag word this writer produces. Other bits are
// reserved; the loader carries them in Image.Flags without acting on them.
const ImageFlagNone uint32 = 0

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Image body
// ---------------------------------------------------------------------------

// Image is a compiled program: the class table, method bodies, constant
// pool and entry method. It is the CBOR body of an image file.
type Image struct {
	BuildID   uuid.UUID   `cbor:"1,keyasint"`
	Flags     uint32      `cbor:"-"`
	Classes   []ClassDef  `cbor:"2,keyasint"`
	Methods   []MethodDef `cbor:"3,keyasint"`
	Constants []Constant  `cbor:"4,keyasint"`
	Entry     MethodRef   `cbor:"5,keyasint"`
}

// ClassDef declares a class. Builtin classes carry no fields; they refer
// to a class provided by the runtime.
type ClassDef struct {
	Name    string   `cbor:"1,keyasint"`
	Fields  []string `cbor:"2,keyasint,omitempty"`
	Builtin bool     `cbor:"3,keyasint,omitempty"`
}

// MethodDef declares a method of a class. Instructions refer to methods,
// classes and constants by their index in the image tables.
type MethodDef struct {
	Class     string        `cbor:"1,keyasint"`
	Name      string        `cbor:"2,keyasint"`
	Arity     int           `cbor:"3,keyasint"`
	Registers int           `cbor:"4,keyasint"`
	Code      []Instruction `cbor:"5,keyasint"`
}

// MethodRef names a method by class and method name.
type MethodRef struct {
	Class  string `cbor:"1,keyasint"`
	Method string `cbor:"2,keyasint"`
}

func (r MethodRef) String() string { return r.Class + "." + r.Method }

// ConstantKind tags a constant pool entry.
type ConstantKind uint8

const (
	ConstNil ConstantKind = iota
	ConstBool
	ConstInt
	ConstString
)

// Constant is a constant pool entry. Constants are materialized in the
// permanent heap when the image is loaded.
type Constant struct {
	Kind   ConstantKind `cbor:"1,keyasint"`
	Int    int64        `cbor:"2,keyasint,omitempty"`
	String string       `cbor:"3,keyasint,omitempty"`
	Bool   bool         `cbor:"4,keyasint,omitempty"`
}

// IntConstant returns an integer constant.
func IntConstant(n int64) Constant { return Constant{Kind: ConstInt, Int: n} }

// StringConstant returns a string constant.
func StringConstant(s string) Constant { return Constant{Kind: ConstString, String: s} }

// BoolConstant returns a boolean constant.
func BoolConstant(b bool) Constant { return Constant{Kind: ConstBool, Bool: b} }

// WriteUint32 writes a uint32 in little-endian format.
func WriteUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

// ReadUint32 reads a uint32 in little-endian format.
func ReadUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}
