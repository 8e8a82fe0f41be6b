package vm

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/chazu/mvm/immix"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Image Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic     = errors.New("invalid magic number: expected MVMI")
	ErrVersionMismatch  = errors.New("image version mismatch")
	ErrCorruptHeader    = errors.New("corrupt image header")
	ErrCorruptData      = errors.New("corrupt image data")
	ErrUnresolvedClass  = errors.New("unresolved class")
	ErrUnresolvedMethod = errors.New("unresolved method")
	ErrInvalidConstant  = errors.New("invalid constant")
	ErrAlreadyLoaded    = errors.New("runtime already has a program")
)

// LoadError reports why an image could not be loaded.
type LoadError struct {
	Section string // header, body, classes, methods, constants, entry
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load image: %s: %v", e.Section, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(section string, sentinel error, format string, args ...any) *LoadError {
	return &LoadError{Section: section, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// ---------------------------------------------------------------------------
// EntryPoint and Program
// ---------------------------------------------------------------------------

// EntryPoint is the method the entry process runs.
type EntryPoint struct {
	BuildID uuid.UUID
	Method  *Method
}

// Program is the linked content of a loaded image.
type Program struct {
	BuildID   uuid.UUID
	Classes   []*Class
	Methods   []*Method
	Constants []immix.Value

	classes map[string]*Class
}

// Class returns the class with the given name, or nil.
func (p *Program) Class(name string) *Class { return p.classes[name] }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadImageFile reads and loads the image at path.
func LoadImageFile(rt *Runtime, path string) (*EntryPoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return LoadImage(rt, data)
}

// LoadImage decodes an image, links its classes and methods, materializes
// its constants in the permanent heap and installs the program in rt.
func LoadImage(rt *Runtime, data []byte) (*EntryPoint, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	if rt.Program() != nil {
		return nil, &LoadError{Section: "program", Err: ErrAlreadyLoaded}
	}

	prog, entry, err := rt.link(img)
	if err != nil {
		return nil, err
	}
	rt.install(prog)
	log.Infof("loaded image %s: %d classes, %d methods, %d constants, entry %s",
		img.BuildID, len(prog.Classes), len(prog.Methods), len(prog.Constants), entry.Method.FullName())
	return entry, nil
}

// DecodeImage parses the header and body of an image without linking it.
func DecodeImage(data []byte) (*Image, error) {
	if len(data) < ImageHeaderSize {
		return nil, loadErr("header", ErrCorruptHeader, "%d bytes, need %d", len(data), ImageHeaderSize)
	}
	if !bytes.Equal(data[0:4], ImageMagic[:]) {
		return nil, loadErr("header", ErrInvalidMagic, "got %q", data[0:4])
	}
	if v := ReadUint32(data[4:]); v != ImageVersion {
		return nil, loadErr("header", ErrVersionMismatch, "got %d, want %d", v, ImageVersion)
	}
	flags := ReadUint32(data[8:])
	n := ReadUint32(data[12:])
	if int64(n) != int64(len(data)-ImageHeaderSize) {
		return nil, loadErr("header", ErrCorruptHeader, "body length %d, file has %d", n, len(data)-ImageHeaderSize)
	}

	var img Image
	if err := cbor.Unmarshal(data[ImageHeaderSize:], &img); err != nil {
		return nil, &LoadError{Section: "body", Err: fmt.Errorf("%w: %v", ErrCorruptData, err)}
	}
	img.Flags = flags
	return &img, nil
}

// link resolves every cross reference of img.
func (rt *Runtime) link(img *Image) (*Program, *EntryPoint, error) {
	prog := &Program{
		BuildID: img.BuildID,
		classes: make(map[string]*Class),
	}

	for i, def := range img.Classes {
		if _, dup := prog.classes[def.Name]; dup || def.Name == "" {
			return nil, nil, loadErr("classes", ErrCorruptData, "class %d: duplicate or empty name %q", i, def.Name)
		}
		var c *Class
		if def.Builtin {
			if c = rt.builtins.lookup(def.Name); c == nil {
				return nil, nil, loadErr("classes", ErrUnresolvedClass, "no builtin class %q", def.Name)
			}
		} else {
			c = newClass(uint32(firstImageClassID+i), def.Name, def.Fields, nil)
		}
		prog.Classes = append(prog.Classes, c)
		prog.classes[def.Name] = c
	}

	for i, def := range img.Methods {
		c := prog.classes[def.Class]
		if c == nil {
			return nil, nil, loadErr("methods", ErrUnresolvedClass, "method %d (%s) of unknown class %q", i, def.Name, def.Class)
		}
		if def.Arity < 0 || def.Registers < def.Arity {
			return nil, nil, loadErr("methods", ErrCorruptData, "%s.%s: arity %d with %d registers", def.Class, def.Name, def.Arity, def.Registers)
		}
		m := &Method{
			Name:      def.Name,
			Class:     c,
			Arity:     def.Arity,
			Registers: def.Registers,
			Code:      def.Code,
		}
		c.methods[m.Name] = m
		prog.Methods = append(prog.Methods, m)
	}

	for i, def := range img.Constants {
		v, err := rt.materialize(def)
		if err != nil {
			return nil, nil, loadErr("constants", ErrInvalidConstant, "constant %d: %v", i, err)
		}
		prog.Constants = append(prog.Constants, v)
	}

	for _, m := range prog.Methods {
		if err := verify(prog, m); err != nil {
			return nil, nil, err
		}
	}

	ec := prog.classes[img.Entry.Class]
	if ec == nil {
		return nil, nil, loadErr("entry", ErrUnresolvedClass, "%s", img.Entry)
	}
	em := ec.Method(img.Entry.Method)
	if em == nil {
		return nil, nil, loadErr("entry", ErrUnresolvedMethod, "%s", img.Entry)
	}
	return prog, &EntryPoint{BuildID: img.BuildID, Method: em}, nil
}

// materialize creates the permanent value of a constant.
func (rt *Runtime) materialize(c Constant) (immix.Value, error) {
	switch c.Kind {
	case ConstNil:
		return immix.Nil, nil
	case ConstBool:
		return immix.FromBool(c.Bool), nil
	case ConstInt:
		if c.Int < immix.MinSmallInt || c.Int > immix.MaxSmallInt {
			return immix.Nil, fmt.Errorf("integer %d out of range", c.Int)
		}
		return immix.FromInt(c.Int), nil
	case ConstString:
		o, _, err := rt.permanent.Allocate(rt.builtins.String.layout, 0, len(c.String))
		if err != nil {
			return immix.Nil, err
		}
		copy(o.Payload(), c.String)
		return o.Value(), nil
	}
	return immix.Nil, fmt.Errorf("unknown kind %d", c.Kind)
}

// verify checks the static operands of a method's instructions.
func verify(prog *Program, m *Method) error {
	fail := func(pc int, sentinel error, format string, args ...any) error {
		return loadErr("methods", sentinel, "%s pc %d: %s", m.FullName(), pc, fmt.Sprintf(format, args...))
	}
	for pc, ins := range m.Code {
		if !ins.Op.Valid() {
			return fail(pc, ErrCorruptData, "unknown opcode %#02x", byte(ins.Op))
		}
		switch ins.Op {
		case OpJump:
			if ins.A < 0 || int(ins.A) >= len(m.Code) {
				return fail(pc, ErrCorruptData, "jump target %d", ins.A)
			}
		case OpJumpIfFalse:
			if ins.B < 0 || int(ins.B) >= len(m.Code) {
				return fail(pc, ErrCorruptData, "jump target %d", ins.B)
			}
		case OpLoadConst:
			if ins.B < 0 || int(ins.B) >= len(prog.Constants) {
				return fail(pc, ErrInvalidConstant, "constant %d of %d", ins.B, len(prog.Constants))
			}
		case OpAllocate:
			if ins.B < 0 || int(ins.B) >= len(prog.Classes) {
				return fail(pc, ErrUnresolvedClass, "class %d of %d", ins.B, len(prog.Classes))
			}
			if ins.C < 0 {
				return fail(pc, ErrCorruptData, "negative payload %d", ins.C)
			}
		case OpCall, OpSpawn:
			if ins.B < 0 || int(ins.B) >= len(prog.Methods) {
				return fail(pc, ErrUnresolvedMethod, "method %d of %d", ins.B, len(prog.Methods))
			}
			if callee := prog.Methods[ins.B]; int(ins.D) != callee.Arity {
				return fail(pc, ErrCorruptData, "%s takes %d arguments, got %d", callee.FullName(), callee.Arity, ins.D)
			}
		}
	}
	return nil
}
