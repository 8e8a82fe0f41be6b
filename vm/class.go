package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/mvm/immix"
)

// ---------------------------------------------------------------------------
// Class and Method
// ---------------------------------------------------------------------------

// Class is a class of the loaded program: the object layout used by the
// heaps plus the methods defined on it.
type Class struct {
	Name       string
	FieldNames []string

	layout  *immix.Class
	methods map[string]*Method
}

func newClass(id uint32, name string, fields []string, finalizer func(*immix.Object) error) *Class {
	return &Class{
		Name:       name,
		FieldNames: fields,
		layout: &immix.Class{
			ID:        id,
			Name:      name,
			Fields:    len(fields),
			Finalizer: finalizer,
		},
		methods: make(map[string]*Method),
	}
}

// Layout returns the heap layout of the class.
func (c *Class) Layout() *immix.Class { return c.layout }

// NumFields returns the number of fields of the class's instances.
func (c *Class) NumFields() int { return len(c.FieldNames) }

// Method returns the method with the given name, or nil.
func (c *Class) Method(name string) *Method { return c.methods[name] }

func (c *Class) String() string { return c.Name }

// Method is a compiled method body.
type Method struct {
	Name      string
	Class     *Class
	Arity     int
	Registers int
	Code      []Instruction
}

// FullName returns Class.method.
func (m *Method) FullName() string {
	if m.Class == nil {
		return m.Name
	}
	return m.Class.Name + "." + m.Name
}

// ---------------------------------------------------------------------------
// Built-in classes
// ---------------------------------------------------------------------------

// Names of the classes every runtime provides.
const (
	StringClassName         = "String"
	IOErrorClassName        = "IOError"
	FileDescriptorClassName = "FileDescriptor"
)

// IOError object layout: the error kind, the OS error number and the
// message as payload.
const (
	ioErrorKindField  = 0
	ioErrorErrnoField = 1
)

// builtins holds the classes defined by the runtime itself.
type builtins struct {
	String         *Class
	IOError        *Class
	FileDescriptor *Class
}

func newBuiltins() builtins {
	return builtins{
		String:         newClass(1, StringClassName, nil, nil),
		IOError:        newClass(2, IOErrorClassName, []string{"kind", "errno"}, nil),
		FileDescriptor: fileDescriptorClass(),
	}
}

func fileDescriptorClass() *Class {
	c := newClass(3, FileDescriptorClassName, []string{"fd"}, finalizeFileDescriptor)
	c.layout.Moved = moveFileDescriptor
	return c
}

func (b builtins) lookup(name string) *Class {
	switch name {
	case StringClassName:
		return b.String
	case IOErrorClassName:
		return b.IOError
	case FileDescriptorClassName:
		return b.FileDescriptor
	}
	return nil
}

// firstImageClassID is the layout id of the first class loaded from an image.
const firstImageClassID = 16

// finalizeFileDescriptor closes the descriptor stored in field 0 unless it
// was already closed (set to a negative number or nil).
func finalizeFileDescriptor(o *immix.Object) error {
	v, err := o.Field(0)
	if err != nil {
		return err
	}
	if !v.IsInt() || v.Int() < 0 {
		return nil
	}
	if err := closeFD(int(v.Int())); err != nil && !errors.Is(err, errBadDescriptor) {
		return fmt.Errorf("close fd %d: %w", v.Int(), err)
	}
	return nil
}

// moveFileDescriptor hands the descriptor over to the copy made by a send
// or receive, so that only the copy closes it.
func moveFileDescriptor(h *immix.Heap, o *immix.Object) error {
	return h.Store(o, 0, immix.FromInt(-1))
}

// stringOf returns the text of a String object, or the printed form of any
// other value.
func stringOf(h *immix.Heap, v immix.Value) string {
	if v.IsRef() {
		if o, err := h.Resolve(v); err == nil && o.Class().Name == StringClassName {
			return string(o.Payload())
		}
	}
	return v.String()
}
