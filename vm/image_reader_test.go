package vm

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/mvm/immix"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// sampleImage has two classes, a builtin reference, constants of every
// kind and a call between methods.
func sampleImage() *Image {
	return &Image{
		Classes: []ClassDef{
			{Name: "Main"},
			{Name: "Point", Fields: []string{"x", "y"}},
			{Name: "String", Builtin: true},
		},
		Methods: []MethodDef{
			{Class: "Main", Name: "start", Registers: 2, Code: []Instruction{
				Ins(OpLoadInt, 0, 3),
				Ins(OpCall, 1, 1, 0, 1),
				Ins(OpReturn, 1),
			}},
			{Class: "Point", Name: "double", Arity: 1, Registers: 1, Code: []Instruction{
				Ins(OpAddInt, 0, 0, 0),
				Ins(OpReturn, 0),
			}},
		},
		Constants: []Constant{
			{Kind: ConstNil},
			BoolConstant(true),
			IntConstant(-12),
			StringConstant("hello"),
		},
		Entry: MethodRef{Class: "Main", Method: "start"},
	}
}

func encode(t *testing.T, img *Image) []byte {
	t.Helper()
	data, err := EncodeImage(img)
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	return data
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadImageLinksProgram(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	img := sampleImage()
	entry := mustLoad(t, rt, img)

	if entry.BuildID != img.BuildID {
		t.Errorf("build id = %s, want %s", entry.BuildID, img.BuildID)
	}
	if got := entry.Method.FullName(); got != "Main.start" {
		t.Errorf("entry = %s", got)
	}

	prog := rt.Program()
	if len(prog.Classes) != 3 || len(prog.Methods) != 2 || len(prog.Constants) != 4 {
		t.Fatalf("program has %d classes, %d methods, %d constants",
			len(prog.Classes), len(prog.Methods), len(prog.Constants))
	}
	if prog.Class("String") != rt.builtins.String {
		t.Error("builtin String not resolved to the runtime class")
	}
	point := prog.Class("Point")
	if point == nil || point.NumFields() != 2 || point.Method("double") == nil {
		t.Fatalf("Point = %+v", point)
	}
	if point.Layout().ID != firstImageClassID+1 {
		t.Errorf("Point layout id = %d", point.Layout().ID)
	}

	if c := prog.Constants[0]; c != immix.Nil {
		t.Errorf("constant 0 = %s, want nil", c)
	}
	if c := prog.Constants[1]; c != immix.True {
		t.Errorf("constant 1 = %s, want true", c)
	}
	if c := prog.Constants[2]; !c.IsInt() || c.Int() != -12 {
		t.Errorf("constant 2 = %s, want -12", c)
	}
	s := prog.Constants[3]
	if s.Address().Heap != immix.PermanentHeapID {
		t.Fatalf("string constant lives in heap %d", s.Address().Heap)
	}
	if got := stringOf(rt.Permanent(), s); got != "hello" {
		t.Errorf("string constant = %q", got)
	}
}

func TestLoadedPermanentHeapIsSealed(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	mustLoad(t, rt, sampleImage())

	perm := rt.Permanent()
	o, err := perm.Resolve(rt.Program().Constants[3])
	if err != nil {
		t.Fatal(err)
	}
	if err := perm.Store(o, 0, immix.FromInt(1)); !errors.Is(err, immix.ErrPermanentObject) {
		t.Errorf("store into permanent object: err = %v, want ErrPermanentObject", err)
	}
}

func TestLoadImageTwice(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	mustLoad(t, rt, sampleImage())

	_, err := LoadImage(rt, encode(t, sampleImage()))
	if !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second load: err = %v, want ErrAlreadyLoaded", err)
	}
}

func TestLoadImageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.mvmi")
	if err := SaveImage(sampleImage(), path); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}

	rt, _, _ := newTestRuntime(t, Options{})
	entry, err := LoadImageFile(rt, path)
	if err != nil {
		t.Fatalf("LoadImageFile failed: %v", err)
	}
	if code := rt.Run(entry); code != 0 {
		t.Errorf("exit code = %d", code)
	}
}

func TestLoadImageFileMissing(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	if _, err := LoadImageFile(rt, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error")
	}
}

// ---------------------------------------------------------------------------
// Rejected images
// ---------------------------------------------------------------------------

func TestDecodeImageRejectsBadHeaders(t *testing.T) {
	valid := encode(t, sampleImage())

	badMagic := append([]byte(nil), valid...)
	copy(badMagic, "ELF\x7f")

	badVersion := append([]byte(nil), valid...)
	WriteUint32(badVersion[4:], ImageVersion+1)

	truncated := valid[:len(valid)-1]

	garbage := append([]byte(nil), valid[:ImageHeaderSize]...)
	garbage = append(garbage, make([]byte, len(valid)-ImageHeaderSize)...)
	for i := ImageHeaderSize; i < len(garbage); i++ {
		garbage[i] = 0xff
	}

	tests := []struct {
		name    string
		data    []byte
		section string
		want    error
	}{
		{"empty", nil, "header", ErrCorruptHeader},
		{"short header", valid[:ImageHeaderSize-1], "header", ErrCorruptHeader},
		{"magic", badMagic, "header", ErrInvalidMagic},
		{"version", badVersion, "header", ErrVersionMismatch},
		{"body length", truncated, "header", ErrCorruptHeader},
		{"body", garbage, "body", ErrCorruptData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeImage(tt.data)
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("err = %v, want *LoadError", err)
			}
			if le.Section != tt.section {
				t.Errorf("section = %q, want %q", le.Section, tt.section)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadImageRejectsBadLinks(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Image)
		section string
		want    error
	}{
		{"duplicate class", func(img *Image) {
			img.Classes = append(img.Classes, ClassDef{Name: "Main"})
		}, "classes", ErrCorruptData},
		{"unknown builtin", func(img *Image) {
			img.Classes = append(img.Classes, ClassDef{Name: "Socket", Builtin: true})
		}, "classes", ErrUnresolvedClass},
		{"method of unknown class", func(img *Image) {
			img.Methods[1].Class = "Line"
		}, "methods", ErrUnresolvedClass},
		{"registers below arity", func(img *Image) {
			img.Methods[1].Registers = 0
		}, "methods", ErrCorruptData},
		{"integer constant out of range", func(img *Image) {
			img.Constants[2] = IntConstant(immix.MaxSmallInt + 1)
		}, "constants", ErrInvalidConstant},
		{"unknown constant kind", func(img *Image) {
			img.Constants[0].Kind = 9
		}, "constants", ErrInvalidConstant},
		{"constant index", func(img *Image) {
			img.Methods[0].Code[0] = Ins(OpLoadConst, 0, 4)
		}, "methods", ErrInvalidConstant},
		{"class index", func(img *Image) {
			img.Methods[0].Code[0] = Ins(OpAllocate, 0, 3)
		}, "methods", ErrUnresolvedClass},
		{"negative allocate payload", func(img *Image) {
			img.Methods[0].Code[0] = Ins(OpAllocate, 0, 1, -1000)
		}, "methods", ErrCorruptData},
		{"method index", func(img *Image) {
			img.Methods[0].Code[1] = Ins(OpCall, 1, 2, 0, 1)
		}, "methods", ErrUnresolvedMethod},
		{"call arity", func(img *Image) {
			img.Methods[0].Code[1] = Ins(OpCall, 1, 1, 0, 0)
		}, "methods", ErrCorruptData},
		{"spawn arity", func(img *Image) {
			img.Methods[0].Code[1] = Ins(OpSpawn, 1, 1, 0, 2)
		}, "methods", ErrCorruptData},
		{"jump target", func(img *Image) {
			img.Methods[0].Code[0] = Ins(OpJump, 3)
		}, "methods", ErrCorruptData},
		{"unknown opcode", func(img *Image) {
			img.Methods[0].Code[0] = Instruction{Op: 0xee}
		}, "methods", ErrCorruptData},
		{"entry class", func(img *Image) {
			img.Entry.Class = "Nowhere"
		}, "entry", ErrUnresolvedClass},
		{"entry method", func(img *Image) {
			img.Entry.Method = "stop"
		}, "entry", ErrUnresolvedMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := sampleImage()
			tt.mutate(img)
			rt, _, _ := newTestRuntime(t, Options{})

			_, err := LoadImage(rt, encode(t, img))
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("err = %v, want *LoadError", err)
			}
			if le.Section != tt.section {
				t.Errorf("section = %q, want %q", le.Section, tt.section)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if rt.Program() != nil {
				t.Error("rejected image installed a program")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// FuzzDecodeImage: arbitrary input must produce an error, never a panic.
// ---------------------------------------------------------------------------

func FuzzDecodeImage(f *testing.F) {
	valid, err := EncodeImage(sampleImage())
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add(valid[:ImageHeaderSize])
	f.Add([]byte("MVMI"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		img, err := DecodeImage(data)
		if err != nil {
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("error %v is not a *LoadError", err)
			}
			return
		}
		if img == nil {
			t.Fatal("nil image without error")
		}
	})
}
