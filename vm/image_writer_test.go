package vm

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Header format
// ---------------------------------------------------------------------------

// reservedFlags sets bits no loader acts on.
const reservedFlags uint32 = 1<<0 | 1<<7

func TestEncodeImageHeader(t *testing.T) {
	img := sampleImage()
	img.Flags = reservedFlags
	data, err := EncodeImage(img)
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}

	if !bytes.Equal(data[0:4], ImageMagic[:]) {
		t.Errorf("magic = %q", data[0:4])
	}
	if v := ReadUint32(data[4:]); v != ImageVersion {
		t.Errorf("version = %d, want %d", v, ImageVersion)
	}
	if f := ReadUint32(data[8:]); f != reservedFlags {
		t.Errorf("flags = %d, want %d", f, reservedFlags)
	}
	if n := ReadUint32(data[12:]); int(n) != len(data)-ImageHeaderSize {
		t.Errorf("body length = %d, file body is %d bytes", n, len(data)-ImageHeaderSize)
	}
}

func TestEncodeImageAssignsBuildID(t *testing.T) {
	img := sampleImage()
	if _, err := EncodeImage(img); err != nil {
		t.Fatal(err)
	}
	if img.BuildID == uuid.Nil {
		t.Fatal("no build id assigned")
	}

	fixed := uuid.MustParse("6f1c2b9e-3c4d-4e5f-8a9b-0c1d2e3f4a5b")
	img = sampleImage()
	img.BuildID = fixed
	if _, err := EncodeImage(img); err != nil {
		t.Fatal(err)
	}
	if img.BuildID != fixed {
		t.Errorf("build id replaced: %s", img.BuildID)
	}
}

func TestEncodeImageIsDeterministic(t *testing.T) {
	img := sampleImage()
	img.BuildID = uuid.MustParse("6f1c2b9e-3c4d-4e5f-8a9b-0c1d2e3f4a5b")
	a, err := EncodeImage(img)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeImage(img)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same image differ")
	}
}

func TestDecodeImagePreservesContent(t *testing.T) {
	img := sampleImage()
	img.Flags = reservedFlags
	data, err := EncodeImage(img)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if got.BuildID != img.BuildID || got.Flags != img.Flags || got.Entry != img.Entry {
		t.Errorf("header fields = %s %d %s", got.BuildID, got.Flags, got.Entry)
	}
	if len(got.Methods) != len(img.Methods) {
		t.Fatalf("%d methods, want %d", len(got.Methods), len(img.Methods))
	}
	for i, m := range got.Methods {
		want := img.Methods[i]
		if m.Class != want.Class || m.Name != want.Name || m.Arity != want.Arity || m.Registers != want.Registers {
			t.Errorf("method %d = %+v", i, m)
		}
		for pc, ins := range m.Code {
			if ins.String() != want.Code[pc].String() {
				t.Errorf("%s.%s pc %d = %s, want %s", m.Class, m.Name, pc, ins, want.Code[pc])
			}
		}
	}
	if got.Constants[3].String != "hello" || got.Constants[2].Int != -12 {
		t.Errorf("constants = %+v", got.Constants)
	}
	if !got.Classes[2].Builtin || len(got.Classes[1].Fields) != 2 {
		t.Errorf("classes = %+v", got.Classes)
	}
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

func TestSaveImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mvmi")
	img := sampleImage()
	if err := SaveImage(img, path); err != nil {
		t.Fatalf("SaveImage failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if got.BuildID != img.BuildID {
		t.Errorf("build id = %s, want %s", got.BuildID, img.BuildID)
	}
}

func TestSaveImageBadPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.mvmi")
	if err := SaveImage(sampleImage(), path); err == nil {
		t.Error("expected an error writing into a missing directory")
	}
}
