package vm

import (
	"strings"
	"testing"
)

func TestPanicWriteTo(t *testing.T) {
	p := &Panic{
		PID:     4,
		Message: "division by zero",
		Stack: []StackEntry{
			{Method: "Worker.divide", PC: 2},
			{Method: "Main.start", PC: 5},
		},
	}
	var b strings.Builder
	n, err := p.WriteTo(&b)
	if err != nil {
		t.Fatal(err)
	}
	out := b.String()
	if int(n) != len(out) {
		t.Errorf("WriteTo returned %d, wrote %d bytes", n, len(out))
	}
	want := "process 4 panicked: division by zero\nstack trace:\n" +
		"  Worker.divide (pc 2)\n" +
		"  Main.start (pc 5)\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestNewPanicCapturesFrames(t *testing.T) {
	outer := &Method{Name: "start", Class: newClass(20, "Main", nil, nil), Registers: 1}
	inner := &Method{Name: "helper", Class: newClass(21, "Util", nil, nil), Registers: 1}
	p := &Process{pid: 9, frames: []*Frame{newFrame(outer, 0), newFrame(inner, 0)}}
	p.frames[0].pc = 3
	p.frames[1].pc = 1

	pp := p.newPanic("bad %s", "thing")
	if pp.PID != 9 || pp.Message != "bad thing" {
		t.Fatalf("panic = %+v", pp)
	}
	if len(pp.Stack) != 2 || pp.Stack[0] != (StackEntry{"Util.helper", 0}) || pp.Stack[1] != (StackEntry{"Main.start", 2}) {
		t.Errorf("stack = %+v", pp.Stack)
	}
}
