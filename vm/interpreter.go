package vm

import (
	"errors"
	"runtime"
	"time"

	"github.com/chazu/mvm/immix"
	"github.com/chazu/mvm/netpoll"
)

// ---------------------------------------------------------------------------
// Frame: execution state of one method invocation
// ---------------------------------------------------------------------------

// Frame is one activation on a process's frame stack. Its registers are the
// roots the collector scans.
type Frame struct {
	method    *Method
	pc        int
	registers []immix.Value
	ret       int32 // caller register receiving the result
}

func newFrame(m *Method, ret int32) *Frame {
	return &Frame{
		method:    m,
		registers: make([]immix.Value, max(m.Registers, m.Arity)),
		ret:       ret,
	}
}

// Method returns the method the frame executes.
func (f *Frame) Method() *Method { return f.method }

// PC returns the index of the next instruction.
func (f *Frame) PC() int { return f.pc }

// ---------------------------------------------------------------------------
// Interpreter loop
// ---------------------------------------------------------------------------

// fail raises a process panic. It unwinds to execute.
func (p *Process) fail(format string, args ...any) {
	panic(p.newPanic(format, args...))
}

// execute runs the process until its outermost frame returns or it
// panics. Control leaves the goroutine at every yield and suspension
// point in between. Go runtime errors become process panics.
func (p *Process) execute() (result immix.Value, perr *Panic) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *Panic:
				result, perr = immix.Nil, e
			case runtime.Error:
				result, perr = immix.Nil, p.newPanic("%v", e)
			default:
				panic(r)
			}
		}
	}()

	rt := p.rt
	prog := rt.Program()
	p.reductions = rt.opts.Reductions

	for {
		if p.triggeredGC {
			if err := p.collect(); err != nil {
				p.fail("collection failed: %v", err)
			}
		}
		if p.reductions <= 0 {
			p.yield()
		}

		f := p.frames[len(p.frames)-1]
		if f.pc >= len(f.method.Code) {
			p.fail("%s: ran past the last instruction", f.method.FullName())
		}
		ins := f.method.Code[f.pc]
		f.pc++
		p.reductions--
		p.executed++

		switch ins.Op {
		case OpNop:

		case OpJump:
			f.pc = int(ins.A)

		case OpJumpIfFalse:
			if !p.reg(f, ins.A).Truthy() {
				f.pc = int(ins.B)
			}

		case OpCall:
			if len(p.frames) >= rt.opts.MaxFrames {
				p.fail("stack overflow: %d frames", len(p.frames))
			}
			callee := p.methodAt(prog, ins.B)
			next := newFrame(callee, ins.A)
			copy(next.registers, p.args(f, ins.C, ins.D))
			p.frames = append(p.frames, next)

		case OpReturn:
			v := *p.reg(f, ins.A)
			p.frames[len(p.frames)-1] = nil
			p.frames = p.frames[:len(p.frames)-1]
			if len(p.frames) == 0 {
				return v, nil
			}
			caller := p.frames[len(p.frames)-1]
			*p.reg(caller, f.ret) = v

		case OpPanic:
			p.fail("%s", stringOf(p.heap, *p.reg(f, ins.A)))

		case OpLoadInt:
			*p.reg(f, ins.A) = immix.FromInt(int64(ins.B))

		case OpLoadNil:
			*p.reg(f, ins.A) = immix.Nil

		case OpLoadConst:
			if prog == nil || ins.B < 0 || int(ins.B) >= len(prog.Constants) {
				p.fail("constant %d out of range", ins.B)
			}
			*p.reg(f, ins.A) = prog.Constants[ins.B]

		case OpMove:
			*p.reg(f, ins.A) = *p.reg(f, ins.B)

		case OpAddInt:
			x, y := p.intReg(f, ins.B, "add_int"), p.intReg(f, ins.C, "add_int")
			*p.reg(f, ins.A) = p.smallInt(x+y, "add_int")

		case OpLessInt:
			x, y := p.intReg(f, ins.B, "less_int"), p.intReg(f, ins.C, "less_int")
			*p.reg(f, ins.A) = immix.FromBool(x < y)

		case OpDivInt:
			x, y := p.intReg(f, ins.B, "div_int"), p.intReg(f, ins.C, "div_int")
			if y == 0 {
				p.fail("division by zero")
			}
			*p.reg(f, ins.A) = p.smallInt(x/y, "div_int")

		case OpAllocate:
			if prog == nil || ins.B < 0 || int(ins.B) >= len(prog.Classes) {
				p.fail("class %d out of range", ins.B)
			}
			class := prog.Classes[ins.B]
			o, triggered, err := p.heap.Allocate(class.layout, class.NumFields(), int(ins.C))
			if err != nil {
				p.fail("allocate %s: %v", class.Name, err)
			}
			p.triggeredGC = p.triggeredGC || triggered
			*p.reg(f, ins.A) = o.Value()

		case OpGetField:
			o := p.object(f, ins.B)
			v, err := o.Field(int(ins.C))
			if err != nil {
				p.fail("get_field: %v", err)
			}
			*p.reg(f, ins.A) = v

		case OpSetField:
			o := p.object(f, ins.A)
			if err := p.heap.Store(o, int(ins.B), *p.reg(f, ins.C)); err != nil {
				p.fail("set_field: %v", err)
			}

		case OpCollect:
			if err := p.collect(); err != nil {
				p.fail("collection failed: %v", err)
			}

		case OpSpawn:
			callee := p.methodAt(prog, ins.B)
			args := append([]immix.Value(nil), p.args(f, ins.C, ins.D)...)
			child, err := rt.spawn(callee, p.heap, args, false)
			if err != nil {
				p.fail("spawn: %v", err)
			}
			*p.reg(f, ins.A) = immix.FromInt(int64(child.pid))

		case OpSend:
			pid := p.intReg(f, ins.A, "send")
			if err := rt.send(p.heap, PID(pid), *p.reg(f, ins.B)); err != nil {
				p.fail("send: %v", err)
			}

		case OpReceive:
			v, err := p.receive()
			if err != nil {
				p.fail("receive: %v", err)
			}
			*p.reg(f, ins.A) = v

		case OpSleep:
			ms := p.intReg(f, ins.A, "sleep")
			p.sleep(time.Duration(ms) * time.Millisecond)

		case OpPoll:
			fd := p.intReg(f, ins.B, "poll")
			interest := netpoll.Interest(ins.C)
			if interest == 0 {
				interest = netpoll.Readable
			}
			timeout := time.Duration(-1)
			if ms := p.intReg(f, ins.D, "poll"); ms >= 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			ready, ioErr := p.poll(int(fd), interest, timeout)
			if ioErr != nil {
				v, triggered, err := ioErr.toObject(p.heap, rt.builtins.IOError)
				if err != nil {
					p.fail("poll: %v", err)
				}
				p.triggeredGC = p.triggeredGC || triggered
				*p.reg(f, ins.A) = v
				break
			}
			*p.reg(f, ins.A) = immix.FromBool(ready)

		case OpSelf:
			*p.reg(f, ins.A) = immix.FromInt(int64(p.pid))

		default:
			p.fail("unknown opcode %s", ins.Op)
		}
	}
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

func (p *Process) reg(f *Frame, r int32) *immix.Value {
	if r < 0 || int(r) >= len(f.registers) {
		p.fail("%s: register %d out of range", f.method.FullName(), r)
	}
	return &f.registers[r]
}

func (p *Process) intReg(f *Frame, r int32, op string) int64 {
	v := *p.reg(f, r)
	if !v.IsInt() {
		p.fail("%s: %s is not an integer", op, v)
	}
	return v.Int()
}

func (p *Process) smallInt(n int64, op string) immix.Value {
	if n < immix.MinSmallInt || n > immix.MaxSmallInt {
		p.fail("%s: integer overflow", op)
	}
	return immix.FromInt(n)
}

func (p *Process) args(f *Frame, first, n int32) []immix.Value {
	if n == 0 {
		return nil
	}
	if first < 0 || n < 0 || int(first)+int(n) > len(f.registers) {
		p.fail("%s: argument registers %d..%d out of range", f.method.FullName(), first, first+n-1)
	}
	return f.registers[first : first+n]
}

func (p *Process) methodAt(prog *Program, i int32) *Method {
	if prog == nil || i < 0 || int(i) >= len(prog.Methods) {
		p.fail("method %d out of range", i)
	}
	return prog.Methods[i]
}

func (p *Process) object(f *Frame, r int32) *immix.Object {
	v := *p.reg(f, r)
	o, err := p.heap.Resolve(v)
	if err != nil {
		if errors.Is(err, immix.ErrNotReference) {
			p.fail("%s is not an object", v)
		}
		p.fail("%v", err)
	}
	return o
}
