package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction. Every instruction costs one reduction.
type Opcode byte

// Control
const (
	OpNop         Opcode = 0x00 // no operation
	OpJump        Opcode = 0x01 // pc = A
	OpJumpIfFalse Opcode = 0x02 // if !truthy(rA) pc = B
	OpCall        Opcode = 0x03 // rA = methods[B](rC .. rC+D-1)
	OpReturn      Opcode = 0x04 // return rA
	OpPanic       Opcode = 0x05 // panic with message rA
)

// Registers and arithmetic
const (
	OpLoadInt   Opcode = 0x10 // rA = B
	OpLoadNil   Opcode = 0x11 // rA = nil
	OpLoadConst Opcode = 0x12 // rA = constants[B]
	OpMove      Opcode = 0x13 // rA = rB
	OpAddInt    Opcode = 0x14 // rA = rB + rC
	OpLessInt   Opcode = 0x15 // rA = rB < rC
	OpDivInt    Opcode = 0x16 // rA = rB / rC
)

// Objects
const (
	OpAllocate Opcode = 0x20 // rA = new classes[B] with C payload bytes
	OpGetField Opcode = 0x21 // rA = rB.fields[C]
	OpSetField Opcode = 0x22 // rA.fields[B] = rC
	OpCollect  Opcode = 0x23 // request a collection of the process heap
)

// Processes and I/O
const (
	OpSpawn   Opcode = 0x30 // rA = spawn methods[B](rC .. rC+D-1)
	OpSend    Opcode = 0x31 // send rB to process rA
	OpReceive Opcode = 0x32 // rA = next message, suspending while empty
	OpSleep   Opcode = 0x33 // suspend for rA milliseconds
	OpPoll    Opcode = 0x34 // rA = ready(fd rB, interest C, deadline rD ms)
	OpSelf    Opcode = 0x35 // rA = own pid
)

var opcodeNames = map[Opcode]string{
	OpNop:         "nop",
	OpJump:        "jump",
	OpJumpIfFalse: "jump_if_false",
	OpCall:        "call",
	OpReturn:      "return",
	OpPanic:       "panic",
	OpLoadInt:     "load_int",
	OpLoadNil:     "load_nil",
	OpLoadConst:   "load_const",
	OpMove:        "move",
	OpAddInt:      "add_int",
	OpLessInt:     "less_int",
	OpDivInt:      "div_int",
	OpAllocate:    "allocate",
	OpGetField:    "get_field",
	OpSetField:    "set_field",
	OpCollect:     "collect",
	OpSpawn:       "spawn",
	OpSend:        "send",
	OpReceive:     "receive",
	OpSleep:       "sleep",
	OpPoll:        "poll",
	OpSelf:        "self",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%#02x)", byte(op))
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one register machine instruction. Operand meaning depends
// on the opcode; unused operands are zero.
type Instruction struct {
	_  struct{} `cbor:",toarray"`
	Op Opcode
	A  int32
	B  int32
	C  int32
	D  int32
}

// Ins builds an instruction.
func Ins(op Opcode, operands ...int32) Instruction {
	ins := Instruction{Op: op}
	dst := []*int32{&ins.A, &ins.B, &ins.C, &ins.D}
	for i, v := range operands {
		if i < len(dst) {
			*dst[i] = v
		}
	}
	return ins
}

func (ins Instruction) String() string {
	return fmt.Sprintf("%s %d %d %d %d", ins.Op, ins.A, ins.B, ins.C, ins.D)
}
