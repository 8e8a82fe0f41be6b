package vm

import (
	"fmt"
	"io"
	"strings"
)

// ---------------------------------------------------------------------------
// Panic: unrecoverable process error
// ---------------------------------------------------------------------------

// ExitPanic is the exit code of a runtime whose entry process panicked.
const ExitPanic = 1

// StackEntry is one frame of a panic's stack trace, innermost first.
type StackEntry struct {
	Method string
	PC     int
}

// Panic terminates the process that raised it. Only the entry process
// panicking changes the runtime's exit code.
type Panic struct {
	PID     PID
	Message string
	Stack   []StackEntry
}

func (p *Panic) Error() string {
	return fmt.Sprintf("process %d panicked: %s", p.PID, p.Message)
}

// WriteTo prints the panic and its stack trace.
func (p *Panic) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	b.WriteString(p.Error())
	b.WriteString("\nstack trace:\n")
	for _, e := range p.Stack {
		fmt.Fprintf(&b, "  %s (pc %d)\n", e.Method, e.PC)
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// newPanic captures the frame stack of p, innermost first.
func (p *Process) newPanic(format string, args ...any) *Panic {
	stack := make([]StackEntry, 0, len(p.frames))
	for i := len(p.frames) - 1; i >= 0; i-- {
		f := p.frames[i]
		stack = append(stack, StackEntry{Method: f.method.FullName(), PC: f.pc - 1})
	}
	return &Panic{
		PID:     p.pid,
		Message: fmt.Sprintf(format, args...),
		Stack:   stack,
	}
}
