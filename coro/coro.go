// Package coro provides the symmetric control transfer between worker
// threads and process stacks.
//
// A Context is a saved execution point. Switch parks the calling context
// and resumes the target; Exit resumes the target and abandons the caller.
// The Signal passed along tells the resumed side why control came back,
// so nothing has to be read from the stack that was just left.
package coro

import (
	"fmt"
	"sync/atomic"
)

// Signal travels with every control transfer.
type Signal uint8

const (
	// Resume tells a process to continue running.
	Resume Signal = iota
	// Yield reports that the process used up its reductions.
	Yield
	// Suspend reports that the process registered a wake source and waits.
	Suspend
	// Collect reports that the process wants its heap collected.
	Collect
	// Exit reports that the process terminated.
	Exit
	// Abort tells a parked process to unwind without running further.
	Abort
)

func (s Signal) String() string {
	switch s {
	case Resume:
		return "resume"
	case Yield:
		return "yield"
	case Suspend:
		return "suspend"
	case Collect:
		return "collect"
	case Exit:
		return "exit"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("signal(%d)", uint8(s))
	}
}

// Switcher is the platform capability behind process stacks.
type Switcher interface {
	// InitStack prepares ctx so that the first switch onto it runs
	// entry(data). entry must end with Exit.
	InitStack(ctx *Context, entry func(data any), data any)

	// Switch saves the calling context in from, resumes to with sig and
	// returns the signal from by which control later comes back to from.
	Switch(from, to *Context, sig Signal) Signal

	// Exit resumes to with sig and never returns control to the caller's
	// context.
	Exit(to *Context, sig Signal)
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// Context is a saved execution point: a worker's scheduling loop or a
// process stack.
type Context struct {
	baton   chan Signal
	started atomic.Bool
}

// NewContext creates an empty context. Worker loops use one to receive
// control back from the processes they run.
func NewContext() *Context {
	return &Context{baton: make(chan Signal, 1)}
}

// Started reports whether InitStack was called on the context.
func (c *Context) Started() bool { return c.started.Load() }

// ---------------------------------------------------------------------------
// Goroutine switcher
// ---------------------------------------------------------------------------

// Goroutines runs every process stack on its own goroutine and transfers
// control by handing a one-slot baton. A resume delivered before the
// target parked waits in the slot, so it cannot be lost.
type Goroutines struct {
	switches atomic.Uint64
}

// NewGoroutines creates the goroutine backed switcher.
func NewGoroutines() *Goroutines {
	return &Goroutines{}
}

// InitStack implements Switcher.
func (g *Goroutines) InitStack(ctx *Context, entry func(any), data any) {
	if !ctx.started.CompareAndSwap(false, true) {
		panic("coro: stack initialized twice")
	}
	go func() {
		if sig := <-ctx.baton; sig == Abort {
			return
		}
		entry(data)
	}()
}

// Switch implements Switcher.
func (g *Goroutines) Switch(from, to *Context, sig Signal) Signal {
	g.switches.Add(1)
	to.baton <- sig
	return <-from.baton
}

// Exit implements Switcher.
func (g *Goroutines) Exit(to *Context, sig Signal) {
	g.switches.Add(1)
	to.baton <- sig
}

// Abort delivers Abort to a parked context without waiting for it.
func (g *Goroutines) Abort(ctx *Context) {
	select {
	case ctx.baton <- Abort:
	default:
	}
}

// Switches returns the number of control transfers performed.
func (g *Goroutines) Switches() uint64 { return g.switches.Load() }
