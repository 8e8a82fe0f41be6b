// Package netpoll waits for file descriptor readiness on behalf of
// suspended processes.
//
// Every registration is one-shot and edge-triggered: once the descriptor
// becomes ready its token is delivered to the ready callback and the watch
// is disarmed until the next Register. Run blocks in the OS wait call and
// is the only goroutine that delivers tokens.
package netpoll

import (
	"errors"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("mvm.netpoll")

var (
	// ErrUnsupported is returned on platforms without a poller backend.
	ErrUnsupported = errors.New("network poller not supported on this platform")
	// ErrClosed is returned by operations on a closed poller.
	ErrClosed = errors.New("poller closed")
	// ErrPollFailed wraps failures of the OS wait call.
	ErrPollFailed = errors.New("readiness poll failed")
)

// Interest selects the readiness a registration waits for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return "none"
	}
}

// Token identifies the waiter of a registration, usually a process id.
type Token uint64

// wakeToken is reserved for the poller's own wake descriptor.
const wakeToken = ^Token(0)
