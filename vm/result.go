package vm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/chazu/mvm/immix"
	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// I/O error results
// ---------------------------------------------------------------------------

// ErrorKind classifies an OS error so that programs can branch on it.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindNotFound
	KindPermissionDenied
	KindConnectionRefused
	KindConnectionReset
	KindTimedOut
	KindWouldBlock
	KindBadDescriptor
	KindUnsupported
)

var errorKindNames = [...]string{
	KindOther:             "other",
	KindNotFound:          "not-found",
	KindPermissionDenied:  "permission-denied",
	KindConnectionRefused: "connection-refused",
	KindConnectionReset:   "connection-reset",
	KindTimedOut:          "timed-out",
	KindWouldBlock:        "would-block",
	KindBadDescriptor:     "bad-descriptor",
	KindUnsupported:       "unsupported",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Classify derives the kind of an error from the OS error it wraps.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, unix.ENOENT), errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM), errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, unix.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return KindConnectionReset
	case errors.Is(err, unix.ETIMEDOUT), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimedOut
	case errors.Is(err, unix.EAGAIN):
		return KindWouldBlock
	case errors.Is(err, unix.EBADF):
		return KindBadDescriptor
	case errors.Is(err, errors.ErrUnsupported):
		return KindUnsupported
	}
	return KindOther
}

// IOError is an I/O failure reported to a program as a value.
type IOError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewIOError wraps err, classifying it.
func NewIOError(op string, err error) *IOError {
	return &IOError{Kind: Classify(err), Op: op, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// errno returns the OS error number wrapped by e, or 0.
func (e *IOError) errno() int64 {
	var n unix.Errno
	if errors.As(e.Err, &n) {
		return int64(n)
	}
	return 0
}

// toObject allocates the IOError object describing e in heap h.
func (e *IOError) toObject(h *immix.Heap, class *Class) (immix.Value, bool, error) {
	msg := e.Error()
	o, triggered, err := h.Allocate(class.layout, class.NumFields(), len(msg))
	if err != nil {
		return immix.Nil, false, err
	}
	copy(o.Payload(), msg)
	if err := h.Store(o, ioErrorKindField, immix.FromInt(int64(e.Kind))); err != nil {
		return immix.Nil, triggered, err
	}
	if err := h.Store(o, ioErrorErrnoField, immix.FromInt(e.errno())); err != nil {
		return immix.Nil, triggered, err
	}
	return o.Value(), triggered, nil
}
