package immix

import (
	"errors"
	"fmt"
	"os"
)

// ErrOutOfMemory reports that the OS refused to map more memory.
var ErrOutOfMemory = errors.New("out of memory")

// ExitFatal is the process exit status used by the default fatal handler.
const ExitFatal = 2

// FatalHandler is called for conditions the runtime cannot recover from:
// memory exhaustion, broken reference-count invariants and failing
// scheduler or poller system calls. The default handler logs, prints to
// standard error and exits. Tests replace it to observe fatal errors.
var FatalHandler = func(err error) {
	log.Criticalf("fatal: %v", err)
	fmt.Fprintf(os.Stderr, "mvm: fatal error: %v\n", err)
	os.Exit(ExitFatal)
}

// Fatal reports err through FatalHandler. If the handler returns, Fatal
// panics so that the caller never continues with a broken substrate.
func Fatal(err error) {
	FatalHandler(err)
	panic(err)
}
