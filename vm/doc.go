// Package vm implements the process runtime of the mvm virtual machine.
//
// This package contains:
//   - The Runtime: block pool, permanent heap, process table, scheduler,
//     collector, timeout worker and network poller of one VM instance
//   - Lightweight processes with their own heap, frame stack and mailbox
//   - The process state machine and first-wins wake protocol
//   - Program image loading and encoding
//   - The register interpreter that drives processes
package vm
