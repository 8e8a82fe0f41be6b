// Package gc implements the parallel mark-and-evacuate collector that
// reclaims process heaps.
//
// A collection traces the objects reachable from an explicit root set:
// register slots of the suspended process, pinned objects and, for mailbox
// heaps, queued messages. Roots are split across several tracers that
// race on the objects' mark words. Objects are copied when they are
// promoted (eden to young, young to mature once old enough) or when their
// block was flagged as fragmented by the previous sweep; the slot that led
// to them is rewritten to the copy.
//
// The Collector serves collection requests from a FIFO queue with a fixed
// set of worker goroutines.
package gc
