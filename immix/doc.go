// Package immix implements the per-process heaps of the runtime.
//
// This package contains:
//   - Tagged 64-bit values and (heap, block, offset) addresses
//   - Object headers and class descriptors
//   - 32 KiB blocks subdivided into 128 byte lines, with occupancy and mark
//     line bitmaps
//   - The global block pool shared by every heap
//   - Generational heaps (eden, young, mature) with bump allocation into holes
//   - Deep copying of object graphs between heaps
package immix
