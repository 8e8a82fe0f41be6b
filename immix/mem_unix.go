//go:build unix

package immix

import "golang.org/x/sys/unix"

// mapMemory maps an anonymous, private, read-write region from the OS.
func mapMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// unmapMemory returns a region obtained from mapMemory to the OS.
func unmapMemory(mem []byte) error {
	return unix.Munmap(mem)
}
