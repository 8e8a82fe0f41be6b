package vm

import "golang.org/x/sys/unix"

var errBadDescriptor = unix.EBADF

func closeFD(fd int) error {
	return unix.Close(fd)
}
