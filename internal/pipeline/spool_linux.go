//go:build linux

package pipeline

import (
	"os"

	"golang.org/x/sys/unix"
)

// adviseSequential tells the kernel the spool is read front to back once.
func adviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
