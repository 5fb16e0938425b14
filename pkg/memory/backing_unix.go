//go:build unix

package memory

import "golang.org/x/sys/unix"

func newBacking(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeBacking(b []byte) {
	_ = unix.Munmap(b)
}
