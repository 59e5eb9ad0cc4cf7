//go:build linux && 386

package elfimage

import "golang.org/x/sys/unix"

// mmapFixed reserves exactly length bytes of anonymous memory at addr via
// a direct SYS_MMAP2 call (386's mmap2 takes a page-shifted offset rather
// than amd64's byte offset; it is 0 here since the mapping is anonymous).
// See the amd64 variant of this file for why the raw syscall is needed at
// all instead of the unix.Mmap convenience wrapper.
func mmapFixed(addr uint32, length int) ([]byte, error) {
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP2, uintptr(addr), uintptr(length), uintptr(unix.PROT_NONE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}
	return unsafeSliceAt(uint32(r1), uint32(length)), nil
}
