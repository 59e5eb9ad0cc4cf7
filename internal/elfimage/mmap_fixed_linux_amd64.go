//go:build linux && amd64

package elfimage

import "golang.org/x/sys/unix"

// mmapFixed reserves exactly length bytes of anonymous memory at addr via
// a direct SYS_MMAP call. golang.org/x/sys/unix's exported Mmap wrapper
// hardcodes the kernel's requested address to 0 (its "offset" parameter is
// the file offset, not a placement address), so it can never honor
// MAP_FIXED at a specific vaddr the way the ET_EXEC case of the mapping
// algorithm requires; the raw syscall is the only way to ask for memory
// at an exact address.
func mmapFixed(addr uint32, length int) ([]byte, error) {
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length), uintptr(unix.PROT_NONE), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}
	return unsafeSliceAt(uint32(r1), uint32(length)), nil
}
