package elfimage

import "unsafe"

// hostAddressOf returns the 32-bit host virtual address backing an mmap'd
// slice. This is only ever called from a 386 host process in this design
// (the guest substrate is 32-bit-only), so truncating the pointer to 32
// bits loses no information.
func hostAddressOf(m []byte) uint32 {
	if len(m) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&m[0])))
}

// unsafeSliceAt reconstructs a []byte view over a previously mmap'd region
// so it can be handed back to unix.Munmap.
func unsafeSliceAt(addr uint32, length uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}
