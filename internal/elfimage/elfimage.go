// Package elfimage implements the ELF Loader: validation of a 32-bit
// little-endian x86 ELF executable or shared object, and the two-pass
// PT_LOAD mapping algorithm that places it into the host address space.
//
// The byte-layout knowledge here is grounded in the teacher's own ELF
// *writer* (elf.go, elf_sections.go, elf_static.go, elf_dynamic.go,
// elf_complete.go from the retrieval pack's xyproto-vibe67 module), read
// in reverse: where that code picks e_type/e_machine/e_entry/phoff and
// emits a PT_LOAD program header, this package validates that someone
// else picked those same fields correctly and reproduces the same
// vaddr-range/load-delta bookkeeping in the other direction.
package elfimage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ELF32 on-disk constant layout, per §6.3.
const (
	ehSize        = 52
	phEntSize     = 32
	classELF32    = 1
	dataLE        = 2
	evCurrent     = 1
	etExec        = 2
	etDyn         = 3
	emI386        = 3
	ptLoad        = 1
	ptInterp      = 3
	ptPHDR        = 6
	ptGNUStack    = 0x6474e551
	pfExec        = 1
	pfWrite       = 2
	pfRead        = 4
	pageSize      = 0x1000
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// Error kinds from §7's Loader errors list. Each is a distinct sentinel so
// callers can match on the specific validation failure.
var (
	ErrTruncatedHeader    = errors.New("elfimage: truncated header")
	ErrBadMagic           = errors.New("elfimage: bad magic")
	ErrWrongClass         = errors.New("elfimage: wrong class (not 32-bit)")
	ErrWrongEncoding      = errors.New("elfimage: wrong encoding (not little-endian)")
	ErrWrongVersion       = errors.New("elfimage: wrong version")
	ErrUnsupportedType    = errors.New("elfimage: unsupported object type")
	ErrWrongMachine       = errors.New("elfimage: wrong machine (not x86)")
	ErrBadHeaderSizes     = errors.New("elfimage: bad header sizes")
	ErrExecutableStack    = errors.New("elfimage: executable stack segment")
	ErrReservationFailed  = errors.New("elfimage: reservation failed")
	ErrCommitFailed       = errors.New("elfimage: commit failed")
	ErrProtectFailed      = errors.New("elfimage: protect failed")
	ErrTruncatedImage     = errors.New("elfimage: truncated image")
	ErrInvalidInterpreter = errors.New("elfimage: invalid interpreter string")
)

// Header is the subset of ELF header fields the loader reads, per §6.3.
type Header struct {
	Type     uint16
	Machine  uint16
	Version  uint32
	Entry    uint32
	Phoff    uint32
	Ehsize   uint16
	Phentsize uint16
	Phnum    uint16
	Shentsize uint16
}

// ProgramHeader is the subset of program-header fields the loader reads.
type ProgramHeader struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
}

// ParseHeader validates and decodes the ELF header from data, in the exact
// order §4.E's Validation list specifies.
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < 16 {
		return h, ErrTruncatedHeader
	}
	if [4]byte(data[0:4]) != elfMagic {
		return h, ErrBadMagic
	}
	if data[4] != classELF32 {
		return h, ErrWrongClass
	}
	if data[5] != dataLE {
		return h, ErrWrongEncoding
	}
	if data[6] != evCurrent {
		return h, ErrWrongVersion
	}
	if len(data) < ehSize {
		return h, ErrTruncatedHeader
	}

	h.Type = binary.LittleEndian.Uint16(data[16:18])
	h.Machine = binary.LittleEndian.Uint16(data[18:20])
	h.Version = binary.LittleEndian.Uint32(data[20:24])
	h.Entry = binary.LittleEndian.Uint32(data[24:28])
	h.Phoff = binary.LittleEndian.Uint32(data[28:32])
	h.Ehsize = binary.LittleEndian.Uint16(data[40:42])
	h.Phentsize = binary.LittleEndian.Uint16(data[42:44])
	h.Phnum = binary.LittleEndian.Uint16(data[44:46])
	h.Shentsize = binary.LittleEndian.Uint16(data[46:48])

	if h.Type != etExec && h.Type != etDyn {
		return h, ErrUnsupportedType
	}
	if h.Machine != emI386 {
		return h, ErrWrongMachine
	}
	if h.Version != evCurrent {
		return h, ErrWrongVersion
	}
	if h.Ehsize != ehSize {
		return h, ErrBadHeaderSizes
	}
	if h.Phentsize != 0 && h.Phentsize < phEntSize {
		return h, ErrBadHeaderSizes
	}
	if h.Shentsize != 0 && h.Shentsize < 40 {
		return h, ErrBadHeaderSizes
	}
	return h, nil
}

// ParseProgramHeaders decodes h.Phnum entries starting at h.Phoff, spaced
// h.Phentsize bytes apart (phEntSize when h.Phentsize is 0), reading the
// first phEntSize bytes of each.
func ParseProgramHeaders(data []byte, h Header) ([]ProgramHeader, error) {
	entSize := uint32(h.Phentsize)
	if entSize == 0 {
		entSize = phEntSize
	}
	end := h.Phoff + entSize*uint32(h.Phnum)
	if uint64(h.Phoff)+uint64(entSize)*uint64(h.Phnum) > uint64(len(data)) || end < h.Phoff {
		return nil, ErrTruncatedHeader
	}

	phdrs := make([]ProgramHeader, h.Phnum)
	for i := range phdrs {
		off := h.Phoff + uint32(i)*entSize
		rec := data[off : off+phEntSize]
		phdrs[i] = ProgramHeader{
			Type:   binary.LittleEndian.Uint32(rec[0:4]),
			Offset: binary.LittleEndian.Uint32(rec[4:8]),
			Vaddr:  binary.LittleEndian.Uint32(rec[8:12]),
			Filesz: binary.LittleEndian.Uint32(rec[16:20]),
			Memsz:  binary.LittleEndian.Uint32(rec[20:24]),
			Flags:  binary.LittleEndian.Uint32(rec[24:28]),
		}
	}
	return phdrs, nil
}

// Image is the Loaded Image record from §3.4.
type Image struct {
	BaseAddress    uint32
	EntryPoint     uint32
	HasEntryPoint  bool
	ProgramBreak   uint32
	ProgramHeaders uint32
	ProgramHeaderCount uint32
	InterpreterPath    string
	HasInterpreter     bool

	// reservedLen is kept so Close/rollback can release the mapping.
	reservedLen uint32
}

func roundUpPage(v uint32) uint32 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func roundDownPage(v uint32) uint32 {
	return v &^ (pageSize - 1)
}

func segmentProt(flags uint32) int {
	prot := 0
	if flags&pfRead != 0 {
		prot |= unix.PROT_READ
	}
	if flags&pfWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&pfExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Load implements §4.E's mapping algorithm: validate, compute the vaddr
// range, reserve a host region, then commit/copy/zero-fill/protect each
// PT_LOAD segment. data is the full ELF file content. On any failure any
// host memory already reserved is released before returning.
func Load(data []byte) (*Image, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	phdrs, err := ParseProgramHeaders(data, h)
	if err != nil {
		return nil, err
	}

	minVaddr := uint32(0xFFFFFFFF)
	maxVaddr := uint32(0)
	haveLoad := false
	for _, ph := range phdrs {
		if ph.Type == ptGNUStack && ph.Flags&pfExec != 0 {
			return nil, ErrExecutableStack
		}
		if ph.Type != ptLoad || ph.Memsz == 0 {
			continue
		}
		haveLoad = true
		if ph.Vaddr < minVaddr {
			minVaddr = ph.Vaddr
		}
		if end := ph.Vaddr + ph.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}
	if !haveLoad {
		return nil, fmt.Errorf("elfimage: no PT_LOAD segments: %w", ErrTruncatedImage)
	}

	span := roundUpPage(maxVaddr - minVaddr)

	var reservedBase uint32
	var loadDelta int64
	var mapping []byte

	if h.Type == etExec {
		// unix.Mmap's "offset" parameter is a file offset, not a target
		// address — it has no way to ask for a mapping at an exact vaddr.
		// Reserving host memory at precisely min_vaddr (the ET_EXEC case
		// of the mapping algorithm) needs the raw mmap syscall instead.
		m, err := mmapFixed(minVaddr, int(span))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReservationFailed, err)
		}
		mapping = m
		reservedBase = minVaddr
		loadDelta = 0
	} else {
		m, err := unix.Mmap(-1, 0, int(span), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReservationFailed, err)
		}
		mapping = m
		base := hostAddressOf(m)
		reservedBase = base
		loadDelta = int64(base) - int64(minVaddr)
	}

	img := &Image{BaseAddress: reservedBase, reservedLen: span}

	rollback := func() {
		_ = unix.Munmap(mapping)
	}

	for _, ph := range phdrs {
		if ph.Type != ptLoad || ph.Memsz == 0 {
			continue
		}
		segVaddr := uint32(int64(ph.Vaddr) + loadDelta)
		segStart := roundDownPage(segVaddr)
		segOffInMapping := segStart - reservedBase

		if uint64(ph.Offset)+uint64(ph.Filesz) > uint64(len(data)) {
			rollback()
			return nil, ErrTruncatedImage
		}

		commitLen := (segVaddr - segStart) + ph.Memsz
		commitLen = roundUpPage(commitLen)
		if segOffInMapping+commitLen > uint32(len(mapping)) {
			rollback()
			return nil, fmt.Errorf("%w: segment exceeds reserved span", ErrCommitFailed)
		}
		region := mapping[segOffInMapping : segOffInMapping+commitLen]
		if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
		}

		destOff := segVaddr - segStart
		copy(region[destOff:destOff+ph.Filesz], data[ph.Offset:ph.Offset+ph.Filesz])
		for i := destOff + ph.Filesz; i < uint32(len(region)); i++ {
			region[i] = 0
		}

		if err := unix.Mprotect(region, segmentProt(ph.Flags)); err != nil {
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrProtectFailed, err)
		}
	}

	loadedStart := uint32(int64(minVaddr) + loadDelta)
	loadedEnd := uint32(int64(maxVaddr) + loadDelta)

	for _, ph := range phdrs {
		if ph.Type == ptPHDR {
			phdrAddr := uint32(int64(ph.Vaddr) + loadDelta)
			// §4.E step 3: only record PT_PHDR's address if its virtual
			// range actually lies within the span just loaded — an entry
			// pointing outside it is ignored rather than trusted.
			if phdrAddr >= loadedStart && phdrAddr+ph.Memsz <= loadedEnd {
				img.ProgramHeaders = phdrAddr
				img.ProgramHeaderCount = uint32(h.Phnum)
			}
		}
		if ph.Type == ptInterp {
			path, err := readInterpString(data, ph)
			if err != nil {
				rollback()
				return nil, err
			}
			img.InterpreterPath = path
			img.HasInterpreter = true
		}
	}

	if h.Entry != 0 {
		img.EntryPoint = uint32(int64(h.Entry) + loadDelta)
		img.HasEntryPoint = true
	}
	img.ProgramBreak = roundUpPage(uint32(int64(maxVaddr) + loadDelta))

	return img, nil
}

// Close releases the reserved host region. Callers invoke it when a guest
// process using this image exits.
func (img *Image) Close() error {
	if img.reservedLen == 0 {
		return nil
	}
	mapping := unsafeSliceAt(img.BaseAddress, img.reservedLen)
	return unix.Munmap(mapping)
}

func readInterpString(data []byte, ph ProgramHeader) (string, error) {
	if uint64(ph.Offset)+uint64(ph.Filesz) > uint64(len(data)) {
		return "", ErrInvalidInterpreter
	}
	raw := data[ph.Offset : ph.Offset+ph.Filesz]
	nul := -1
	for i, b := range raw {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", ErrInvalidInterpreter
	}
	return string(raw[:nul]), nil
}
