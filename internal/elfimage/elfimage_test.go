package elfimage

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildMinimalELF assembles a minimal ELF32 LE x86 image with one PT_LOAD
// segment, following Scenario 4's layout: p_vaddr=0x08048000, p_offset=
// 0x1000, p_filesz=0x200, p_memsz=0x400, flags R|X, e_entry=0x08048030.
func buildMinimalELF() []byte {
	const (
		vaddr  = 0x08048000
		offset = 0x1000
		filesz = 0x200
		memsz  = 0x400
		entry  = 0x08048030
	)
	total := offset + filesz
	buf := make([]byte, total)

	copy(buf[0:4], elfMagic[:])
	buf[4] = classELF32
	buf[5] = dataLE
	buf[6] = evCurrent

	binary.LittleEndian.PutUint16(buf[16:18], etExec)
	binary.LittleEndian.PutUint16(buf[18:20], emI386)
	binary.LittleEndian.PutUint32(buf[20:24], evCurrent)
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], ehSize) // phoff right after ehdr
	binary.LittleEndian.PutUint16(buf[40:42], ehSize)
	binary.LittleEndian.PutUint16(buf[42:44], phEntSize)
	binary.LittleEndian.PutUint16(buf[44:46], 1)
	binary.LittleEndian.PutUint16(buf[46:48], 0)

	ph := buf[ehSize : ehSize+phEntSize]
	binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
	binary.LittleEndian.PutUint32(ph[4:8], offset)
	binary.LittleEndian.PutUint32(ph[8:12], vaddr)
	binary.LittleEndian.PutUint32(ph[16:20], filesz)
	binary.LittleEndian.PutUint32(ph[20:24], memsz)
	binary.LittleEndian.PutUint32(ph[24:28], pfRead|pfExec)

	for i := offset; i < offset+filesz; i++ {
		buf[i] = byte(0xA5)
	}
	return buf
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	data := buildMinimalELF()
	data[0] = 0
	if _, err := ParseHeader(data); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestParseHeaderRejectsWrongClass(t *testing.T) {
	data := buildMinimalELF()
	data[4] = 2 // ELFCLASS64
	if _, err := ParseHeader(data); !errors.Is(err, ErrWrongClass) {
		t.Fatalf("expected ErrWrongClass, got %v", err)
	}
}

func TestParseHeaderRejectsWrongMachine(t *testing.T) {
	data := buildMinimalELF()
	binary.LittleEndian.PutUint16(data[18:20], 0x3E) // EM_X86_64
	if _, err := ParseHeader(data); !errors.Is(err, ErrWrongMachine) {
		t.Fatalf("expected ErrWrongMachine, got %v", err)
	}
}

func TestParseHeaderRejectsBadType(t *testing.T) {
	data := buildMinimalELF()
	binary.LittleEndian.PutUint16(data[16:18], 1) // ET_REL
	if _, err := ParseHeader(data); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestParseHeaderAcceptsValid(t *testing.T) {
	data := buildMinimalELF()
	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Entry != 0x08048030 {
		t.Fatalf("expected entry 0x08048030, got %#x", h.Entry)
	}
}

func TestParseProgramHeaders(t *testing.T) {
	data := buildMinimalELF()
	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	phdrs, err := ParseProgramHeaders(data, h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phdrs) != 1 {
		t.Fatalf("expected 1 program header, got %d", len(phdrs))
	}
	ph := phdrs[0]
	if ph.Type != ptLoad || ph.Vaddr != 0x08048000 || ph.Offset != 0x1000 ||
		ph.Filesz != 0x200 || ph.Memsz != 0x400 {
		t.Fatalf("unexpected program header: %+v", ph)
	}
}

// TestLoadScenario4ExecLoad exercises the full mmap-backed loader against
// Scenario 4's exact byte layout. It requires the ability to reserve
// anonymous memory at a fixed low address and is therefore an integration
// test of the host's memory-management syscalls, not a pure unit test —
// the same tradeoff the original implementation's loader tests accept.
func TestLoadScenario4ExecLoad(t *testing.T) {
	data := buildMinimalELF()
	img, err := Load(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer img.Close()

	if img.BaseAddress != 0x08048000 {
		t.Fatalf("expected base 0x08048000, got %#x", img.BaseAddress)
	}
	if !img.HasEntryPoint || img.EntryPoint != 0x08048030 {
		t.Fatalf("expected entry 0x08048030, got %#x (has=%v)", img.EntryPoint, img.HasEntryPoint)
	}
	if img.ProgramBreak != 0x08049000 {
		t.Fatalf("expected program break 0x08049000, got %#x", img.ProgramBreak)
	}
}

// buildELFWithExecStack is like buildMinimalELF but inserts a second
// program header, PT_GNU_STACK with the executable flag set, directly
// after the PT_LOAD header — shifting everything after it by one
// phEntSize and bumping e_phnum to 2.
func buildELFWithExecStack() []byte {
	const (
		offset = 0x1000
		filesz = 0x200
	)
	base := buildMinimalELF()
	total := len(base) + phEntSize
	buf := make([]byte, total)
	copy(buf[:ehSize+phEntSize], base[:ehSize+phEntSize])
	copy(buf[ehSize+2*phEntSize:], base[ehSize+phEntSize:])

	binary.LittleEndian.PutUint16(buf[44:46], 2) // e_phnum = 2

	stackPH := buf[ehSize+phEntSize : ehSize+2*phEntSize]
	binary.LittleEndian.PutUint32(stackPH[0:4], ptGNUStack)
	binary.LittleEndian.PutUint32(stackPH[24:28], pfExec|pfRead|pfWrite)

	// The insertion shifts the PT_LOAD segment's file content a few
	// bytes further into the buffer than its now-stale p_offset claims,
	// but Load rejects this image on the PT_GNU_STACK check before it
	// ever reads segment content, so that mismatch is never observed.
	_ = filesz
	return buf
}

func TestLoadRejectsExecutableStack(t *testing.T) {
	data := buildELFWithExecStack()
	if _, err := Load(data); !errors.Is(err, ErrExecutableStack) {
		t.Fatalf("expected ErrExecutableStack, got %v", err)
	}
}
