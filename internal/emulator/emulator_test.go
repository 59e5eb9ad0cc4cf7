package emulator

import (
	"encoding/binary"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/xyproto/lx32/internal/trapframe"
	"github.com/xyproto/lx32/internal/vgs"
)

// fakeMemory is a sparse, map-backed guest address space for tests — real
// guest addresses (like an LDT slot's 0x7xxxxxxx base) are too far apart
// to model as one flat slice.
type fakeMemory struct {
	bytes map[uint32]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: make(map[uint32]byte)}
}

func (m *fakeMemory) ReadByte(addr uint32) (byte, error) {
	b, ok := m.bytes[addr]
	if !ok {
		return 0, fmt.Errorf("fakeMemory: address %#x not populated", addr)
	}
	return b, nil
}

func (m *fakeMemory) ReadU16(addr uint32) (uint16, error) {
	lo, err := m.ReadByte(addr)
	if err != nil {
		return 0, err
	}
	hi, err := m.ReadByte(addr + 1)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (m *fakeMemory) WriteU16(addr uint32, v uint16) error {
	m.bytes[addr] = byte(v)
	m.bytes[addr+1] = byte(v >> 8)
	return nil
}

func (m *fakeMemory) ReadU32(addr uint32) (uint32, error) {
	var buf [4]byte
	for i := range buf {
		b, err := m.ReadByte(addr + uint32(i))
		if err != nil {
			return 0, err
		}
		buf[i] = b
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m *fakeMemory) WriteU32(addr uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	for i, b := range buf {
		m.bytes[addr+uint32(i)] = b
	}
	return nil
}

func (m *fakeMemory) putCode(ip uint32, code []byte) {
	for i, b := range code {
		m.bytes[ip+uint32(i)] = b
	}
}

type fakeSyscallHandler struct {
	called bool
}

func (h *fakeSyscallHandler) HandleInt80(f trapframe.Frame, mem Memory) error {
	h.called = true
	const enosys = 38
	if f.Read32(trapframe.EAX) == 9999 {
		f.Write32(trapframe.EAX, uint32(-enosys))
	}
	return nil
}

type fakeTraceHandler struct {
	messages []string
}

func (h *fakeTraceHandler) HandleDebugPrint(f trapframe.Frame, mem Memory) error {
	h.messages = append(h.messages, "printed")
	return nil
}

func newFrame() (trapframe.Frame, *unix.PtraceRegs386) {
	regs := &unix.PtraceRegs386{}
	return trapframe.New(regs), regs
}

func TestScenario1MovGSRegisterForm(t *testing.T) {
	mem := newFakeMemory()
	mem.putCode(0x1000, []byte{0x8E, 0xE8})
	f, regs := newFrame()
	regs.Eip = 0x1000
	f.Write32(trapframe.EAX, 0x1BF)
	regs.Eflags = 0x202

	tbl := NewTable(&fakeSyscallHandler{}, &fakeTraceHandler{})
	gsTable := vgs.New()

	outcome, err := Dispatch(tbl, f, mem, gsTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ContinueExecution {
		t.Fatalf("expected ContinueExecution, got %v", outcome)
	}
	if gsTable.GS() != 0x1BF {
		t.Fatalf("expected virtual gs 0x1BF, got %#x", gsTable.GS())
	}
	if f.IP() != 0x1002 {
		t.Fatalf("expected ip advanced by 2, got %#x", f.IP())
	}
	if regs.Eflags != 0x202 {
		t.Fatalf("expected flags unchanged, got %#x", regs.Eflags)
	}
}

func TestScenario2MovEAXFromGSDisp32(t *testing.T) {
	mem := newFakeMemory()
	mem.putCode(0x1000, []byte{0x65, 0xA1, 0x10, 0x00, 0x00, 0x00})
	if err := mem.WriteU32(0x70000010, 0xDEADBEEF); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	f, regs := newFrame()
	regs.Eip = 0x1000

	gsTable := vgs.New()
	slot, err := gsTable.AllocateLDTEntry(vgs.Entry{EntryNumber: 34, BaseAddress: 0x70000000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gsTable.LoadGS(vgs.EncodeSelector(slot))

	tbl := NewTable(&fakeSyscallHandler{}, &fakeTraceHandler{})
	outcome, err := Dispatch(tbl, f, mem, gsTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ContinueExecution {
		t.Fatalf("expected ContinueExecution, got %v", outcome)
	}
	if f.Read32(trapframe.EAX) != 0xDEADBEEF {
		t.Fatalf("expected eax 0xDEADBEEF, got %#x", f.Read32(trapframe.EAX))
	}
	if f.IP() != 0x1006 {
		t.Fatalf("expected ip advanced by 6, got %#x", f.IP())
	}
}

func TestScenario3Int80ENOSYS(t *testing.T) {
	mem := newFakeMemory()
	mem.putCode(0x1000, []byte{0xCD, 0x80})
	f, regs := newFrame()
	regs.Eip = 0x1000
	f.Write32(trapframe.EAX, 9999)

	sh := &fakeSyscallHandler{}
	tbl := NewTable(sh, &fakeTraceHandler{})
	gsTable := vgs.New()

	outcome, err := Dispatch(tbl, f, mem, gsTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ContinueExecution {
		t.Fatalf("expected ContinueExecution, got %v", outcome)
	}
	if !sh.called {
		t.Fatal("expected syscall handler to be invoked")
	}
	if int32(f.Read32(trapframe.EAX)) != -38 {
		t.Fatalf("expected eax -ENOSYS, got %d", int32(f.Read32(trapframe.EAX)))
	}
	if f.IP() != 0x1002 {
		t.Fatalf("expected ip advanced by 2, got %#x", f.IP())
	}
}

func TestScenario5UnhandledInstruction(t *testing.T) {
	mem := newFakeMemory()
	mem.putCode(0x1000, []byte{0x0F, 0x0B}) // UD2
	f, regs := newFrame()
	regs.Eip = 0x1000

	tbl := NewTable(&fakeSyscallHandler{}, &fakeTraceHandler{})
	gsTable := vgs.New()

	outcome, err := Dispatch(tbl, f, mem, gsTable)
	if outcome != ContinueSearch {
		t.Fatalf("expected ContinueSearch, got %v (err=%v)", outcome, err)
	}
	if f.IP() != 0x1000 {
		t.Fatalf("expected ip unchanged, got %#x", f.IP())
	}
}

func TestDebugPrintFaultCode(t *testing.T) {
	mem := newFakeMemory()
	mem.putCode(0x1000, []byte{0xCC})
	f, regs := newFrame()
	regs.Eip = 0x1000

	th := &fakeTraceHandler{}
	tbl := NewTable(&fakeSyscallHandler{}, th)
	gsTable := vgs.New()

	outcome, err := Dispatch(tbl, f, mem, gsTable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != ContinueExecution {
		t.Fatalf("expected ContinueExecution, got %v", outcome)
	}
	if len(th.messages) != 1 {
		t.Fatalf("expected debug-print handler invoked once, got %d", len(th.messages))
	}
	if f.IP() != 0x1001 {
		t.Fatalf("expected ip advanced by 1, got %#x", f.IP())
	}
}

func TestMovGSRegFieldMismatchFallsThrough(t *testing.T) {
	// modrm 0xC0 = mod=11 reg=000 rm=000: reg field is 0, not 5, so the
	// "mov gs, r/m16" handler must not claim it, and since nothing else
	// in the table matches "8E C0" either, dispatch reports ContinueSearch
	// with the ip restored.
	mem := newFakeMemory()
	mem.putCode(0x1000, []byte{0x8E, 0xC0})
	f, regs := newFrame()
	regs.Eip = 0x1000

	tbl := NewTable(&fakeSyscallHandler{}, &fakeTraceHandler{})
	gsTable := vgs.New()

	outcome, err := Dispatch(tbl, f, mem, gsTable)
	if outcome != ContinueSearch {
		t.Fatalf("expected ContinueSearch, got %v (err=%v)", outcome, err)
	}
	if f.IP() != 0x1000 {
		t.Fatalf("expected ip restored, got %#x", f.IP())
	}
}
