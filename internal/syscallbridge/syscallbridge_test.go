package syscallbridge

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/xyproto/lx32/internal/syscallrpc"
	"github.com/xyproto/lx32/internal/syscallrpc/fake"
	"github.com/xyproto/lx32/internal/trapframe"
	"github.com/xyproto/lx32/internal/vgs"
)

// fakeMemory is a sparse guest address space, the same shape
// internal/emulator's tests use, for the same reason: guest addresses span
// from low code pages to a high LDT-style base, and a flat slice covering
// both would be enormous.
type fakeMemory struct {
	bytes map[uint32]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{bytes: make(map[uint32]byte)} }

func (m *fakeMemory) ReadByte(addr uint32) (byte, error) { return m.bytes[addr], nil }

func (m *fakeMemory) ReadU16(addr uint32) (uint16, error) {
	lo, _ := m.ReadByte(addr)
	hi, _ := m.ReadByte(addr + 1)
	return uint16(lo) | uint16(hi)<<8, nil
}

func (m *fakeMemory) WriteU16(addr uint32, v uint16) error {
	m.bytes[addr] = byte(v)
	m.bytes[addr+1] = byte(v >> 8)
	return nil
}

func (m *fakeMemory) ReadU32(addr uint32) (uint32, error) {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(m.bytes[addr+i]) << (8 * i)
	}
	return v, nil
}

func (m *fakeMemory) WriteU32(addr uint32, v uint32) error {
	for i := uint32(0); i < 4; i++ {
		m.bytes[addr+i] = byte(v >> (8 * i))
	}
	return nil
}

func newFrame() (trapframe.Frame, *unix.PtraceRegs386) {
	regs := &unix.PtraceRegs386{}
	return trapframe.New(regs), regs
}

func TestHandleInt80UnknownSyscallReturnsENOSYS(t *testing.T) {
	b := New(fake.New(), 1, vgs.New())
	f, regs := newFrame()
	regs.Eax = 9999
	if err := b.HandleInt80(f, newFakeMemory()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int32(regs.Eax) != linuxENOSYS {
		t.Fatalf("expected ENOSYS, got %d", int32(regs.Eax))
	}
}

func TestHandleInt80OutOfRangeNumber(t *testing.T) {
	b := New(fake.New(), 1, vgs.New())
	f, regs := newFrame()
	regs.Eax = tableSize + 1
	if err := b.HandleInt80(f, newFakeMemory()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int32(regs.Eax) != linuxENOSYS {
		t.Fatalf("expected ENOSYS, got %d", int32(regs.Eax))
	}
}

func TestHandleInt80ForwardsToService(t *testing.T) {
	svc := fake.New()
	var seenNumber uint32
	var seenArgs [6]uint32
	svc.Bindings[45] = func(args [6]uint32, mem syscallrpc.MemoryAccessor) (int32, error) {
		seenArgs = args
		seenNumber = 45
		return 0x09000000, nil
	}
	b := New(svc, 1, vgs.New())
	f, regs := newFrame()
	regs.Eax = 45
	regs.Ebx = 0x09001000
	if err := b.HandleInt80(f, newFakeMemory()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenNumber != 45 {
		t.Fatalf("expected service to see syscall 45, got %d", seenNumber)
	}
	if seenArgs[0] != 0x09001000 {
		t.Fatalf("expected ebx forwarded as first arg, got %#x", seenArgs[0])
	}
	if regs.Eax != 0x09000000 {
		t.Fatalf("expected eax set from service result, got %#x", regs.Eax)
	}
}

func TestHandleInt80SysExitSetsPendingOutcome(t *testing.T) {
	b := New(fake.New(), 1, vgs.New())
	f, regs := newFrame()
	regs.Eax = 1
	regs.Ebx = 7
	if err := b.HandleInt80(f, newFakeMemory()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info := b.TakeExit()
	if info.Outcome != OutcomeExitThread || info.ExitCode != 7 {
		t.Fatalf("expected thread exit with code 7, got %+v", info)
	}
	// A second call to TakeExit after consuming it reports no pending exit.
	if again := b.TakeExit(); again.Outcome != OutcomeContinue {
		t.Fatalf("expected TakeExit to clear after being read, got %+v", again)
	}
}

func TestHandleInt80SysExitGroup(t *testing.T) {
	b := New(fake.New(), 1, vgs.New())
	f, regs := newFrame()
	regs.Eax = 252
	regs.Ebx = 3
	if err := b.HandleInt80(f, newFakeMemory()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info := b.TakeExit()
	if info.Outcome != OutcomeExitProcess || info.ExitCode != 3 {
		t.Fatalf("expected process exit with code 3, got %+v", info)
	}
}

func TestHandleInt80SetThreadAreaAllocatesSlot(t *testing.T) {
	b := New(fake.New(), 1, vgs.New())
	f, regs := newFrame()
	mem := newFakeMemory()

	const descAddr = 0x08060000
	mem.WriteU32(descAddr, 0xFFFFFFFF) // entry_number == -1 requests auto-allocate
	mem.WriteU32(descAddr+4, 0x70000000)
	mem.WriteU32(descAddr+8, 0xFFFFFFFF)
	mem.WriteU32(descAddr+12, 0x51)

	regs.Eax = 243
	regs.Ebx = descAddr
	if err := b.HandleInt80(f, mem); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int32(regs.Eax) != 0 {
		t.Fatalf("expected success, got %d", int32(regs.Eax))
	}
	slot, _ := mem.ReadU32(descAddr)
	if slot != 0 {
		t.Fatalf("expected first vacant slot 0, got %d", slot)
	}

	entry, err := b.gs.Entry(0)
	if err != nil {
		t.Fatalf("unexpected error reading installed entry: %v", err)
	}
	if entry.BaseAddress != 0x70000000 {
		t.Fatalf("expected base 0x70000000, got %#x", entry.BaseAddress)
	}
}

func TestHandleInt80SetThreadAreaNullPointer(t *testing.T) {
	b := New(fake.New(), 1, vgs.New())
	f, regs := newFrame()
	regs.Eax = 243
	regs.Ebx = 0
	if err := b.HandleInt80(f, newFakeMemory()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int32(regs.Eax) != linuxEFAULT {
		t.Fatalf("expected EFAULT, got %d", int32(regs.Eax))
	}
}
