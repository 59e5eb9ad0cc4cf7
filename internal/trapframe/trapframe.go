// Package trapframe presents a captured 32-bit guest CPU state as a typed,
// mutable record. It never owns the underlying register storage: a Frame
// is a borrow whose lifetime is meant to span exactly one fault dispatch.
package trapframe

import "golang.org/x/sys/unix"

// Reg names a general-purpose register by its 32-bit identity. The 16-bit
// and 8-bit views of the same register are reached through Read16/Write16,
// ReadLow8/WriteLow8 and ReadHigh8/WriteHigh8 below rather than through
// separate names.
type Reg int

const (
	EAX Reg = iota
	EBX
	ECX
	EDX
	ESI
	EDI
	EBP
	ESP
)

var regNames = map[Reg]string{
	EAX: "eax", EBX: "ebx", ECX: "ecx", EDX: "edx",
	ESI: "esi", EDI: "edi", EBP: "ebp", ESP: "esp",
}

func (r Reg) String() string {
	if n, ok := regNames[r]; ok {
		return n
	}
	return "reg?"
}

// Flag identifies one EFLAGS bit. Only CF, PF, AF, ZF, SF, and OF are
// writable through WriteFlag; the rest are read-only observations of the
// host-captured state, matching the trap-frame contract.
type Flag uint32

const (
	FlagCF Flag = 1 << 0
	FlagPF Flag = 1 << 2
	FlagAF Flag = 1 << 4
	FlagZF Flag = 1 << 6
	FlagSF Flag = 1 << 7
	FlagTF Flag = 1 << 8
	FlagIF Flag = 1 << 9
	FlagDF Flag = 1 << 10
	FlagOF Flag = 1 << 11
	FlagIOPL Flag = 1<<12 | 1<<13
	FlagNT   Flag = 1 << 14
	FlagRF   Flag = 1 << 16
	FlagVM   Flag = 1 << 17
	FlagAC   Flag = 1 << 18
	FlagVIF  Flag = 1 << 19
	FlagVIP  Flag = 1 << 20
	FlagID   Flag = 1 << 21
)

// writableFlags are the flags §4.A allows write_flag to mutate; all others
// are read-only reflections of the host-captured value.
const writableFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

// Frame is a view over a *unix.PtraceRegs386, the real Linux i386
// user_regs_struct captured by PTRACE_GETREGS. unix.PtraceRegs386 (unlike
// the architecture-conditional unix.PtraceRegs) is defined for both
// linux/386 and linux/amd64 builds, which matters here: the host shim
// itself commonly runs as an amd64 binary while the guest it traces is
// always a 32-bit i386 process, and only the 386-specific accessor pair
// reads the right register layout in that cross-bitness case. It is the
// Go analogue of the host's saved-CPU-state structure named in §3.1.
type Frame struct {
	regs *unix.PtraceRegs386
}

// New wraps regs without copying it. Callers must not retain the Frame
// beyond the fault dispatch the regs snapshot belongs to.
func New(regs *unix.PtraceRegs386) Frame {
	return Frame{regs: regs}
}

func (f Frame) field(r Reg) *int32 {
	switch r {
	case EAX:
		return &f.regs.Eax
	case EBX:
		return &f.regs.Ebx
	case ECX:
		return &f.regs.Ecx
	case EDX:
		return &f.regs.Edx
	case ESI:
		return &f.regs.Esi
	case EDI:
		return &f.regs.Edi
	case EBP:
		return &f.regs.Ebp
	case ESP:
		return &f.regs.Esp
	default:
		panic("trapframe: unknown register " + r.String())
	}
}

// Read32 returns the full 32-bit value of r.
func (f Frame) Read32(r Reg) uint32 { return uint32(*f.field(r)) }

// Write32 replaces the full 32-bit value of r.
func (f Frame) Write32(r Reg, v uint32) { *f.field(r) = int32(v) }

// Read16 returns the low 16 bits of r.
func (f Frame) Read16(r Reg) uint16 { return uint16(*f.field(r)) }

// Write16 replaces the low 16 bits of r, preserving bits 16..31.
func (f Frame) Write16(r Reg, v uint16) {
	p := f.field(r)
	*p = int32((uint32(*p) &^ 0xFFFF) | uint32(v))
}

// has8Bit reports whether r has legacy AL/AH-style byte aliases. Only
// EAX/EBX/ECX/EDX do; ESI/EDI/EBP/ESP do not in 32-bit mode without a REX
// prefix (which does not exist in 32-bit mode at all).
func has8Bit(r Reg) bool {
	switch r {
	case EAX, EBX, ECX, EDX:
		return true
	default:
		return false
	}
}

// ReadLow8 returns the low byte (AL/BL/CL/DL-style) of r.
func (f Frame) ReadLow8(r Reg) uint8 {
	if !has8Bit(r) {
		panic("trapframe: " + r.String() + " has no 8-bit alias")
	}
	return uint8(*f.field(r))
}

// WriteLow8 replaces the low byte of r, preserving bits 8..31.
func (f Frame) WriteLow8(r Reg, v uint8) {
	if !has8Bit(r) {
		panic("trapframe: " + r.String() + " has no 8-bit alias")
	}
	p := f.field(r)
	*p = int32((uint32(*p) &^ 0xFF) | uint32(v))
}

// ReadHigh8 returns the second-lowest byte (AH/BH/CH/DH-style) of r.
func (f Frame) ReadHigh8(r Reg) uint8 {
	if !has8Bit(r) {
		panic("trapframe: " + r.String() + " has no 8-bit alias")
	}
	return uint8(uint32(*f.field(r)) >> 8)
}

// WriteHigh8 replaces the second-lowest byte of r, preserving every other bit.
func (f Frame) WriteHigh8(r Reg, v uint8) {
	if !has8Bit(r) {
		panic("trapframe: " + r.String() + " has no 8-bit alias")
	}
	p := f.field(r)
	*p = int32((uint32(*p) &^ 0xFF00) | (uint32(v) << 8))
}

// IP returns the instruction pointer.
func (f Frame) IP() uint32 { return uint32(f.regs.Eip) }

// SetIP sets the instruction pointer.
func (f Frame) SetIP(v uint32) { f.regs.Eip = int32(v) }

// SP returns the stack pointer.
func (f Frame) SP() uint32 { return uint32(f.regs.Esp) }

// SetSP sets the stack pointer.
func (f Frame) SetSP(v uint32) { f.regs.Esp = int32(v) }

// GSSelector returns the raw hardware GS selector captured in the trap
// frame. It is read-only: the emulator maintains a separate virtual GS
// (see the vgs package) because the host OS keeps the hardware GS for
// itself.
func (f Frame) GSSelector() uint32 { return uint32(f.regs.Xgs) }

// ReadFlag reports whether bit is set in EFLAGS.
func (f Frame) ReadFlag(bit Flag) bool { return uint32(f.regs.Eflags)&uint32(bit) != 0 }

// WriteFlag sets or clears bit in EFLAGS. Panics if bit is not one of the
// writable flags (CF, PF, AF, ZF, SF, OF) — the rest are observations only.
func (f Frame) WriteFlag(bit Flag, set bool) {
	if bit&writableFlags != bit {
		panic("trapframe: flag is not writable in this design")
	}
	flags := uint32(f.regs.Eflags)
	if set {
		flags |= uint32(bit)
	} else {
		flags &^= uint32(bit)
	}
	f.regs.Eflags = int32(flags)
}

// Eflags returns the raw flags word.
func (f Frame) Eflags() uint32 { return uint32(f.regs.Eflags) }

// Raw exposes the underlying ptrace register struct for callers (such as
// internal/guestproc) that need to install it back into the tracee with
// PTRACE_SETREGS.
func (f Frame) Raw() *unix.PtraceRegs386 { return f.regs }
