// Package emulator is the fault-driven instruction emulator: given a
// trap frame at the moment of an access-violation fault, it walks an
// ordered table of handled instruction patterns and, on the first match,
// executes the corresponding handler against the trap frame. The table is
// built once at process start and is read-only thereafter (§5's shared-
// resource rule), matching the teacher's convention of binding dispatch
// tables once and never mutating them.
package emulator

import (
	"errors"
	"fmt"

	"github.com/xyproto/lx32/internal/decoder"
	"github.com/xyproto/lx32/internal/trapframe"
	"github.com/xyproto/lx32/internal/vgs"
)

// Memory is the guest address space as seen by a handler: byte-level reads
// for instruction decoding, plus the word-level read/write a GS or syscall
// handler needs to touch guest memory.
type Memory interface {
	decoder.ByteReader
	ReadU32(addr uint32) (uint32, error)
	WriteU32(addr uint32, v uint32) error
	ReadU16(addr uint32) (uint16, error)
	WriteU16(addr uint32, v uint16) error
}

// Outcome is the two-valued continuation tag §6.1 and §4.D describe: a
// fault is a value, not a control-flow exception.
type Outcome int

const (
	// ContinueExecution means the handler (or the debug-print special
	// code) fully serviced the fault; the host should resume the guest.
	ContinueExecution Outcome = iota
	// ContinueSearch means no table entry claimed the instruction; the
	// fault propagates to the host's default handling, which terminates
	// the guest.
	ContinueSearch
)

// SyscallHandler services the int 0x80 fault. internal/syscallbridge
// implements this; emulator only depends on the interface so the two
// packages don't need to import each other.
type SyscallHandler interface {
	HandleInt80(f trapframe.Frame, mem Memory) error
}

// TraceHandler services the debug-print special fault code from §4.D:
// a guest int3 carrying the address of a NUL-terminated string in ebx.
// internal/trace implements this against the service's trace sink.
type TraceHandler interface {
	HandleDebugPrint(f trapframe.Frame, mem Memory) error
}

// handlerResult is what a single table-entry handler returns: whether it
// claimed the instruction (ok) and any hard error encountered while
// executing it (distinct from "didn't match" — an error here is a bug or
// a memory-access failure, not a pattern mismatch).
type handlerResult struct {
	ok  bool
	err error
}

// tailKind distinguishes what, if anything, follows an entry's opcode
// bytes: a full ModR/M(+SIB+disp+imm) tail, a bare moffs32 absolute
// address, or nothing (int 0x80).
type tailKind int

const (
	tailModRM tailKind = iota
	tailMoffs32
	tailNone
)

type entry struct {
	name    string
	pattern decoder.Pattern
	opWidth decoder.Width
	tail    tailKind
	// immWidth is the immediate width the instruction's tail carries, 0
	// for none.
	immWidth decoder.Width
	run      func(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult
}

// Table is the process-wide ordered list of handled instruction patterns.
// Order matters: a longer pattern must precede a shorter one that is its
// prefix, per §9. No two patterns in NewTable overlap that way ("66 8E"
// and "8E", for instance, start with different bytes).
type Table struct {
	entries []entry
}

// NewTable builds the fixed handler table from §4.D, binding syscalls to sh
// and the debug-print special fault code to th. It is meant to be
// constructed exactly once at process start, per §5's "single
// process-wide singleton, initialized exactly once" rule.
func NewTable(sh SyscallHandler, th TraceHandler) *Table {
	t := &Table{}
	t.entries = []entry{
		{
			name:    "int 0x80",
			pattern: decoder.Pattern{Bytes: []byte{0xCD, 0x80}},
			tail:    tailNone,
			run: func(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
				if err := sh.HandleInt80(f, mem); err != nil {
					return handlerResult{err: err}
				}
				return handlerResult{ok: true}
			},
		},
		{
			// int3: the debug-print special fault code. The instruction
			// is not "advanced past a decoded operand" in the usual
			// sense — there is none — but Dispatch's normal tailNone path
			// already advances ip past the opcode byte, matching §4.D's
			// "instruction is not advanced [further]" wording. A failed
			// trace print does not fail the guest: the entry always
			// resumes it.
			name:    "int3 (debug print)",
			pattern: decoder.Pattern{Bytes: []byte{0xCC}},
			tail:    tailNone,
			run: func(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
				_ = th.HandleDebugPrint(f, mem)
				return handlerResult{ok: true}
			},
		},
		{
			// operand-size-prefixed form is listed before the bare form
			// below: the two patterns start with different bytes, so
			// their order does not affect matching; it mirrors the
			// spec's explicit table listing.
			name:     "mov gs, r/m16 (66 prefix)",
			pattern:  decoder.Pattern{Bytes: []byte{0x66, 0x8E}, HasRegField: true, RegField: 5},
			opWidth:  decoder.Width16,
			run:      movGSFromRM,
		},
		{
			name:     "mov gs, r/m16",
			pattern:  decoder.Pattern{Bytes: []byte{0x8E}, HasRegField: true, RegField: 5},
			opWidth:  decoder.Width16,
			run:      movGSFromRM,
		},
		{
			name:    "mov r32, gs:[r/m32]",
			pattern: decoder.Pattern{Bytes: []byte{0x65, 0x8B}},
			opWidth: decoder.Width32,
			run:     movRegFromGSMem,
		},
		{
			name:    "add r32, gs:[r/m32]",
			pattern: decoder.Pattern{Bytes: []byte{0x65, 0x03}},
			opWidth: decoder.Width32,
			run:     addRegGSMem,
		},
		{
			name:    "xor r32, gs:[r/m32]",
			pattern: decoder.Pattern{Bytes: []byte{0x65, 0x33}},
			opWidth: decoder.Width32,
			run:     xorRegGSMem,
		},
		{
			name:     "cmp gs:[r/m32], imm8",
			pattern:  decoder.Pattern{Bytes: []byte{0x65, 0x83}, HasRegField: true, RegField: 7},
			opWidth:  decoder.Width32,
			immWidth: decoder.Width8,
			run:      cmpGSMemImm8,
		},
		{
			name:    "mov gs:[r/m32], r32",
			pattern: decoder.Pattern{Bytes: []byte{0x65, 0x89}},
			opWidth: decoder.Width32,
			run:     movGSMemFromReg,
		},
		{
			name:    "mov eax, gs:moffs32",
			pattern: decoder.Pattern{Bytes: []byte{0x65, 0xA1}},
			tail:    tailMoffs32,
			run:     movEAXFromGSMoffs,
		},
		{
			name:    "mov gs:moffs32, eax",
			pattern: decoder.Pattern{Bytes: []byte{0x65, 0xA3}},
			tail:    tailMoffs32,
			run:     movGSMoffsFromEAX,
		},
		{
			name:     "mov gs:[r/m32], imm32",
			pattern:  decoder.Pattern{Bytes: []byte{0x65, 0xC7}, HasRegField: true, RegField: 0},
			opWidth:  decoder.Width32,
			immWidth: decoder.Width32,
			run:      movGSMemFromImm32,
		},
	}
	return t
}

// regFromIndex maps a ModR/M register encoding (0..7) to a trapframe.Reg.
func regFromIndex(idx uint8) trapframe.Reg {
	switch idx {
	case 0:
		return trapframe.EAX
	case 1:
		return trapframe.ECX
	case 2:
		return trapframe.EDX
	case 3:
		return trapframe.EBX
	case 4:
		return trapframe.ESP
	case 5:
		return trapframe.EBP
	case 6:
		return trapframe.ESI
	case 7:
		return trapframe.EDI
	default:
		panic("emulator: register index out of range")
	}
}

// frameRegReader adapts trapframe.Frame to decoder.RegRead so
// ResolveEffectiveAddress can read live base/index registers.
type frameRegReader struct{ f trapframe.Frame }

func (r frameRegReader) Read32Indexed(idx uint8) uint32 {
	return r.f.Read32(regFromIndex(idx))
}

func movGSFromRM(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	var value uint32
	switch d.RMOperand.Kind {
	case decoder.OperandRegDirect:
		value = uint32(f.Read16(regFromIndex(d.RMOperand.RegIndex)))
	case decoder.OperandMemory:
		addr := decoder.ResolveEffectiveAddress(frameRegReader{f}, d)
		v, err := mem.ReadU16(addr)
		if err != nil {
			return handlerResult{err: err}
		}
		value = uint32(v)
	default:
		return handlerResult{err: fmt.Errorf("emulator: unsupported operand kind for mov gs")}
	}
	gs.LoadGS(value)
	return handlerResult{ok: true}
}

func movRegFromGSMem(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	ea := decoder.ResolveEffectiveAddress(frameRegReader{f}, d)
	addr, err := gs.GSReference(ea)
	if err != nil {
		return handlerResult{err: err}
	}
	v, err := mem.ReadU32(addr)
	if err != nil {
		return handlerResult{err: err}
	}
	f.Write32(regFromIndex(d.Reg), v)
	return handlerResult{ok: true}
}

func movGSMemFromReg(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	ea := decoder.ResolveEffectiveAddress(frameRegReader{f}, d)
	addr, err := gs.GSReference(ea)
	if err != nil {
		return handlerResult{err: err}
	}
	v := f.Read32(regFromIndex(d.Reg))
	if err := mem.WriteU32(addr, v); err != nil {
		return handlerResult{err: err}
	}
	return handlerResult{ok: true}
}

func addRegGSMem(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	ea := decoder.ResolveEffectiveAddress(frameRegReader{f}, d)
	addr, err := gs.GSReference(ea)
	if err != nil {
		return handlerResult{err: err}
	}
	mv, err := mem.ReadU32(addr)
	if err != nil {
		return handlerResult{err: err}
	}
	r := regFromIndex(d.Reg)
	rv := f.Read32(r)
	sum := rv + mv
	f.Write32(r, sum)
	setArithFlagsAdd(f, rv, mv, sum)
	return handlerResult{ok: true}
}

func xorRegGSMem(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	ea := decoder.ResolveEffectiveAddress(frameRegReader{f}, d)
	addr, err := gs.GSReference(ea)
	if err != nil {
		return handlerResult{err: err}
	}
	mv, err := mem.ReadU32(addr)
	if err != nil {
		return handlerResult{err: err}
	}
	r := regFromIndex(d.Reg)
	result := f.Read32(r) ^ mv
	f.Write32(r, result)
	f.WriteFlag(trapframe.FlagCF, false)
	f.WriteFlag(trapframe.FlagOF, false)
	setLogicalFlags(f, result)
	return handlerResult{ok: true}
}

func cmpGSMemImm8(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	ea := decoder.ResolveEffectiveAddress(frameRegReader{f}, d)
	addr, err := gs.GSReference(ea)
	if err != nil {
		return handlerResult{err: err}
	}
	mv, err := mem.ReadU32(addr)
	if err != nil {
		return handlerResult{err: err}
	}
	imm := uint32(int32(d.Imm))
	diff := mv - imm
	setArithFlagsSub(f, mv, imm, diff)
	return handlerResult{ok: true}
}

func movEAXFromGSMoffs(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	addr, err := gs.GSReference(uint32(d.Disp))
	if err != nil {
		return handlerResult{err: err}
	}
	v, err := mem.ReadU32(addr)
	if err != nil {
		return handlerResult{err: err}
	}
	f.Write32(trapframe.EAX, v)
	return handlerResult{ok: true}
}

func movGSMoffsFromEAX(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	addr, err := gs.GSReference(uint32(d.Disp))
	if err != nil {
		return handlerResult{err: err}
	}
	if err := mem.WriteU32(addr, f.Read32(trapframe.EAX)); err != nil {
		return handlerResult{err: err}
	}
	return handlerResult{ok: true}
}

func movGSMemFromImm32(f trapframe.Frame, mem Memory, gs *vgs.Table, d decoder.Decoded) handlerResult {
	ea := decoder.ResolveEffectiveAddress(frameRegReader{f}, d)
	addr, err := gs.GSReference(ea)
	if err != nil {
		return handlerResult{err: err}
	}
	if err := mem.WriteU32(addr, uint32(int32(d.Imm))); err != nil {
		return handlerResult{err: err}
	}
	return handlerResult{ok: true}
}

func setLogicalFlags(f trapframe.Frame, result uint32) {
	f.WriteFlag(trapframe.FlagZF, result == 0)
	f.WriteFlag(trapframe.FlagSF, result&0x80000000 != 0)
	f.WriteFlag(trapframe.FlagPF, parity8(byte(result)))
}

func setArithFlagsAdd(f trapframe.Frame, a, b, result uint32) {
	f.WriteFlag(trapframe.FlagCF, result < a)
	f.WriteFlag(trapframe.FlagOF, (a^result)&(b^result)&0x80000000 != 0)
	f.WriteFlag(trapframe.FlagAF, (a^b^result)&0x10 != 0)
	setLogicalFlags(f, result)
}

func setArithFlagsSub(f trapframe.Frame, a, b, result uint32) {
	f.WriteFlag(trapframe.FlagCF, a < b)
	f.WriteFlag(trapframe.FlagOF, (a^b)&(a^result)&0x80000000 != 0)
	f.WriteFlag(trapframe.FlagAF, (a^b^result)&0x10 != 0)
	setLogicalFlags(f, result)
}

func parity8(b byte) bool {
	ones := 0
	for i := 0; i < 8; i++ {
		if b&(1<<i) != 0 {
			ones++
		}
	}
	return ones%2 == 0
}

// ErrUnhandled is the error Dispatch returns alongside ContinueSearch when
// no table entry matched. Callers can match it with errors.Is;
// cmd/hostshim wraps it into the error that ends its dispatch loop.
var ErrUnhandled = errors.New("emulator: no table entry matched")

// Dispatch implements the algorithm in §4.D: find the first matching
// pattern, decode its operands, run its handler, and report the
// continuation tag. snapshot's instruction pointer is always the one
// recorded on entry; on a failed handler or no match, ip is restored
// to exactly that value (§4.D's invariant).
func Dispatch(tbl *Table, f trapframe.Frame, mem Memory, gs *vgs.Table) (Outcome, error) {
	savedIP := f.IP()

	for _, e := range tbl.entries {
		if !decoder.Matches(mem, savedIP, e.pattern) {
			continue
		}

		opcodeLen := uint32(len(e.pattern.Bytes))
		operandStart := savedIP + opcodeLen

		var d decoder.Decoded
		var err error
		switch e.tail {
		case tailModRM:
			d, err = decoder.DecodeOperands(mem, operandStart, e.opWidth, e.immWidth)
		case tailMoffs32:
			disp, n, derr := decodeMoffs32(mem, operandStart)
			d.Disp = disp
			d.Length = n
			err = derr
		case tailNone:
			// nothing follows the opcode bytes.
		}
		if err != nil {
			f.SetIP(savedIP)
			return ContinueSearch, err
		}

		f.SetIP(operandStart + d.Length)

		res := e.run(f, mem, gs, d)
		if res.err != nil {
			f.SetIP(savedIP)
			return ContinueSearch, res.err
		}
		if !res.ok {
			f.SetIP(savedIP)
			continue
		}
		return ContinueExecution, nil
	}

	f.SetIP(savedIP)
	return ContinueSearch, ErrUnhandled
}

// decodeMoffs32 reads the raw little-endian 32-bit absolute address that
// follows opcodes like A1/A3 (mov eax, moffs32 / mov moffs32, eax) — there
// is no ModR/M byte in this form.
func decodeMoffs32(mem Memory, addr uint32) (int32, uint32, error) {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		b, err := mem.ReadByte(addr + i)
		if err != nil {
			return 0, 0, fmt.Errorf("emulator: reading moffs32: %w", err)
		}
		v |= uint32(b) << (8 * i)
	}
	return int32(v), 4, nil
}
