// Package decoder implements the byte-accurate partial x86-32 decoder the
// instruction emulator needs: pattern matching against a fixed prefix and
// opcode byte sequence, followed by ModR/M, SIB, displacement, and
// immediate decoding. Decoding is pure with respect to the byte stream; it
// never mutates the trap frame or advances any cursor itself.
package decoder

import "fmt"

// ByteReader reads guest-address-space bytes. In production it is backed
// by internal/guestproc's PTRACE_PEEKTEXT/PEEKDATA access; in tests it is
// backed by a plain byte slice.
type ByteReader interface {
	// ReadByte returns the byte at guest virtual address addr.
	ReadByte(addr uint32) (byte, error)
}

// SliceReader adapts a []byte, addressed from a fixed base, to ByteReader.
// It is the test-time stand-in for a traced process's memory.
type SliceReader struct {
	Base uint32
	Data []byte
}

func (s SliceReader) ReadByte(addr uint32) (byte, error) {
	off := addr - s.Base
	if off >= uint32(len(s.Data)) {
		return 0, fmt.Errorf("decoder: address %#x out of range", addr)
	}
	return s.Data[off], nil
}

// Pattern is a compile-time-defined byte sequence (prefix bytes followed by
// opcode bytes) that Matches tests the instruction stream against. Patterns
// are bounded at 7 bytes, matching the spec's bound on prefix+opcode length.
type Pattern struct {
	Bytes []byte
	// RegField, if HasRegField is true, additionally requires the ModR/M reg
	// field (decoded from the byte immediately following Bytes) to equal
	// this value — the "/digit" notation (e.g. "8E /5").
	RegField    uint8
	HasRegField bool
}

// Matches reports whether the bytes at ip in r begin with exactly p.Bytes,
// and, if p.HasRegField is set, whether the ModR/M byte following those
// bytes carries the required reg field. It never advances anything; it is
// safe to call speculatively for every table entry in order.
func Matches(r ByteReader, ip uint32, p Pattern) bool {
	if len(p.Bytes) == 0 || len(p.Bytes) > 7 {
		return false
	}
	for i, want := range p.Bytes {
		got, err := r.ReadByte(ip + uint32(i))
		if err != nil || got != want {
			return false
		}
	}
	if !p.HasRegField {
		return true
	}
	modrm, err := r.ReadByte(ip + uint32(len(p.Bytes)))
	if err != nil {
		return false
	}
	return (modrm>>3)&0x7 == p.RegField
}

// Width is an operand width in bits.
type Width int

const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
)

// OperandKind distinguishes a decoded operand's storage class.
type OperandKind int

const (
	OperandNone OperandKind = iota
	OperandMemory
	OperandRegDirect
	OperandRegHighByte // mod=11, width=8, rm in {4..7}: high byte of rm-4
)

// Operand is one resolved ModR/M/SIB/disp operand.
type Operand struct {
	Kind OperandKind
	// EffectiveAddress holds the displacement-only contribution when
	// Kind == OperandMemory; for any addressing form that also involves
	// a base or index register, call ResolveEffectiveAddress with the
	// owning Decoded value and a live register source to get the real
	// address. It is already the full address for the mod=00,rm=101
	// absolute-displacement form.
	EffectiveAddress uint32
	// RegIndex is the 0..7 register encoding when Kind is
	// OperandRegDirect or OperandRegHighByte.
	RegIndex uint8
}

// Decoded is the full result of decoding one instruction's ModR/M tail.
type Decoded struct {
	Mod, Reg, RM uint8
	HasSIB       bool
	Scale, Index, Base uint8
	HasDisp      bool
	Disp         int32
	HasImm       bool
	Imm          int64
	ImmWidth     Width

	RMOperand  Operand
	RegOperand Operand

	// Length is the total byte count of ModR/M + SIB + displacement +
	// immediate (not counting the prefix/opcode bytes already consumed
	// by Matches).
	Length uint32
}

// regDirect resolves a mod=11 rm field to an Operand per the Intel
// register-direct rule and the spec's explicit resolution of the 8-bit
// high-byte aliasing ambiguity (§9): for 8-bit operands with rm in
// {4,5,6,7}, the operand is the high byte of the register rm-4; for
// 16/32-bit operands it is the full SP/BP/SI/DI register.
func regDirect(rm uint8, width Width) Operand {
	if width == Width8 && rm >= 4 {
		return Operand{Kind: OperandRegHighByte, RegIndex: rm - 4}
	}
	if width == Width8 {
		return Operand{Kind: OperandRegDirect, RegIndex: rm}
	}
	return Operand{Kind: OperandRegDirect, RegIndex: rm}
}

// DecodeOperands decodes the ModR/M/SIB/displacement/immediate tail that
// begins at ip (the byte immediately following the matched pattern's
// opcode bytes). opWidth is the operand width used to resolve register-
// direct forms; immWidth, if non-zero, requests an immediate of that width
// following the memory/register operand (0 means no immediate is present).
func DecodeOperands(r ByteReader, ip uint32, opWidth Width, immWidth Width) (Decoded, error) {
	var d Decoded
	cursor := ip

	modrm, err := r.ReadByte(cursor)
	if err != nil {
		return d, fmt.Errorf("decoder: reading modrm: %w", err)
	}
	cursor++
	d.Mod = modrm >> 6
	d.Reg = (modrm >> 3) & 0x7
	d.RM = modrm & 0x7
	d.RegOperand = Operand{Kind: OperandRegDirect, RegIndex: d.Reg}

	if d.Mod == 0b11 {
		d.RMOperand = regDirect(d.RM, opWidth)
	} else {
		addr, sib, disp, hasDisp, n, err := decodeMemoryOperand(r, cursor, d.Mod, d.RM)
		if err != nil {
			return d, err
		}
		cursor += n
		d.HasSIB = sib.present
		d.Scale, d.Index, d.Base = sib.scale, sib.index, sib.base
		d.HasDisp = hasDisp
		d.Disp = disp
		d.RMOperand = Operand{Kind: OperandMemory, EffectiveAddress: addr}
	}

	if immWidth != 0 {
		imm, n, err := readImmediate(r, cursor, immWidth)
		if err != nil {
			return d, err
		}
		cursor += n
		d.HasImm = true
		d.Imm = imm
		d.ImmWidth = immWidth
	}

	d.Length = cursor - ip
	return d, nil
}

type sibFields struct {
	present            bool
	scale, index, base uint8
}

// decodeMemoryOperand implements the Intel ModR/M table for mod in
// {00,01,10}, including the two special cases the spec calls out: mod=00
// rm=100 means "consult SIB, no displacement"; mod=00 rm=101 means "32-bit
// absolute displacement, no base register". Within SIB decoding, base=101
// with mod=00 means "base is a 32-bit displacement", while base=101 with
// mod=01/10 means "base is EBP" (the displacement is added as usual).
func decodeMemoryOperand(r ByteReader, cursor uint32, mod, rm uint8) (addr uint32, sib sibFields, disp int32, hasDisp bool, consumed uint32, err error) {
	start := cursor

	if mod == 0b00 && rm == 0b101 {
		v, n, e := readDisp32(r, cursor)
		if e != nil {
			return 0, sib, 0, false, 0, e
		}
		return uint32(v), sib, v, true, n, nil
	}

	if rm == 0b100 {
		sibByte, e := r.ReadByte(cursor)
		if e != nil {
			return 0, sib, 0, false, 0, fmt.Errorf("decoder: reading sib: %w", e)
		}
		cursor++
		sib.present = true
		sib.scale = sibByte >> 6
		sib.index = (sibByte >> 3) & 0x7
		sib.base = sibByte & 0x7

		if sib.base == 0b101 && mod == 0b00 {
			v, n, e := readDisp32(r, cursor)
			if e != nil {
				return 0, sib, 0, false, 0, e
			}
			cursor += n
			disp = v
			hasDisp = true
		}
	}

	if mod == 0b01 {
		v, n, e := readDisp8(r, cursor)
		if e != nil {
			return 0, sib, 0, false, 0, e
		}
		cursor += n
		disp = v
		hasDisp = true
	} else if mod == 0b10 {
		v, n, e := readDisp32(r, cursor)
		if e != nil {
			return 0, sib, 0, false, 0, e
		}
		cursor += n
		disp = v
		hasDisp = true
	}

	// addr here only reflects the displacement; it is not the final
	// effective address for base/SIB-relative forms. Decoding stays pure
	// with respect to the byte stream and never reads live register
	// state (§3.2's invariant) — ResolveEffectiveAddress combines this
	// shape with the live trap frame to produce the real address.
	addr = uint32(disp)
	consumed = cursor - start
	return addr, sib, disp, hasDisp, consumed, nil
}

// RegRead is satisfied by trapframe.Frame; decoder depends only on this
// narrow interface to stay independent of the trapframe package's ptrace
// backing.
type RegRead interface {
	Read32Indexed(idx uint8) uint32
}

// ResolveEffectiveAddress recomputes the final effective address for a
// memory operand using live register values, given the raw encoding
// captured during DecodeOperands (d.Mod, d.RM, d.HasSIB, d.Scale, d.Index,
// d.Base, d.Disp). This is the function handlers actually call;
// DecodeOperands only captures the shape of the addressing mode.
func ResolveEffectiveAddress(regs RegRead, d Decoded) uint32 {
	if d.Mod == 0b00 && d.RM == 0b101 {
		return uint32(d.Disp)
	}
	var base uint32
	if d.RM == 0b100 {
		if !(d.Base == 0b101 && d.Mod == 0b00) {
			base = regs.Read32Indexed(d.Base)
		}
		if d.Index != 0b100 {
			base += regs.Read32Indexed(d.Index) << d.Scale
		}
	} else {
		base = regs.Read32Indexed(d.RM)
	}
	return base + uint32(d.Disp)
}

func readDisp8(r ByteReader, addr uint32) (int32, uint32, error) {
	b, err := r.ReadByte(addr)
	if err != nil {
		return 0, 0, fmt.Errorf("decoder: reading disp8: %w", err)
	}
	return int32(int8(b)), 1, nil
}

func readDisp32(r ByteReader, addr uint32) (int32, uint32, error) {
	var v uint32
	for i := uint32(0); i < 4; i++ {
		b, err := r.ReadByte(addr + i)
		if err != nil {
			return 0, 0, fmt.Errorf("decoder: reading disp32: %w", err)
		}
		v |= uint32(b) << (8 * i)
	}
	return int32(v), 4, nil
}

func readImmediate(r ByteReader, addr uint32, width Width) (int64, uint32, error) {
	switch width {
	case Width8:
		b, err := r.ReadByte(addr)
		if err != nil {
			return 0, 0, fmt.Errorf("decoder: reading imm8: %w", err)
		}
		return int64(int8(b)), 1, nil
	case Width16:
		var v uint16
		for i := uint32(0); i < 2; i++ {
			b, err := r.ReadByte(addr + i)
			if err != nil {
				return 0, 0, fmt.Errorf("decoder: reading imm16: %w", err)
			}
			v |= uint16(b) << (8 * i)
		}
		return int64(int16(v)), 2, nil
	case Width32:
		var v uint32
		for i := uint32(0); i < 4; i++ {
			b, err := r.ReadByte(addr + i)
			if err != nil {
				return 0, 0, fmt.Errorf("decoder: reading imm32: %w", err)
			}
			v |= uint32(b) << (8 * i)
		}
		return int64(int32(v)), 4, nil
	default:
		return 0, 0, fmt.Errorf("decoder: unsupported immediate width %d", width)
	}
}
