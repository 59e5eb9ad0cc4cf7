package decoder

import "testing"

// fakeRegs satisfies RegRead for tests that need ResolveEffectiveAddress.
type fakeRegs [8]uint32

func (f fakeRegs) Read32Indexed(idx uint8) uint32 { return f[idx] }

func TestMatchesExactPrefix(t *testing.T) {
	r := SliceReader{Base: 0x1000, Data: []byte{0xCD, 0x80, 0x90}}
	if !Matches(r, 0x1000, Pattern{Bytes: []byte{0xCD, 0x80}}) {
		t.Fatal("expected int 0x80 pattern to match")
	}
	if Matches(r, 0x1000, Pattern{Bytes: []byte{0xCD, 0x81}}) {
		t.Fatal("expected mismatched second byte to fail")
	}
}

func TestMatchesShortRead(t *testing.T) {
	r := SliceReader{Base: 0x1000, Data: []byte{0xCD}}
	if Matches(r, 0x1000, Pattern{Bytes: []byte{0xCD, 0x80}}) {
		t.Fatal("expected out-of-range read to fail the match")
	}
}

func TestMatchesRegField(t *testing.T) {
	// 8E E8 = mov gs, ax -> modrm 0xE8 = 11 101 000 (mod=3 reg=5 rm=0)
	r := SliceReader{Base: 0x2000, Data: []byte{0x8E, 0xE8}}
	p := Pattern{Bytes: []byte{0x8E}, HasRegField: true, RegField: 5}
	if !Matches(r, 0x2000, p) {
		t.Fatal("expected reg field 5 to match mov gs, r/m16")
	}
	p.RegField = 3
	if Matches(r, 0x2000, p) {
		t.Fatal("expected reg field 3 to not match")
	}
}

func TestDecodeOperandsRegisterDirect(t *testing.T) {
	// modrm 0xE8 = mod=11 reg=101 rm=000
	r := SliceReader{Base: 0x2000, Data: []byte{0xE8}}
	d, err := DecodeOperands(r, 0x2000, Width16, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Length != 1 {
		t.Fatalf("expected length 1, got %d", d.Length)
	}
	if d.RMOperand.Kind != OperandRegDirect || d.RMOperand.RegIndex != 0 {
		t.Fatalf("expected register-direct rm=0, got %+v", d.RMOperand)
	}
	if d.Reg != 5 {
		t.Fatalf("expected reg field 5, got %d", d.Reg)
	}
}

func Test8BitHighByteAliasing(t *testing.T) {
	// rm=4 (SP position) at width 8 must alias AH (register rm-4=0, high byte).
	r := SliceReader{Base: 0x3000, Data: []byte{0xC4}} // mod=11 reg=000 rm=100
	d, err := DecodeOperands(r, 0x3000, Width8, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.RMOperand.Kind != OperandRegHighByte || d.RMOperand.RegIndex != 0 {
		t.Fatalf("expected high-byte alias of register 0, got %+v", d.RMOperand)
	}
}

func TestDecodeOperandsAbsoluteDisp32(t *testing.T) {
	// mod=00 rm=101: 32-bit absolute displacement, no base.
	// modrm=0x05 (00 000 101), disp32 little-endian = 0x70000010
	data := []byte{0x05, 0x10, 0x00, 0x00, 0x70}
	r := SliceReader{Base: 0x4000, Data: data}
	d, err := DecodeOperands(r, 0x4000, Width32, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Length != 5 {
		t.Fatalf("expected length 5, got %d", d.Length)
	}
	if d.RMOperand.Kind != OperandMemory || d.RMOperand.EffectiveAddress != 0x70000010 {
		t.Fatalf("expected absolute address 0x70000010, got %+v", d.RMOperand)
	}
}

func TestDecodeOperandsSIBNoDisplacement(t *testing.T) {
	// mod=00 rm=100 (SIB follows), sib = scale=0 index=001(ecx) base=011(ebx)
	// modrm = 00 000 100 = 0x04; sib = 00 001 011 = 0x0B
	data := []byte{0x04, 0x0B}
	r := SliceReader{Base: 0x5000, Data: data}
	d, err := DecodeOperands(r, 0x5000, Width32, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Length != 2 {
		t.Fatalf("expected length 2, got %d", d.Length)
	}
	if !d.HasSIB || d.Base != 0b011 || d.Index != 0b001 || d.Scale != 0 {
		t.Fatalf("unexpected sib decode: %+v", d)
	}
	regs := fakeRegs{}
	regs[3] = 0x1000 // ebx
	regs[1] = 0x4    // ecx
	addr := ResolveEffectiveAddress(regs, d)
	if addr != 0x1004 {
		t.Fatalf("expected resolved address 0x1004, got %#x", addr)
	}
}

func TestDecodeOperandsImmediate32(t *testing.T) {
	// mov gs:[r/m32], imm32 tail: modrm (mod=00 rm=101) + disp32 + imm32
	data := []byte{
		0x05,             // modrm: 00 000 101
		0x00, 0x00, 0x00, 0x00, // disp32 = 0
		0xEF, 0xBE, 0xAD, 0xDE, // imm32 = 0xDEADBEEF
	}
	r := SliceReader{Base: 0x6000, Data: data}
	d, err := DecodeOperands(r, 0x6000, Width32, Width32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Length != 9 {
		t.Fatalf("expected length 9, got %d", d.Length)
	}
	if !d.HasImm || uint32(d.Imm) != 0xDEADBEEF {
		t.Fatalf("expected imm32 0xDEADBEEF, got %#x", uint32(d.Imm))
	}
}

func TestDecodeOperandsEBPSIBSpecialCase(t *testing.T) {
	// mod=01 rm=100 (SIB follows), sib base=101 -> base is EBP (mod != 00)
	// modrm = 01 000 100 = 0x44; sib = 00 000 101 = 0x05; disp8 = 0x10
	data := []byte{0x44, 0x05, 0x10}
	r := SliceReader{Base: 0x7000, Data: data}
	d, err := DecodeOperands(r, 0x7000, Width32, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	regs := fakeRegs{}
	regs[5] = 0x2000 // ebp
	addr := ResolveEffectiveAddress(regs, d)
	if addr != 0x2010 {
		t.Fatalf("expected 0x2010, got %#x", addr)
	}
}
