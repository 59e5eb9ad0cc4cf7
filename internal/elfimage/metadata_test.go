package elfimage

import (
	"bytes"
	"testing"
)

func TestMetadataRoundTrip(t *testing.T) {
	img := &Image{
		BaseAddress:        0x08048000,
		EntryPoint:         0x08048030,
		HasEntryPoint:      true,
		ProgramBreak:       0x08049000,
		ProgramHeaders:     0x08048034,
		ProgramHeaderCount: 3,
		HasInterpreter:     true,
		InterpreterPath:    "/lib/ld-linux.so.2",
	}

	var buf bytes.Buffer
	if err := img.WriteMetadata(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ReadMetadata(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BaseAddress != img.BaseAddress || got.EntryPoint != img.EntryPoint ||
		got.HasEntryPoint != img.HasEntryPoint || got.ProgramBreak != img.ProgramBreak ||
		got.ProgramHeaders != img.ProgramHeaders || got.ProgramHeaderCount != img.ProgramHeaderCount ||
		got.HasInterpreter != img.HasInterpreter || got.InterpreterPath != img.InterpreterPath {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, img)
	}
	if got.reservedLen != 0 {
		t.Fatalf("expected a metadata-only Image to have no backing mapping, got reservedLen %d", got.reservedLen)
	}
}

func TestMetadataRoundTripNoInterpreter(t *testing.T) {
	img := &Image{EntryPoint: 0x08048030, HasEntryPoint: true}

	var buf bytes.Buffer
	if err := img.WriteMetadata(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ReadMetadata(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.HasInterpreter || got.InterpreterPath != "" {
		t.Fatalf("expected no interpreter, got %+v", got)
	}
}
