package elfimage

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteMetadata encodes the coordinates a bootstrap child (see
// internal/launcher.RunGuestBootstrap) reports back to its tracer after
// mapping the image into its own address space. The tracer never touches
// that memory directly — it only needs these fields to install the
// initial task state and resolve PT_PHDR/PT_INTERP.
func (img *Image) WriteMetadata(w io.Writer) error {
	var hdr [21]byte
	binary.LittleEndian.PutUint32(hdr[0:4], img.BaseAddress)
	binary.LittleEndian.PutUint32(hdr[4:8], img.EntryPoint)
	if img.HasEntryPoint {
		hdr[8] = 1
	}
	binary.LittleEndian.PutUint32(hdr[9:13], img.ProgramBreak)
	binary.LittleEndian.PutUint32(hdr[13:17], img.ProgramHeaders)
	binary.LittleEndian.PutUint32(hdr[17:21], img.ProgramHeaderCount)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("elfimage: writing metadata: %w", err)
	}

	var tail [5]byte
	if img.HasInterpreter {
		tail[0] = 1
	}
	path := []byte(img.InterpreterPath)
	binary.LittleEndian.PutUint32(tail[1:5], uint32(len(path)))
	if _, err := w.Write(tail[:]); err != nil {
		return fmt.Errorf("elfimage: writing interpreter metadata: %w", err)
	}
	if len(path) > 0 {
		if _, err := w.Write(path); err != nil {
			return fmt.Errorf("elfimage: writing interpreter path: %w", err)
		}
	}
	return nil
}

// ReadMetadata decodes an Image written by WriteMetadata. The returned
// Image has no backing mapping in this process — its Close is a no-op,
// since the memory it describes lives in the process that called Load and
// wrote the metadata, not the reader's.
func ReadMetadata(r io.Reader) (*Image, error) {
	var hdr [21]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("elfimage: reading metadata: %w", err)
	}
	img := &Image{
		BaseAddress:        binary.LittleEndian.Uint32(hdr[0:4]),
		EntryPoint:         binary.LittleEndian.Uint32(hdr[4:8]),
		HasEntryPoint:      hdr[8] != 0,
		ProgramBreak:       binary.LittleEndian.Uint32(hdr[9:13]),
		ProgramHeaders:     binary.LittleEndian.Uint32(hdr[13:17]),
		ProgramHeaderCount: binary.LittleEndian.Uint32(hdr[17:21]),
	}

	var tail [5]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, fmt.Errorf("elfimage: reading interpreter metadata: %w", err)
	}
	img.HasInterpreter = tail[0] != 0
	if pathLen := binary.LittleEndian.Uint32(tail[1:5]); pathLen > 0 {
		path := make([]byte, pathLen)
		if _, err := io.ReadFull(r, path); err != nil {
			return nil, fmt.Errorf("elfimage: reading interpreter path: %w", err)
		}
		img.InterpreterPath = string(path)
	}
	return img, nil
}
