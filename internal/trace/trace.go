// Package trace implements the debug-print special fault code from §4.D:
// it reads a NUL-terminated guest string and forwards it to the service's
// trace sink over RPC, the same indirection TraceMessage used in the
// original implementation to dodge a flaky OutputDebugString.
package trace

import (
	"context"
	"fmt"

	"github.com/xyproto/lx32/internal/emulator"
	"github.com/xyproto/lx32/internal/syscallrpc"
	"github.com/xyproto/lx32/internal/trapframe"
)

// Reader is the minimal guest-memory access a trace print needs: one byte
// at a time, the same shape decoder.ByteReader already standardizes on.
type Reader interface {
	ReadByte(addr uint32) (byte, error)
}

// maxMessageLength bounds how far Emit will walk looking for a NUL
// terminator, so a corrupt or hostile guest can't make it read forever.
const maxMessageLength = 4096

// Emit reads a NUL-terminated string starting at addr out of mem and
// forwards it to svc.Trace under handle.
func Emit(ctx context.Context, svc syscallrpc.Service, handle syscallrpc.ContextHandle, mem Reader, addr uint32) error {
	buf := make([]byte, 0, 64)
	for i := uint32(0); i < maxMessageLength; i++ {
		b, err := mem.ReadByte(addr + i)
		if err != nil {
			return fmt.Errorf("trace: reading guest string at %#x: %w", addr+i, err)
		}
		if b == 0 {
			return svc.Trace(ctx, handle, string(buf))
		}
		buf = append(buf, b)
	}
	return svc.Trace(ctx, handle, string(buf)+"...(truncated)")
}

// Handler adapts a service/handle pair to emulator.TraceHandler, the
// int3-triggered debug-print entry in the instruction emulator's table.
// The guest convention, matching the original implementation's print
// syscall taking a single pointer argument, is that ebx holds the address
// of the NUL-terminated message.
type Handler struct {
	Svc    syscallrpc.Service
	Handle syscallrpc.ContextHandle
}

func (h Handler) HandleDebugPrint(f trapframe.Frame, mem emulator.Memory) error {
	addr := f.Read32(trapframe.EBX)
	return Emit(context.Background(), h.Svc, h.Handle, mem, addr)
}
