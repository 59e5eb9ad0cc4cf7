// Package syscallrpc defines the wire contract between the guest-process
// substrate and the external service process, per §6.2. It holds only
// interface and value types: the transport, authentication, and
// marshalling rules are explicitly out of scope (§1) and live in whatever
// concrete client dials the service.
package syscallrpc

import "context"

// TaskState is the initial register/stack/IP set for a guest thread, as
// returned by attach_process/attach_thread and consumed by
// internal/launcher.
type TaskState struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP                uint32
	VirtualGS          uint32
}

// LDTEntry mirrors §6.4's on-wire LDT entry shape.
type LDTEntry struct {
	EntryNumber int32
	BaseAddress uint32
	Limit       uint32
	Flags       uint32
}

// ContextHandle is an opaque RPC handle identifying a guest process (or
// thread) to the service for the duration of its life (§6.2, GLOSSARY).
type ContextHandle uint64

// ByteRange is a length-prefixed view into guest memory, the marshalled
// shape a pointer argument takes when it crosses the RPC boundary (§6.2).
type ByteRange struct {
	GuestAddress uint32
	Data         []byte
}

// OutputByteRange is a guest range paired with its bytes. The client in
// internal/syscallrpc/client fills Data with the guest bytes read at
// GuestAddress, sets Len to their count, and sends it to the service in a
// WriteBack call. No service-supplied data is copied into guest memory
// through this type.
type OutputByteRange struct {
	GuestAddress uint32
	Len          uint32
	Data         []byte
}

// Service is the RPC surface the core consumes. Only the two calls used at
// startup are named individually; every other Linux syscall is reached
// through Syscall, since the core "does not interpret the meaning of
// individual syscalls; it only marshals" (§6.2).
type Service interface {
	// AttachProcess is called once by the main host thread after the ELF
	// load completes.
	AttachProcess(ctx context.Context, threadProcAddress uint32) (TaskState, []LDTEntry, ContextHandle, error)

	// AttachThread is called once per additional guest thread.
	AttachThread(ctx context.Context, nativeThreadID uint64) (TaskState, ContextHandle, error)

	// Syscall marshals one Linux i386 syscall. args is exactly six
	// values in ebx,ecx,edx,esi,edi,ebp order, per the Linux i386 ABI;
	// unused trailing arguments are zero. The return is the signed
	// 32-bit Linux return value the bridge writes back into eax.
	Syscall(ctx context.Context, handle ContextHandle, number uint32, args [6]uint32, mem MemoryAccessor) (int32, error)

	// Rundown releases guest resources on the service side if the host
	// process that owns handle dies unexpectedly (§6.2).
	Rundown(ctx context.Context, handle ContextHandle) error

	// Trace forwards a debug-print exception's payload to the service's
	// trace sink (§4.D's "Special fault codes"). It never fails the
	// guest: a transport error here is a local diagnostic, not something
	// that should turn into -EFAULT.
	Trace(ctx context.Context, handle ContextHandle, message string) error
}

// MemoryAccessor lets a Syscall implementation read or write guest memory
// for pointer-shaped arguments without the core needing to know which
// syscalls take pointers — the service-side stub decides that and calls
// back through this narrow interface.
type MemoryAccessor interface {
	ReadRange(addr uint32, length uint32) ([]byte, error)
	WriteRange(addr uint32, data []byte) error
}
