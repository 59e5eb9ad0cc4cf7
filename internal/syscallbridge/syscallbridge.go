// Package syscallbridge turns an int 0x80 fault into one RPC call to the
// service and writes its result back into the guest's eax, the way
// g_syscalls in the original implementation's host32/syscalls.h dispatched
// by entry-point ordinal into a fixed-size table of handlers.
package syscallbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/xyproto/lx32/internal/emulator"
	"github.com/xyproto/lx32/internal/syscallrpc"
	"github.com/xyproto/lx32/internal/trapframe"
	"github.com/xyproto/lx32/internal/vgs"
)

// tableSize mirrors g_syscalls[512] from the original implementation: Linux
// i386 syscall numbers fit comfortably under this, and an out-of-range
// number is rejected the same way sys_noentry would answer one.
const tableSize = 512

const (
	// linuxENOSYS and linuxEFAULT are the negative errno values the i386
	// ABI expects back in eax; the bridge never returns a Go error to the
	// guest, only ever one of these, per §4.G.
	linuxENOSYS = -38
	linuxEFAULT = -14
	linuxESRCH  = -3
)

// ErrSyscallNumberOutOfRange is returned internally (never to the guest
// directly) when eax names a slot outside the dispatch table.
var ErrSyscallNumberOutOfRange = errors.New("syscallbridge: syscall number out of range")

// Outcome tells the caller what to do with the host thread after a syscall
// handler runs: most syscalls just return a value, but sys_exit and
// sys_exit_group have to unwind the host thread or process, which nothing
// below this package is positioned to do by itself.
type Outcome int

const (
	// OutcomeContinue means the guest thread resumes normally; eax already
	// holds the syscall's return value.
	OutcomeContinue Outcome = iota
	// OutcomeExitThread means sys_exit was invoked: the calling guest
	// thread is done and the host thread tracing it should unwind, per
	// the original implementation's sys_exit restoring a saved launch
	// task and returning control to the host rather than resuming the
	// faulted instruction.
	OutcomeExitThread
	// OutcomeExitProcess means sys_exit_group was invoked: every guest
	// thread in the process is done.
	OutcomeExitProcess
)

// ExitInfo carries the guest's requested exit code when Outcome is
// OutcomeExitThread or OutcomeExitProcess.
type ExitInfo struct {
	Outcome  Outcome
	ExitCode uint32
}

// routine is one dispatch-table slot. args arrive in ebx,ecx,edx,esi,edi,ebp
// order, exactly the registers the i386 syscall ABI uses, with unused
// trailing arguments read as zero.
type routine func(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error)

// Bridge is the System-Call Bridge (§4.G): it owns the per-thread virtual
// GS/LDT table, a handle identifying this guest context to the service, and
// the RPC client used to reach it. One Bridge exists per guest thread,
// mirroring vgs.Table's one-per-thread rule.
type Bridge struct {
	svc    syscallrpc.Service
	handle syscallrpc.ContextHandle
	gs     *vgs.Table

	table [tableSize]routine

	// pending is set by sys_exit/sys_exit_group and read by the caller
	// (cmd/hostshim's dispatch loop, via TakeExit) immediately after HandleInt80
	// returns, since HandleInt80 itself must satisfy emulator.SyscallHandler
	// and so cannot return anything but an error.
	pending ExitInfo
}

// New builds a Bridge bound to svc and handle, with gs as the guest
// thread's virtual GS/LDT table (so sys_set_thread_area can install LDT
// entries directly where the emulator's GS handlers will find them).
func New(svc syscallrpc.Service, handle syscallrpc.ContextHandle, gs *vgs.Table) *Bridge {
	b := &Bridge{svc: svc, handle: handle, gs: gs}
	b.bind(1, sysExit)
	b.bind(45, sysBrk)
	b.bind(90, sysMmapPgoff) // old_mmap shares the slot in the real table; pgoff variant is what the supplemented build exposes
	b.bind(120, sysClone)
	b.bind(190, sysVfork)
	b.bind(192, sysMmapPgoff) // mmap2 takes a page-granular offset like mmap_pgoff
	b.bind(243, sysSetThreadArea)
	b.bind(252, sysExitGroup)
	return b
}

func (b *Bridge) bind(number uint32, r routine) {
	b.table[number] = r
}

// TakeExit returns and clears any pending thread/process exit recorded by
// the most recent HandleInt80 call. A zero-value Outcome means none is
// pending.
func (b *Bridge) TakeExit() ExitInfo {
	info := b.pending
	b.pending = ExitInfo{}
	return info
}

// HandleInt80 implements emulator.SyscallHandler. It reads the syscall
// number from eax, looks it up, and either runs the bound routine or
// answers ENOSYS. It always returns nil: an unimplemented syscall becomes
// -ENOSYS in eax, and a Go error from a routine becomes -EFAULT in eax.
func (b *Bridge) HandleInt80(f trapframe.Frame, mem emulator.Memory) error {
	number := f.Read32(trapframe.EAX)

	if number >= tableSize {
		f.Write32(trapframe.EAX, uint32(int32(linuxENOSYS)))
		return nil
	}

	r := b.table[number]
	if r == nil {
		f.Write32(trapframe.EAX, uint32(int32(linuxENOSYS)))
		return nil
	}

	args := [6]uint32{
		f.Read32(trapframe.EBX),
		f.Read32(trapframe.ECX),
		f.Read32(trapframe.EDX),
		f.Read32(trapframe.ESI),
		f.Read32(trapframe.EDI),
		f.Read32(trapframe.EBP),
	}

	result, err := r(b, f, mem, args)
	if err != nil {
		result = linuxEFAULT
	}
	f.Write32(trapframe.EAX, uint32(result))
	return nil
}

// memoryAccessor adapts emulator.Memory to syscallrpc.MemoryAccessor so a
// routine can hand the guest address space to the service without either
// package needing to import the other's concrete type.
type memoryAccessor struct{ mem emulator.Memory }

func (m memoryAccessor) ReadRange(addr uint32, length uint32) ([]byte, error) {
	out := make([]byte, length)
	for i := uint32(0); i < length; i++ {
		b, err := m.mem.ReadByte(addr + i)
		if err != nil {
			return nil, fmt.Errorf("syscallbridge: reading guest range at %#x: %w", addr+i, err)
		}
		out[i] = b
	}
	return out, nil
}

func (m memoryAccessor) WriteRange(addr uint32, data []byte) error {
	for i, bt := range data {
		// WriteU32/WriteU16 aren't usable here since data may be any
		// length and unaligned; Memory has no single-byte writer, so
		// this routes through a read-modify-write on the containing
		// 32-bit word, which is inefficient but correct.
		word, err := m.mem.ReadU32((addr + uint32(i)) &^ 3)
		if err != nil {
			return fmt.Errorf("syscallbridge: writing guest range at %#x: %w", addr+uint32(i), err)
		}
		shift := ((addr + uint32(i)) & 3) * 8
		word = (word &^ (0xFF << shift)) | uint32(bt)<<shift
		if err := m.mem.WriteU32((addr+uint32(i))&^3, word); err != nil {
			return fmt.Errorf("syscallbridge: writing guest range at %#x: %w", addr+uint32(i), err)
		}
	}
	return nil
}

// callService forwards one syscall to the service over RPC, the way every
// routine below except the locally-resolved ones (sys_exit, sys_exit_group,
// sys_set_thread_area) does its actual work — the bridge does not
// understand Linux syscall semantics itself (§6.2's "the core does not
// interpret the meaning of individual syscalls").
func (b *Bridge) callService(mem emulator.Memory, number uint32, args [6]uint32) (int32, error) {
	return b.svc.Syscall(context.Background(), b.handle, number, args, memoryAccessor{mem})
}

// sysExit implements sys_exit (1): the calling guest thread is finished.
// The original implementation restores a saved launch task and jumps the
// CONTEXT back there; here that unwind is the caller's job once it sees
// TakeExit() report OutcomeExitThread, since only internal/guestproc can
// actually stop tracing and let the host thread return.
func sysExit(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error) {
	b.pending = ExitInfo{Outcome: OutcomeExitThread, ExitCode: args[0] & 0xFF}
	return 0, nil
}

// sysExitGroup implements sys_exit_group (252): the whole process is
// finished. §5's decision carries this through rather than leaving it dead
// code behind an early return the way the original implementation does.
func sysExitGroup(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error) {
	b.pending = ExitInfo{Outcome: OutcomeExitProcess, ExitCode: args[0] & 0xFF}
	return 0, nil
}

// sysSetThreadArea implements sys_set_thread_area (243) entirely inside the
// bridge, resolved against the guest thread's own vgs.Table rather than
// round-tripping to the service — the LDT is a purely local resource (§3.3).
// args[0] is the guest address of a Linux user_desc struct:
// { entry_number int32; base_addr, limit uint32; flags bitfield uint32 }.
func sysSetThreadArea(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error) {
	descAddr := args[0]
	if descAddr == 0 {
		return linuxEFAULT, nil
	}

	entryNumber, err := mem.ReadU32(descAddr)
	if err != nil {
		return linuxEFAULT, nil
	}
	baseAddr, err := mem.ReadU32(descAddr + 4)
	if err != nil {
		return linuxEFAULT, nil
	}
	limit, err := mem.ReadU32(descAddr + 8)
	if err != nil {
		return linuxEFAULT, nil
	}
	flags, err := mem.ReadU32(descAddr + 12)
	if err != nil {
		return linuxEFAULT, nil
	}

	slot, err := b.gs.AllocateLDTEntry(vgs.Entry{
		EntryNumber: int32(entryNumber),
		BaseAddress: baseAddr,
		Limit:       limit,
		Flags:       flags,
	})
	if err != nil {
		return linuxESRCH, nil
	}

	if err := mem.WriteU32(descAddr, uint32(slot)); err != nil {
		return linuxEFAULT, nil
	}
	return 0, nil
}

// sysBrk implements sys_brk (45) by forwarding to the service, which is the
// side that actually tracks the process's reserved address range — the
// bridge only marshals the requested address and unmarshals the resulting
// break, exactly as it does for every other forwarded call.
func sysBrk(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error) {
	return b.callService(mem, 45, args)
}

// sysMmapPgoff implements sys_mmap_pgoff/sys_mmap2 (192) and the legacy
// sys_old_mmap slot (90): both forward to the service, which applies the
// Windows-side VirtualAlloc equivalent the original implementation's
// sys_mmap_pgoff.cpp performs.
func sysMmapPgoff(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error) {
	return b.callService(mem, 192, args)
}

// sysClone implements sys_clone (120) by forwarding to the service, which
// owns thread creation and registration (sys_register_thread in the
// original implementation) — the bridge has no visibility into host thread
// handles.
func sysClone(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error) {
	return b.callService(mem, 120, args)
}

// sysVfork implements sys_vfork (190), forwarded the same way as sysClone.
func sysVfork(b *Bridge, f trapframe.Frame, mem emulator.Memory, args [6]uint32) (int32, error) {
	return b.callService(mem, 190, args)
}
