// Package guestproc is the ptrace-based realization of the host
// fault-handler protocol: it starts a guest thread under PTRACE_TRACEME,
// blocks in a wait loop the way FileWatcher.Watch blocks in a read loop,
// and on every stop converts the tracee's captured registers into a
// trapframe.Frame the emulator can dispatch against.
package guestproc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/xyproto/lx32/internal/trapframe"
)

// VerboseMode mirrors the cmd/hostshim-wide flag; guestproc logs through it
// the same plain way the rest of this tree does.
var VerboseMode bool

// StopReason classifies why Wait returned control to the caller.
type StopReason int

const (
	// StopFault means the tracee took a SIGSEGV/SIGILL/SIGBUS, or hit a
	// debug trap (int3, single-step), that the caller should hand to the
	// emulator's Dispatch. Wait also reports a stop for any other signal
	// (other than the syscall-stop marker) as StopFault.
	StopFault StopReason = iota
	// StopSyscallTrap means the tracee is at a syscall-entry or -exit
	// stop under PTRACE_SYSCALL. This is the only way int 0x80 is
	// observable at all on a real Linux host: it is a legitimate,
	// kernel-handled syscall gate that raises no SIGSEGV/SIGILL of its
	// own, so PTRACE_O_TRACESYSGOOD's synthetic SIGTRAP|0x80 stop is what
	// the caller must route to internal/syscallbridge instead.
	StopSyscallTrap
	// StopExited means the tracee ran to completion; WaitStatus carries
	// the exit code.
	StopExited
	// StopSignaled means the tracee died to an uncaught signal other than
	// the ones this package translates into faults.
	StopSignaled
)

// Event is what Wait reports back after one tracee stop.
type Event struct {
	Reason     StopReason
	Signal     unix.Signal
	ExitCode   int
	ExitSignal unix.Signal
}

// Thread is one traced guest OS thread. It owns the tracee's pid and the
// PtraceRegs buffer a trapframe.Frame borrows for the duration of a single
// fault dispatch, the same borrowing contract trapframe.New documents.
type Thread struct {
	pid  int
	regs unix.PtraceRegs386

	// inSyscall and pendingSyscall track one int 0x80's entry/exit pair:
	// EnteringSyscall alternates on every StopSyscallTrap, and
	// NeutralizeSyscall stashes the attempted syscall number before the
	// real kernel's exit-stop response clobbers eax with its own -ENOSYS.
	inSyscall      bool
	pendingSyscall uint32
}

// Attach wraps an already-stopped tracee (one that has called
// PTRACE_TRACEME and raised SIGSTOP/SIGTRAP against itself, per the launch
// sequence in internal/launcher) in a Thread.
func Attach(pid int) *Thread {
	return &Thread{pid: pid}
}

// PID returns the host thread ID ptrace is attached to.
func (t *Thread) PID() int { return t.pid }

// Wait blocks until the tracee stops or exits, the blocking-then-callback
// shape FileWatcher.Watch uses for inotify, adapted to waitpid instead of a
// file descriptor read.
func (t *Thread) Wait() (Event, error) {
	var ws unix.WaitStatus
	_, err := unix.Wait4(t.pid, &ws, 0, nil)
	if err != nil {
		return Event{}, fmt.Errorf("guestproc: wait4 on pid %d: %w", t.pid, err)
	}

	switch {
	case ws.Exited():
		if VerboseMode {
			fmt.Fprintf(os.Stderr, "guestproc: pid %d exited status %d\n", t.pid, ws.ExitStatus())
		}
		return Event{Reason: StopExited, ExitCode: ws.ExitStatus()}, nil

	case ws.Signaled():
		if VerboseMode {
			fmt.Fprintf(os.Stderr, "guestproc: pid %d killed by signal %v\n", t.pid, ws.Signal())
		}
		return Event{Reason: StopSignaled, ExitSignal: ws.Signal()}, nil

	case ws.Stopped():
		sig := ws.StopSignal()
		switch sig {
		case unix.SIGTRAP | 0x80:
			// PTRACE_O_TRACESYSGOOD's syscall-stop marker: bit 0x80 set on
			// top of SIGTRAP distinguishes a syscall-entry/-exit stop from
			// a genuine debug trap, which reports plain SIGTRAP below.
			return Event{Reason: StopSyscallTrap, Signal: sig}, nil
		case unix.SIGSEGV, unix.SIGILL, unix.SIGBUS, unix.SIGTRAP:
			return Event{Reason: StopFault, Signal: sig}, nil
		default:
			return Event{Reason: StopFault, Signal: sig}, nil
		}
	}

	return Event{}, fmt.Errorf("guestproc: pid %d: unrecognized wait status %#x", t.pid, ws)
}

// Frame fetches the tracee's current registers via PTRACE_GETREGS and
// returns a trapframe.Frame borrowing them. The caller must call
// CommitFrame before resuming the tracee if it mutated anything through the
// Frame.
func (t *Thread) Frame() (trapframe.Frame, error) {
	if err := unix.PtraceGetRegs386(t.pid, &t.regs); err != nil {
		return trapframe.Frame{}, fmt.Errorf("guestproc: PTRACE_GETREGS on pid %d: %w", t.pid, err)
	}
	return trapframe.New(&t.regs), nil
}

// CommitFrame writes the Thread's register buffer back into the tracee via
// PTRACE_SETREGS. f must be the Frame most recently returned by Frame.
func (t *Thread) CommitFrame(f trapframe.Frame) error {
	if f.Raw() != &t.regs {
		return fmt.Errorf("guestproc: frame does not belong to pid %d", t.pid)
	}
	if err := unix.PtraceSetRegs386(t.pid, &t.regs); err != nil {
		return fmt.Errorf("guestproc: PTRACE_SETREGS on pid %d: %w", t.pid, err)
	}
	return nil
}

// Resume continues the tracee via PTRACE_SYSCALL, delivering sig if
// nonzero (used to forward a signal the emulator declined to service).
// PTRACE_SYSCALL rather than PTRACE_CONT is what makes int 0x80
// observable at all: it arms the next syscall-entry/-exit stop in
// addition to any genuine fault.
func (t *Thread) Resume(sig unix.Signal) error {
	if err := unix.PtraceSyscall(t.pid, int(sig)); err != nil {
		return fmt.Errorf("guestproc: PTRACE_SYSCALL on pid %d: %w", t.pid, err)
	}
	return nil
}

// EnteringSyscall reports whether the current StopSyscallTrap event is
// the syscall-entry half (true) or the syscall-exit half (false) of one
// int 0x80, alternating on every call — ptrace delivers exactly one stop
// for entry and one for exit per executed syscall instruction.
func (t *Thread) EnteringSyscall() bool {
	entering := !t.inSyscall
	t.inSyscall = !t.inSyscall
	return entering
}

// NeutralizeSyscall records the syscall number the tracee is attempting
// and rewrites orig_eax to an invalid number, so the real kernel does
// nothing when the syscall-entry stop is resumed instead of servicing the
// guest's syscall itself. PendingSyscall recovers the recorded number once
// the matching exit stop arrives, since by then the kernel has already
// overwritten eax with its own -ENOSYS response to the neutralized call.
func (t *Thread) NeutralizeSyscall() error {
	if err := unix.PtraceGetRegs386(t.pid, &t.regs); err != nil {
		return fmt.Errorf("guestproc: PTRACE_GETREGS on pid %d: %w", t.pid, err)
	}
	t.pendingSyscall = uint32(t.regs.Orig_eax)
	t.regs.Orig_eax = -1
	if err := unix.PtraceSetRegs386(t.pid, &t.regs); err != nil {
		return fmt.Errorf("guestproc: PTRACE_SETREGS on pid %d: %w", t.pid, err)
	}
	return nil
}

// PendingSyscall returns the syscall number NeutralizeSyscall most
// recently captured.
func (t *Thread) PendingSyscall() uint32 { return t.pendingSyscall }

// Kill terminates the tracee, used when sys_exit_group's Outcome unwinds
// the whole process.
func (t *Thread) Kill() error {
	return unix.Kill(t.pid, unix.SIGKILL)
}

// ReadByte implements decoder.ByteReader (via emulator.Memory) by peeking
// one word of tracee memory and extracting the requested byte. A full
// PEEKDATA round trip per byte is wasteful but matches this package's scope
// — a caching Memory wrapper belongs above this layer, not inside ptrace
// plumbing.
func (t *Thread) ReadByte(addr uint32) (byte, error) {
	word, err := t.peekWord(addr &^ 3)
	if err != nil {
		return 0, err
	}
	return byte(word >> (8 * (addr & 3))), nil
}

func (t *Thread) ReadU16(addr uint32) (uint16, error) {
	lo, err := t.ReadByte(addr)
	if err != nil {
		return 0, err
	}
	hi, err := t.ReadByte(addr + 1)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (t *Thread) WriteU16(addr uint32, v uint16) error {
	word, err := t.peekWord(addr &^ 3)
	if err != nil {
		return err
	}
	shift := (addr & 3) * 8
	word = (word &^ (0xFFFF << shift)) | uint32(v)<<shift
	return t.pokeWord(addr&^3, word)
}

func (t *Thread) ReadU32(addr uint32) (uint32, error) {
	if addr&3 == 0 {
		return t.peekWord(addr)
	}
	lo, err := t.ReadU16(addr)
	if err != nil {
		return 0, err
	}
	hi, err := t.ReadU16(addr + 2)
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

func (t *Thread) WriteU32(addr uint32, v uint32) error {
	if addr&3 == 0 {
		return t.pokeWord(addr, v)
	}
	if err := t.WriteU16(addr, uint16(v)); err != nil {
		return err
	}
	return t.WriteU16(addr+2, uint16(v>>16))
}

func (t *Thread) peekWord(addr uint32) (uint32, error) {
	var buf [4]byte
	n, err := unix.PtracePeekData(t.pid, uintptr(addr), buf[:])
	if err != nil {
		return 0, fmt.Errorf("guestproc: PTRACE_PEEKDATA at %#x: %w", addr, err)
	}
	if n != 4 {
		return 0, fmt.Errorf("guestproc: PTRACE_PEEKDATA at %#x: short read (%d bytes)", addr, n)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (t *Thread) pokeWord(addr uint32, v uint32) error {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	n, err := unix.PtracePokeData(t.pid, uintptr(addr), buf[:])
	if err != nil {
		return fmt.Errorf("guestproc: PTRACE_POKEDATA at %#x: %w", addr, err)
	}
	if n != 4 {
		return fmt.Errorf("guestproc: PTRACE_POKEDATA at %#x: short write (%d bytes)", addr, n)
	}
	return nil
}
