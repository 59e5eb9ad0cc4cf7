// Package launcher is the Guest-Thread Launcher. Go has no portable way
// to transfer control to arbitrary loaded bytes with a caller-chosen
// register file from inside the tracer's own process, so this package
// execs a bootstrap child under ptrace: the child calls elfimage.Load
// against its own memory (so the loader's mmap/commit/protect pipeline
// lands in the process that will actually run the guest, not a
// throwaway copy in the tracer), reports the resulting image metadata
// back over a pipe, and stops itself. The tracer then overwrites that
// process's registers with the service-supplied initial task state and
// resumes it, which is how the same os/exec-based process start the
// teacher's launchGameProcess uses ends up running guest code rather
// than hostshim's own.
//
// The bootstrap child must be a genuine ELFCLASS32/EM_386 process, not
// merely a process whose registers have been pointed at 32-bit guest
// bytes: PTRACE_GETREGS/PTRACE_SETREGS copy whatever user_regs_struct
// layout the kernel has chosen for the tracee's own architecture, and
// on Linux that choice is driven by the tracee's TIF_IA32 flag, which
// only execve of a real 32-bit ELF sets (along with loading the
// compat-mode CS/SS selectors the CPU needs to decode 32-bit code at
// all). A 64-bit hostshim re-execing itself would hand PtraceRegs386 a
// process the kernel still treats as 64-bit, silently misreading its
// registers. So bootstrapExecutablePath resolves to hostshim itself
// only when hostshim is already a native 386 binary; otherwise it
// locates the dedicated cmd/hostshim32 helper, built with GOARCH=386
// specifically to be that genuine ia32 process.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/xyproto/lx32/internal/elfimage"
	"github.com/xyproto/lx32/internal/guestproc"
	"github.com/xyproto/lx32/internal/syscallrpc"
	"github.com/xyproto/lx32/internal/trapframe"
	"github.com/xyproto/lx32/internal/vgs"
)

// VerboseMode mirrors the cmd/hostshim-wide flag.
var VerboseMode bool

const (
	// BootstrapEnvVar marks a re-exec'd hostshim invocation as the guest
	// side of Launch's jump. cmd/hostshim's main checks for it before
	// doing anything else, since the re-exec carries no CLI flags of its
	// own.
	BootstrapEnvVar = "LX32_GUEST_BOOTSTRAP"
	// BootstrapBinaryEnvVar carries the guest ELF's path to the bootstrap
	// side; argv is already claimed by the re-exec of hostshim itself.
	BootstrapBinaryEnvVar = "LX32_GUEST_BINARY"
	// bootstrapPipeFD is the descriptor the bootstrap side's single
	// inherited pipe lands on — fd 3, the first one after stdin/out/err —
	// since Launch passes it as the lone entry of cmd.ExtraFiles.
	bootstrapPipeFD = 3
	// BootstrapHelperEnvVar overrides the default sibling-directory
	// lookup for the cmd/hostshim32 helper binary when hostshim itself
	// is not a native 386 build.
	BootstrapHelperEnvVar = "LX32_BOOTSTRAP_HELPER"
	// bootstrapHelperName is the conventional filename Launch looks for
	// next to its own executable.
	bootstrapHelperName = "hostshim32"
)

// bootstrapExecutablePath picks the binary Launch re-execs as the
// bootstrap child. When hostshim is itself a native 386 build, self is
// already a genuine ia32 process, so re-execing it works directly. On
// any other GOARCH — amd64 in particular, the deployment
// internal/trapframe's doc comment calls out — self would exec as a
// same-arch (non-ia32) process that PtraceRegs386 cannot correctly
// describe, so this locates the dedicated hostshim32 helper instead:
// either the path named by BootstrapHelperEnvVar, or a binary named
// bootstrapHelperName next to self.
func bootstrapExecutablePath(self string) (string, error) {
	if runtime.GOARCH == "386" {
		return self, nil
	}
	if override := os.Getenv(BootstrapHelperEnvVar); override != "" {
		return override, nil
	}
	helper := filepath.Join(filepath.Dir(self), bootstrapHelperName)
	if _, err := os.Stat(helper); err != nil {
		return "", fmt.Errorf("launcher: hostshim is built for GOARCH=%s, so a 32-bit bootstrap helper is required; looked for %s (built with GOARCH=386; override with %s): %w",
			runtime.GOARCH, helper, BootstrapHelperEnvVar, err)
	}
	return helper, nil
}

// RunGuestBootstrap is the guest side of the jump described in this
// package's doc comment. cmd/hostshim's main calls it as the very first
// thing when it detects BootstrapEnvVar: it loads the guest ELF named by
// BootstrapBinaryEnvVar into this process's own address space, reports
// the resulting image metadata back to its tracer over the inherited
// pipe, and stops itself with SIGSTOP. It does not return: from here on
// the process is steered entirely by its tracer overwriting registers and
// resuming it.
func RunGuestBootstrap() {
	data, err := os.ReadFile(os.Getenv(BootstrapBinaryEnvVar))
	if err != nil {
		os.Exit(97)
	}
	img, err := elfimage.Load(data)
	if err != nil {
		os.Exit(98)
	}
	pipe := os.NewFile(uintptr(bootstrapPipeFD), "lx32-bootstrap")
	if err := img.WriteMetadata(pipe); err != nil {
		os.Exit(99)
	}
	pipe.Close()
	if err := unix.Kill(unix.Getpid(), unix.SIGSTOP); err != nil {
		os.Exit(100)
	}
	select {}
}

// Guest bundles everything needed to run one guest thread: the traced OS
// thread, its virtual GS/LDT table, the RPC handle the service uses to
// identify it, and the metadata of the image it was loaded from. The image
// mapping itself lives in the traced process, not in this one.
type Guest struct {
	Thread *guestproc.Thread
	GS     *vgs.Table
	Handle syscallrpc.ContextHandle
	Image  *elfimage.Image
}

// Launch execs the bootstrap binary bootstrapExecutablePath resolves (see
// RunGuestBootstrap), waits for it to report the guest's loaded image
// metadata and stop itself, then lets the service supply the initial task
// state and LDT template via AttachProcess and installs that state into
// the stopped bootstrap process — turning it, in place, into the guest
// thread. It returns a Guest ready for the caller's fault-dispatch loop.
func Launch(ctx context.Context, svc syscallrpc.Service, binaryPath string) (*Guest, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("launcher: resolving own executable: %w", err)
	}
	bootstrapPath, err := bootstrapExecutablePath(self)
	if err != nil {
		return nil, err
	}

	pipeRead, pipeWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("launcher: creating bootstrap pipe: %w", err)
	}
	defer pipeRead.Close()

	cmd := exec.Command(bootstrapPath)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = append(os.Environ(), BootstrapEnvVar+"=1", BootstrapBinaryEnvVar+"="+binaryPath)
	cmd.ExtraFiles = []*os.File{pipeWrite}
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		pipeWrite.Close()
		return nil, fmt.Errorf("launcher: starting bootstrap process: %w", err)
	}
	pipeWrite.Close()
	pid := cmd.Process.Pid

	// cmd.Start's child raises SIGTRAP against itself right after exec due
	// to PTRACE_TRACEME; the first wait collects that stop before any
	// register work begins.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("launcher: waiting for initial exec stop: %w", err)
	}
	if !ws.Stopped() {
		return nil, fmt.Errorf("launcher: bootstrap process %d did not stop at exec (status %#x)", pid, ws)
	}

	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_EXITKILL|unix.PTRACE_O_TRACESYSGOOD); err != nil {
		return nil, fmt.Errorf("launcher: setting ptrace options: %w", err)
	}

	// Plain PTRACE_CONT here, not PTRACE_SYSCALL: the bootstrap child makes
	// many legitimate Go-runtime syscalls (file reads, mmap, the pipe
	// write) while loading the guest image, none of which should be
	// trapped. Syscall-level interception only begins once the guest's own
	// code starts running, after this function installs its registers.
	if err := unix.PtraceCont(pid, 0); err != nil {
		return nil, fmt.Errorf("launcher: resuming bootstrap process: %w", err)
	}

	var bootWS unix.WaitStatus
	if _, err := unix.Wait4(pid, &bootWS, 0, nil); err != nil {
		return nil, fmt.Errorf("launcher: waiting for bootstrap SIGSTOP: %w", err)
	}
	if !bootWS.Stopped() || bootWS.StopSignal() != unix.SIGSTOP {
		return nil, fmt.Errorf("launcher: bootstrap process %d did not reach SIGSTOP (status %#x)", pid, bootWS)
	}

	img, err := elfimage.ReadMetadata(pipeRead)
	if err != nil {
		return nil, fmt.Errorf("launcher: reading bootstrap image metadata: %w", err)
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "launcher: guest %d loaded image, entry %#x, requesting attach state\n", pid, img.EntryPoint)
	}

	state, ldt, handle, err := svc.AttachProcess(ctx, img.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("launcher: AttachProcess: %w", err)
	}

	thread := guestproc.Attach(pid)
	f, err := thread.Frame()
	if err != nil {
		return nil, fmt.Errorf("launcher: reading initial registers: %w", err)
	}
	applyTaskState(f, state)
	if err := thread.CommitFrame(f); err != nil {
		return nil, fmt.Errorf("launcher: committing initial registers: %w", err)
	}

	gs := vgs.New()
	gs.LoadGS(state.VirtualGS)
	for _, e := range ldt {
		if _, err := gs.AllocateLDTEntry(vgs.Entry{
			EntryNumber: e.EntryNumber,
			BaseAddress: e.BaseAddress,
			Limit:       e.Limit,
			Flags:       e.Flags,
		}); err != nil {
			return nil, fmt.Errorf("launcher: installing LDT entry %d: %w", e.EntryNumber, err)
		}
	}

	return &Guest{Thread: thread, GS: gs, Handle: handle, Image: img}, nil
}

func applyTaskState(f trapframe.Frame, s syscallrpc.TaskState) {
	f.Write32(trapframe.EAX, s.EAX)
	f.Write32(trapframe.EBX, s.EBX)
	f.Write32(trapframe.ECX, s.ECX)
	f.Write32(trapframe.EDX, s.EDX)
	f.Write32(trapframe.ESI, s.ESI)
	f.Write32(trapframe.EDI, s.EDI)
	f.Write32(trapframe.EBP, s.EBP)
	f.SetSP(s.ESP)
	f.SetIP(s.EIP)
}

// Close calls Close on the guest's Image. That Image comes from
// elfimage.ReadMetadata and has no mapping in this process, so this
// releases nothing here; the mapping goes away with the traced process.
// Close does not kill the traced process; Guest.Thread.Kill does that.
func (g *Guest) Close() error {
	return g.Image.Close()
}
