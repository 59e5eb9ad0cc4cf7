// Command hostshim is the executable entry point: it loads a 32-bit ELF
// binary, launches it under ptrace, and runs the fault-dispatch loop that
// ties the instruction emulator, the virtual GS/LDT table, and the
// syscall bridge together until the guest exits. Flag parsing and the
// VerboseMode/QuietMode globals follow the teacher's main()/cli.go style.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/lx32/internal/emulator"
	"github.com/xyproto/lx32/internal/guestproc"
	"github.com/xyproto/lx32/internal/launcher"
	"github.com/xyproto/lx32/internal/syscallbridge"
	"github.com/xyproto/lx32/internal/syscallrpc"
	"github.com/xyproto/lx32/internal/syscallrpc/client"
	"github.com/xyproto/lx32/internal/trace"
	"github.com/xyproto/lx32/internal/trapframe"
)

const versionString = "lx32 0.1.0"

// VerboseMode and QuietMode are the process-wide diagnostic switches,
// named and gated exactly the way the teacher's main.go does.
var (
	VerboseMode bool
	QuietMode   bool
)

func main() {
	// Re-exec'd hostshim invocations carrying launcher.BootstrapEnvVar are
	// the guest side of Launch's jump (see internal/launcher's package
	// doc): they never see the normal CLI flags, so this check must run
	// before flag.Parse touches os.Args at all. This path only actually
	// runs when hostshim itself was built GOARCH=386 — on any other
	// GOARCH, Launch re-execs the dedicated cmd/hostshim32 helper instead,
	// and this branch is dead in that deployment.
	if os.Getenv(launcher.BootstrapEnvVar) != "" {
		launcher.RunGuestBootstrap()
		return
	}

	var (
		verbose     = flag.Bool("v", false, "verbose mode (show fault-dispatch trace)")
		verboseLong = flag.Bool("verbose", false, "verbose mode (show fault-dispatch trace)")
		quiet       = flag.Bool("q", false, "quiet mode (suppress guest exit summary)")
		quietLong   = flag.Bool("quiet", false, "quiet mode (suppress guest exit summary)")
		version     = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	VerboseMode = *verbose || *verboseLong || env.Bool("LX32_VERBOSE")
	QuietMode = *quiet || *quietLong
	guestproc.VerboseMode = VerboseMode
	launcher.VerboseMode = VerboseMode

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "DEBUG hostshim: VerboseMode enabled\n")
	}

	rpcSocket := env.Str("LX32_RPC_SOCKET", "/run/lx32/service.sock")
	if VerboseMode {
		fmt.Fprintf(os.Stderr, "hostshim: service socket = %s\n", rpcSocket)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <guest-binary>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	binaryPath := args[0]

	if err := run(binaryPath, rpcSocket); err != nil {
		fmt.Fprintf(os.Stderr, "hostshim: %v\n", err)
		os.Exit(1)
	}
}

func run(binaryPath, rpcSocket string) error {
	if _, err := os.Stat(binaryPath); err != nil {
		return fmt.Errorf("guest binary %s: %w", binaryPath, err)
	}

	svc, err := client.Dial(rpcSocket)
	if err != nil {
		return fmt.Errorf("connecting to service: %w", err)
	}
	defer svc.Close()

	ctx := context.Background()
	// launcher.Launch loads binaryPath into the guest's own address space
	// (via a re-exec'd bootstrap child), not this process's — the Image
	// it returns on Guest describes that other process's memory, which is
	// why this function never calls elfimage.Load itself.
	guest, err := launcher.Launch(ctx, svc, binaryPath)
	if err != nil {
		return fmt.Errorf("launching guest: %w", err)
	}
	defer guest.Close()

	bridge := syscallbridge.New(svc, guest.Handle, guest.GS)
	traceHandler := trace.Handler{Svc: svc, Handle: guest.Handle}
	table := emulator.NewTable(bridge, traceHandler)

	// Launch leaves the guest stopped at the bootstrap's SIGSTOP with its
	// initial task state installed; start it before waiting on it.
	if err := guest.Thread.Resume(0); err != nil {
		_ = svc.Rundown(ctx, guest.Handle)
		return fmt.Errorf("starting guest: %w", err)
	}

	if err := dispatchLoop(guest, table, bridge); err != nil {
		_ = svc.Rundown(ctx, guest.Handle)
		return err
	}
	return svc.Rundown(ctx, guest.Handle)
}

// dispatchLoop is the process-wide fault loop named in the host
// fault-handler protocol (§6.1): wait for the tracee to stop, hand a
// SIGSEGV/SIGILL/SIGBUS stop to the emulator, resume on success, and let
// an exit or an unhandled fault end the loop.
func dispatchLoop(guest *launcher.Guest, table *emulator.Table, bridge *syscallbridge.Bridge) error {
	for {
		ev, err := guest.Thread.Wait()
		if err != nil {
			return fmt.Errorf("waiting on guest: %w", err)
		}

		switch ev.Reason {
		case guestproc.StopExited:
			if !QuietMode {
				fmt.Fprintf(os.Stderr, "hostshim: guest exited with status %d\n", ev.ExitCode)
			}
			return nil

		case guestproc.StopSignaled:
			return fmt.Errorf("guest killed by signal %v", ev.ExitSignal)

		case guestproc.StopFault:
			f, err := guest.Thread.Frame()
			if err != nil {
				return fmt.Errorf("reading fault registers: %w", err)
			}

			outcome, dispatchErr := emulator.Dispatch(table, f, guest.Thread, guest.GS)
			if outcome == emulator.ContinueSearch {
				if VerboseMode {
					fmt.Fprintf(os.Stderr, "hostshim: unhandled fault at %#x: %v\n", f.IP(), dispatchErr)
				}
				return fmt.Errorf("unhandled guest fault at %#x: %w", f.IP(), dispatchErr)
			}

			if err := guest.Thread.CommitFrame(f); err != nil {
				return fmt.Errorf("committing registers after dispatch: %w", err)
			}

			if exit := bridge.TakeExit(); exit.Outcome != syscallbridge.OutcomeContinue {
				if !QuietMode {
					fmt.Fprintf(os.Stderr, "hostshim: guest requested exit, code %d\n", exit.ExitCode)
				}
				if exit.Outcome == syscallbridge.OutcomeExitProcess {
					_ = guest.Thread.Kill()
				}
				return nil
			}

			if err := guest.Thread.Resume(0); err != nil {
				return fmt.Errorf("resuming guest: %w", err)
			}

		case guestproc.StopSyscallTrap:
			// int 0x80 under PTRACE_SYSCALL delivers one stop on entry and
			// one on exit. On entry, neutralize the real syscall so the
			// kernel's own dispatch does nothing, then let it run to the
			// exit stop. On exit, the kernel has already clobbered eax
			// with its own -ENOSYS response to the neutralized call, so
			// the syscall number NeutralizeSyscall captured has to be
			// restored before the bridge can dispatch on it.
			if guest.Thread.EnteringSyscall() {
				if err := guest.Thread.NeutralizeSyscall(); err != nil {
					return fmt.Errorf("neutralizing guest syscall: %w", err)
				}
				if err := guest.Thread.Resume(0); err != nil {
					return fmt.Errorf("resuming guest: %w", err)
				}
				continue
			}

			f, err := guest.Thread.Frame()
			if err != nil {
				return fmt.Errorf("reading syscall-exit registers: %w", err)
			}
			f.Write32(trapframe.EAX, guest.Thread.PendingSyscall())

			if err := bridge.HandleInt80(f, guest.Thread); err != nil {
				return fmt.Errorf("handling guest syscall: %w", err)
			}
			if err := guest.Thread.CommitFrame(f); err != nil {
				return fmt.Errorf("committing registers after syscall: %w", err)
			}

			if exit := bridge.TakeExit(); exit.Outcome != syscallbridge.OutcomeContinue {
				if !QuietMode {
					fmt.Fprintf(os.Stderr, "hostshim: guest requested exit, code %d\n", exit.ExitCode)
				}
				if exit.Outcome == syscallbridge.OutcomeExitProcess {
					_ = guest.Thread.Kill()
				}
				return nil
			}

			if err := guest.Thread.Resume(0); err != nil {
				return fmt.Errorf("resuming guest: %w", err)
			}

		default:
			return fmt.Errorf("unexpected stop reason %v", ev.Reason)
		}
	}
}

var _ syscallrpc.Service = (*client.Client)(nil)
