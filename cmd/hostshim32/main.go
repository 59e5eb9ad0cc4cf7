//go:build 386

// Command hostshim32 is the dedicated 32-bit bootstrap helper internal/launcher
// re-execs when the main hostshim binary is not itself a native 386 build
// (the common deployment, per internal/launcher's package doc: hostshim and
// the service can run on an amd64 host while every guest is i386). Building
// this command requires GOARCH=386 — enforced by the build constraint above
// — so the resulting binary is a genuine ELFCLASS32/EM_386 process: the
// kernel's own compat-exec path marks it TIF_IA32 and loads 32-bit CS/SS
// before its tracer ever touches a register, which is exactly the state
// internal/trapframe's PtraceRegs386 view assumes. It does nothing but hand
// control to launcher.RunGuestBootstrap; everything else about the jump is
// documented on internal/launcher.
package main

import "github.com/xyproto/lx32/internal/launcher"

func main() {
	launcher.RunGuestBootstrap()
}
