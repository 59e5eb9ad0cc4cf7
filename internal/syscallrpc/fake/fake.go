// Package fake is an in-memory stand-in for the service RPC surface,
// recording calls the way bassosimone-risc32's pkg/vm/tty.go stubs its I/O
// device for tests: a small struct with a slice of recorded calls and
// pre-programmed return values, no network and no process boundary.
package fake

import (
	"context"
	"fmt"

	"github.com/xyproto/lx32/internal/syscallrpc"
)

// Call records one invocation of Service.Syscall for test assertions.
type Call struct {
	Handle syscallrpc.ContextHandle
	Number uint32
	Args   [6]uint32
}

// Service is a programmable fake implementing syscallrpc.Service.
type Service struct {
	Calls    []Call
	TraceLog []string

	// Bindings maps syscall number to a canned (result, error) pair. A
	// syscall number with no binding makes Syscall return a Go error; this
	// fake does not model ENOSYS itself and only ever plays back what it
	// was told to.
	Bindings map[uint32]func(args [6]uint32, mem syscallrpc.MemoryAccessor) (int32, error)

	nextHandle syscallrpc.ContextHandle
}

// New returns an empty Service ready to have Bindings populated.
func New() *Service {
	return &Service{Bindings: make(map[uint32]func([6]uint32, syscallrpc.MemoryAccessor) (int32, error))}
}

func (s *Service) AttachProcess(ctx context.Context, threadProcAddress uint32) (syscallrpc.TaskState, []syscallrpc.LDTEntry, syscallrpc.ContextHandle, error) {
	s.nextHandle++
	return syscallrpc.TaskState{EIP: threadProcAddress}, nil, s.nextHandle, nil
}

func (s *Service) AttachThread(ctx context.Context, nativeThreadID uint64) (syscallrpc.TaskState, syscallrpc.ContextHandle, error) {
	s.nextHandle++
	return syscallrpc.TaskState{}, s.nextHandle, nil
}

func (s *Service) Syscall(ctx context.Context, handle syscallrpc.ContextHandle, number uint32, args [6]uint32, mem syscallrpc.MemoryAccessor) (int32, error) {
	s.Calls = append(s.Calls, Call{Handle: handle, Number: number, Args: args})
	fn, ok := s.Bindings[number]
	if !ok {
		return 0, fmt.Errorf("fake: no binding for syscall %d", number)
	}
	return fn(args, mem)
}

func (s *Service) Rundown(ctx context.Context, handle syscallrpc.ContextHandle) error {
	return nil
}

// Trace records every message passed to Trace, in order, for test
// assertions.
func (s *Service) Trace(ctx context.Context, handle syscallrpc.ContextHandle, message string) error {
	s.TraceLog = append(s.TraceLog, message)
	return nil
}
