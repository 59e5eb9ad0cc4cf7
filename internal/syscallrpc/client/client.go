// Package client is the real transport for internal/syscallrpc.Service: a
// net/rpc client dialed over a Unix domain socket. No RPC framework
// appears anywhere in the retrieval pack, so this uses the standard
// library's own RPC package rather than inventing a wire format — the one
// place in this tree where "follow the teacher" and "use a pack library"
// genuinely have no answer, and stdlib is the documented fallback (see
// DESIGN.md).
package client

import (
	"context"
	"fmt"
	"net"
	"net/rpc"

	"github.com/xyproto/lx32/internal/syscallrpc"
)

// Client implements syscallrpc.Service against a service process reachable
// over a Unix domain socket speaking Go's net/rpc gob protocol.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to a service listening on a Unix domain socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("syscallrpc/client: dialing %s: %w", path, err)
	}
	return &Client{rpc: rpc.NewClient(conn)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.rpc.Close() }

// attachProcessArgs/attachProcessReply etc. are net/rpc's required
// request/response struct shape: rpc.Client.Call has no room for context
// values or multiple return parameters, so each Service method is encoded
// into exactly one argument struct and one reply struct.
type attachProcessArgs struct {
	ThreadProcAddress uint32
}

type attachProcessReply struct {
	State  syscallrpc.TaskState
	LDT    []syscallrpc.LDTEntry
	Handle syscallrpc.ContextHandle
}

func (c *Client) AttachProcess(ctx context.Context, threadProcAddress uint32) (syscallrpc.TaskState, []syscallrpc.LDTEntry, syscallrpc.ContextHandle, error) {
	var reply attachProcessReply
	if err := c.rpc.Call("Service.AttachProcess", attachProcessArgs{ThreadProcAddress: threadProcAddress}, &reply); err != nil {
		return syscallrpc.TaskState{}, nil, 0, fmt.Errorf("syscallrpc/client: AttachProcess: %w", err)
	}
	return reply.State, reply.LDT, reply.Handle, nil
}

type attachThreadArgs struct {
	NativeThreadID uint64
}

type attachThreadReply struct {
	State  syscallrpc.TaskState
	Handle syscallrpc.ContextHandle
}

func (c *Client) AttachThread(ctx context.Context, nativeThreadID uint64) (syscallrpc.TaskState, syscallrpc.ContextHandle, error) {
	var reply attachThreadReply
	if err := c.rpc.Call("Service.AttachThread", attachThreadArgs{NativeThreadID: nativeThreadID}, &reply); err != nil {
		return syscallrpc.TaskState{}, 0, fmt.Errorf("syscallrpc/client: AttachThread: %w", err)
	}
	return reply.State, reply.Handle, nil
}

type syscallArgs struct {
	Handle syscallrpc.ContextHandle
	Number uint32
	Args   [6]uint32
	// Guest memory is not carried here: syscallReply.ReadRequests lets the
	// service name, after the fact, which guest ranges it needs, and
	// Syscall sends those bytes in one extra WriteBack call, since net/rpc
	// has no way to call back into the client mid-request.
}

type syscallReply struct {
	Result       int32
	ReadRequests []syscallrpc.ByteRange
}

type writeBackArgs struct {
	Handle syscallrpc.ContextHandle
	Writes []syscallrpc.OutputByteRange
}

func (c *Client) Syscall(ctx context.Context, handle syscallrpc.ContextHandle, number uint32, args [6]uint32, mem syscallrpc.MemoryAccessor) (int32, error) {
	var reply syscallReply
	if err := c.rpc.Call("Service.Syscall", syscallArgs{Handle: handle, Number: number, Args: args}, &reply); err != nil {
		return 0, fmt.Errorf("syscallrpc/client: Syscall: %w", err)
	}

	// The service may have asked to read guest memory (e.g. a path string
	// argument) before it could compute its final result; satisfy those
	// now and send the bytes back as a follow-up call rather than
	// blocking the first RPC on guest memory access.
	if len(reply.ReadRequests) > 0 {
		writes := make([]syscallrpc.OutputByteRange, 0, len(reply.ReadRequests))
		for _, r := range reply.ReadRequests {
			data, err := mem.ReadRange(r.GuestAddress, uint32(len(r.Data)))
			if err != nil {
				return 0, fmt.Errorf("syscallrpc/client: reading guest range for service: %w", err)
			}
			writes = append(writes, syscallrpc.OutputByteRange{GuestAddress: r.GuestAddress, Len: uint32(len(data)), Data: data})
		}
		var ack bool
		if err := c.rpc.Call("Service.WriteBack", writeBackArgs{Handle: handle, Writes: writes}, &ack); err != nil {
			return 0, fmt.Errorf("syscallrpc/client: WriteBack: %w", err)
		}
	}

	return reply.Result, nil
}

type rundownArgs struct {
	Handle syscallrpc.ContextHandle
}

func (c *Client) Rundown(ctx context.Context, handle syscallrpc.ContextHandle) error {
	var ack bool
	if err := c.rpc.Call("Service.Rundown", rundownArgs{Handle: handle}, &ack); err != nil {
		return fmt.Errorf("syscallrpc/client: Rundown: %w", err)
	}
	return nil
}

type traceArgs struct {
	Handle  syscallrpc.ContextHandle
	Message string
}

func (c *Client) Trace(ctx context.Context, handle syscallrpc.ContextHandle, message string) error {
	var ack bool
	if err := c.rpc.Call("Service.Trace", traceArgs{Handle: handle, Message: message}, &ack); err != nil {
		return fmt.Errorf("syscallrpc/client: Trace: %w", err)
	}
	return nil
}
