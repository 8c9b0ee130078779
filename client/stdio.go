package client

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// StdioTransport runs a server as a subprocess and talks to it over its
// stdin and stdout.
type StdioTransport struct {
	cmd    *exec.Cmd
	stream *StreamTransport

	// KillDelay is how long Close waits for the process to exit after
	// closing its stdin.
	KillDelay time.Duration
}

// NewStdioTransport starts cmd. The caller may set cmd.Stderr and cmd.Env
// beforehand; stdin and stdout are taken over by the transport.
func NewStdioTransport(cmd *exec.Cmd, opts ...TransportOption) (*StdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	return &StdioTransport{
		cmd:       cmd,
		stream:    NewStreamTransport(stdout, stdin, opts...),
		KillDelay: 5 * time.Second,
	}, nil
}

// Send writes req to the subprocess and waits for its response.
func (t *StdioTransport) Send(ctx context.Context, req *protocol.Request) (*Response, error) {
	return t.stream.Send(ctx, req)
}

// Notify writes a notification to the subprocess.
func (t *StdioTransport) Notify(ctx context.Context, n *protocol.Request) error {
	return t.stream.Notify(ctx, n)
}

// Close closes the subprocess's stdin and waits for it to exit, killing
// it after KillDelay.
func (t *StdioTransport) Close() error {
	_ = t.stream.closeWrite()

	select {
	case <-t.stream.Done():
	case <-time.After(t.KillDelay):
		_ = t.cmd.Process.Kill()
		if c, ok := t.stream.r.(io.Closer); ok {
			_ = c.Close()
		}
		<-t.stream.Done()
	}
	return t.cmd.Wait()
}
