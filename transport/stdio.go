package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/engine"
	"github.com/felixgeelhaar/embed-mcp/logging"
)

// StdioConnectionID is the id of the single stdio connection.
const StdioConnectionID = "stdio"

// Stdio serves one connection over newline-delimited JSON on
// stdin/stdout.
type Stdio struct {
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger
	maxBytes int

	mu sync.Mutex
}

// StdioOption configures a Stdio transport.
type StdioOption func(*Stdio)

// WithStdin sets the reader messages are read from.
func WithStdin(r io.Reader) StdioOption {
	return func(s *Stdio) {
		s.in = r
	}
}

// WithStdout sets the writer replies are written to.
func WithStdout(w io.Writer) StdioOption {
	return func(s *Stdio) {
		s.out = w
	}
}

// WithStdioLogger sets the logger for read and handling failures.
func WithStdioLogger(l *slog.Logger) StdioOption {
	return func(s *Stdio) {
		s.logger = l
	}
}

// WithStdioMaxMessageBytes bounds the length of one line.
func WithStdioMaxMessageBytes(n int) StdioOption {
	return func(s *Stdio) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// NewStdio creates a stdio transport on os.Stdin and os.Stdout.
func NewStdio(opts ...StdioOption) *Stdio {
	s := &Stdio{
		in:       os.Stdin,
		out:      os.Stdout,
		logger:   logging.Discard(),
		maxBytes: DefaultMaxMessageBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns "stdio".
func (s *Stdio) Addr() string {
	return "stdio"
}

// Serve reads lines until EOF or cancellation, both of which return nil.
// Each non-blank line is one message; lines are handled in order.
func (s *Stdio) Serve(ctx context.Context, h Handler) error {
	conn := clients.Connection{ID: StdioConnectionID, Transport: clients.TransportStdio}
	if err := h.ConnectionOpened(ctx, conn); err != nil {
		return fmt.Errorf("open stdio connection: %w", err)
	}
	defer h.ConnectionClosed(context.WithoutCancel(ctx), StdioConnectionID)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.maxBytes)), s.maxBytes)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return fmt.Errorf("read stdin: %w", err)
				default:
					return nil
				}
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := s.handle(ctx, h, conn, line); err != nil {
				s.logger.WarnContext(ctx, "handle message", slog.Any("error", err))
			}
		}
	}
}

// handle passes line to h. The stdio connection lives as long as the
// process, so when the reaper has removed it the connection is reopened
// and the line retried once; the peer then starts over with initialize.
func (s *Stdio) handle(ctx context.Context, h Handler, conn clients.Connection, line []byte) error {
	err := h.HandleMessage(ctx, conn.ID, line)
	if !errors.Is(err, engine.ErrUnknownConnection) {
		return err
	}
	s.logger.InfoContext(ctx, "reopening expired stdio connection")
	if err := h.ConnectionOpened(ctx, conn); err != nil {
		return fmt.Errorf("reopen stdio connection: %w", err)
	}
	return h.HandleMessage(ctx, conn.ID, line)
}

// Send writes data followed by a newline.
func (s *Stdio) Send(_ context.Context, connID string, data []byte) error {
	if connID != StdioConnectionID {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, connID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	_, err := s.out.Write(buf)
	return err
}
