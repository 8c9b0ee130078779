package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// StreamTransport speaks newline-delimited JSON over a reader and a
// writer, the framing of the stdio transport.
type StreamTransport struct {
	r io.Reader
	w io.Writer

	pending *pending
	done    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewStreamTransport starts reading responses from r. Requests are written
// to w. Close closes w and r when they implement io.Closer.
func NewStreamTransport(r io.Reader, w io.Writer, opts ...TransportOption) *StreamTransport {
	o := newTransportOptions(opts)
	t := &StreamTransport{
		r:       r,
		w:       w,
		pending: newPending(o.onNotify),
		done:    make(chan struct{}),
	}
	go t.readLoop(o.maxBytes)
	return t
}

func (t *StreamTransport) readLoop(maxBytes int) {
	defer close(t.done)

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxBytes)), maxBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.pending.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.pending.fail(fmt.Errorf("read: %w", err))
		return
	}
	t.pending.fail(ErrClosed)
}

// Send writes req and waits for its response.
func (t *StreamTransport) Send(ctx context.Context, req *protocol.Request) (*Response, error) {
	return t.pending.roundTrip(ctx, req, t.writeLine)
}

// Notify writes a notification.
func (t *StreamTransport) Notify(_ context.Context, n *protocol.Request) error {
	data, err := protocol.Serialize(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return t.writeLine(data)
}

func (t *StreamTransport) writeLine(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	_, err := t.w.Write(append(data, '\n'))
	return err
}

// Done is closed when the read side ends.
func (t *StreamTransport) Done() <-chan struct{} {
	return t.done
}

// Close closes both sides and waits for the read loop.
func (t *StreamTransport) Close() error {
	err := t.closeWrite()
	if c, ok := t.r.(io.Closer); ok {
		_ = c.Close()
	}
	<-t.done
	return err
}

// closeWrite signals end of input to the peer.
func (t *StreamTransport) closeWrite() error {
	var err error
	t.closeOnce.Do(func() {
		if c, ok := t.w.(io.Closer); ok {
			t.writeMu.Lock()
			err = c.Close()
			t.writeMu.Unlock()
		}
	})
	return err
}
