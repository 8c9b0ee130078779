package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/config"
	"github.com/felixgeelhaar/embed-mcp/engine"
	"github.com/felixgeelhaar/embed-mcp/protocol"
)

func outputLines(t *testing.T, out *bytes.Buffer) []reply {
	t.Helper()
	var replies []reply
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		replies = append(replies, decodeReply(t, scanner.Bytes()))
	}
	return replies
}

func TestStdio_Serve(t *testing.T) {
	t.Run("answers every request in order", func(t *testing.T) {
		in := strings.NewReader(strings.Join([]string{
			initializeMsg,
			initializedMsg,
			"",
			echoMsg,
			`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
		}, "\n") + "\n")
		out := &bytes.Buffer{}

		s := NewStdio(WithStdin(in), WithStdout(out))
		e := newEngine(t, s, nil)

		if err := s.Serve(context.Background(), e); err != nil {
			t.Fatalf("Serve() error = %v", err)
		}

		replies := outputLines(t, out)
		if len(replies) != 3 {
			t.Fatalf("got %d replies, want 3: %+v", len(replies), replies)
		}
		for i, want := range []string{"1", "2", "3"} {
			if string(replies[i].ID) != want {
				t.Errorf("reply %d id = %s, want %s", i, replies[i].ID, want)
			}
			if replies[i].Error != nil {
				t.Errorf("reply %d error = %v", i, replies[i].Error)
			}
		}
		if !strings.Contains(string(replies[1].Result), "hello") {
			t.Errorf("echo result = %s", replies[1].Result)
		}
		if n := e.Clients().Len(); n != 0 {
			t.Errorf("clients after EOF = %d, want 0", n)
		}
	})

	t.Run("reports malformed lines with a parse error", func(t *testing.T) {
		out := &bytes.Buffer{}
		s := NewStdio(WithStdin(strings.NewReader("{not json\n")), WithStdout(out))
		e := newEngine(t, s, nil)

		if err := s.Serve(context.Background(), e); err != nil {
			t.Fatalf("Serve() error = %v", err)
		}

		replies := outputLines(t, out)
		if len(replies) != 1 {
			t.Fatalf("got %d replies, want 1", len(replies))
		}
		if replies[0].Error == nil || replies[0].Error.Code != protocol.CodeParseError {
			t.Errorf("reply = %+v, want parse error", replies[0])
		}
		if string(replies[0].ID) != "null" {
			t.Errorf("id = %s, want null", replies[0].ID)
		}
	})

	t.Run("returns nil when cancelled", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()

		h := &fakeHandler{}
		s := NewStdio(WithStdin(r), WithStdout(io.Discard))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx, h) }()

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error = %v, want nil", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after cancel")
		}
	})

	t.Run("fails when the connection is refused", func(t *testing.T) {
		h := &fakeHandler{openErr: clients.ErrResourceExhausted}
		s := NewStdio(WithStdin(strings.NewReader(initializeMsg+"\n")), WithStdout(io.Discard))

		err := s.Serve(context.Background(), h)
		if !errors.Is(err, clients.ErrResourceExhausted) {
			t.Errorf("Serve() error = %v, want ErrResourceExhausted", err)
		}
		if len(h.messages) != 0 {
			t.Errorf("handled %d messages, want 0", len(h.messages))
		}
	})

	t.Run("reports lines over the size limit", func(t *testing.T) {
		h := &fakeHandler{}
		s := NewStdio(
			WithStdin(strings.NewReader(strings.Repeat("x", 256)+"\n")),
			WithStdout(io.Discard),
			WithStdioMaxMessageBytes(64),
		)

		if err := s.Serve(context.Background(), h); !errors.Is(err, bufio.ErrTooLong) {
			t.Errorf("Serve() error = %v, want bufio.ErrTooLong", err)
		}
		if len(h.closed) != 1 || h.closed[0] != StdioConnectionID {
			t.Errorf("closed = %v, want [%s]", h.closed, StdioConnectionID)
		}
	})
}

func TestStdio_ReopensAfterReap(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer outR.Close()

	clock := clockwork.NewFakeClock()
	var cfg config.Config
	s := NewStdio(WithStdin(inR), WithStdout(outW))
	e := newEngine(t, s, func(c *config.Config) { cfg = *c }, engine.WithClock(clock))

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), e) }()

	replies := bufio.NewScanner(outR)
	exchange := func(msg string) reply {
		t.Helper()
		if _, err := io.WriteString(inW, msg+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		if !replies.Scan() {
			t.Fatalf("no reply to %s: %v", msg, replies.Err())
		}
		return decodeReply(t, replies.Bytes())
	}

	if r := exchange(initializeMsg); r.Error != nil {
		t.Fatalf("initialize error = %v", r.Error)
	}

	clock.Advance(cfg.ClientTimeout + time.Second)
	if n := e.Clients().CleanupInactive(cfg.ClientTimeout); n != 1 {
		t.Fatalf("CleanupInactive() = %d, want 1", n)
	}

	r := exchange(strings.Replace(initializeMsg, `"id":1`, `"id":2`, 1))
	if string(r.ID) != "2" || r.Error != nil || len(r.Result) == 0 {
		t.Fatalf("initialize after reap = %+v", r)
	}
	if n := e.Clients().Len(); n != 1 {
		t.Errorf("clients = %d, want 1", n)
	}

	inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestStdio_Send(t *testing.T) {
	out := &bytes.Buffer{}
	s := NewStdio(WithStdout(out))

	if err := s.Send(context.Background(), StdioConnectionID, []byte(`{"jsonrpc":"2.0","method":"ping"}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := out.String(); got != "{\"jsonrpc\":\"2.0\",\"method\":\"ping\"}\n" {
		t.Errorf("output = %q", got)
	}

	if err := s.Send(context.Background(), "other", []byte(`{}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send(other) error = %v, want ErrConnectionClosed", err)
	}
}

func TestStdio_Addr(t *testing.T) {
	if got := NewStdio().Addr(); got != "stdio" {
		t.Errorf("Addr() = %q, want stdio", got)
	}
}
