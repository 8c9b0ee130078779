package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tmaxmax/go-sse"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// SSETransport talks to the HTTP transport: it holds the event stream open
// and posts every message to the endpoint announced on it.
type SSETransport struct {
	client   *http.Client
	endpoint string
	pending  *pending
	cancel   context.CancelFunc
	done     chan struct{}
}

// DialSSE opens the event stream below baseURL, for example
// http://localhost:8080/mcp, and waits for the endpoint event.
func DialSSE(ctx context.Context, baseURL string, opts ...TransportOption) (*SSETransport, error) {
	o := newTransportOptions(opts)

	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, base.String()+"/sse", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: %s", resp.Status)
	}

	t := &SSETransport{
		client:  o.httpClient,
		pending: newPending(o.onNotify),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	endpoint := make(chan string, 1)
	go t.readLoop(resp.Body, endpoint)

	select {
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	case ep, ok := <-endpoint:
		if !ok {
			t.Close()
			return nil, errors.New("open stream: closed before endpoint event")
		}
		ref, err := url.Parse(ep)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		t.endpoint = base.ResolveReference(ref).String()
	}
	return t, nil
}

func (t *SSETransport) readLoop(body io.ReadCloser, endpoint chan<- string) {
	defer close(t.done)
	defer body.Close()

	announced := false
	defer func() {
		if !announced {
			close(endpoint)
		}
	}()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			t.pending.fail(err)
			return
		}
		switch ev.Type {
		case "endpoint":
			if !announced {
				endpoint <- ev.Data
				announced = true
			}
		case "message", "":
			t.pending.dispatch([]byte(ev.Data))
		}
	}
	t.pending.fail(ErrClosed)
}

// Endpoint returns the absolute URL messages are posted to.
func (t *SSETransport) Endpoint() string {
	return t.endpoint
}

// Send posts req and waits for its response on the stream.
func (t *SSETransport) Send(ctx context.Context, req *protocol.Request) (*Response, error) {
	return t.pending.roundTrip(ctx, req, func(data []byte) error {
		return t.post(ctx, data)
	})
}

// Notify posts a notification.
func (t *SSETransport) Notify(ctx context.Context, n *protocol.Request) error {
	data, err := protocol.Serialize(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return t.post(ctx, data)
}

func (t *SSETransport) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrClosed, resp.Status)
	default:
		return fmt.Errorf("post message: %s", resp.Status)
	}
}

// Done is closed when the event stream ends.
func (t *SSETransport) Done() <-chan struct{} {
	return t.done
}

// Close drops the event stream.
func (t *SSETransport) Close() error {
	t.cancel()
	<-t.done
	return nil
}
