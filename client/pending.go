package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/felixgeelhaar/embed-mcp/protocol"
)

// ErrClosed is returned by calls on a transport whose connection is gone.
var ErrClosed = errors.New("client: connection closed")

// Response is a decoded JSON-RPC response.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocol.Error `json:"error,omitempty"`
}

// Notification is a server-initiated message.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NotificationHandler receives server notifications. It runs on the
// transport's read loop and must not block.
type NotificationHandler func(Notification)

// TransportOption configures the transports of this package.
type TransportOption func(*transportOptions)

type transportOptions struct {
	onNotify   NotificationHandler
	maxBytes   int
	httpClient *http.Client
}

// WithNotificationHandler sets the handler for server notifications.
func WithNotificationHandler(fn NotificationHandler) TransportOption {
	return func(o *transportOptions) {
		o.onNotify = fn
	}
}

// WithMaxMessageBytes limits the size of one incoming message.
func WithMaxMessageBytes(n int) TransportOption {
	return func(o *transportOptions) {
		if n > 0 {
			o.maxBytes = n
		}
	}
}

// WithHTTPClient sets the client used by the SSE transport.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(o *transportOptions) {
		o.httpClient = c
	}
}

func newTransportOptions(opts []TransportOption) transportOptions {
	o := transportOptions{maxBytes: 4 << 20, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// pending matches responses to waiting callers by id.
type pending struct {
	onNotify NotificationHandler

	mu      sync.Mutex
	waiting map[string]chan *Response
	err     error
}

func newPending(onNotify NotificationHandler) *pending {
	return &pending{
		onNotify: onNotify,
		waiting:  make(map[string]chan *Response),
	}
}

func (p *pending) add(id json.RawMessage) (chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	key := string(id)
	if _, ok := p.waiting[key]; ok {
		return nil, fmt.Errorf("client: request id %s already in flight", key)
	}
	ch := make(chan *Response, 1)
	p.waiting[key] = ch
	return ch, nil
}

func (p *pending) remove(id json.RawMessage) {
	p.mu.Lock()
	delete(p.waiting, string(id))
	p.mu.Unlock()
}

// wait blocks until the response for ch arrives, ctx ends or the
// connection fails.
func (p *pending) wait(ctx context.Context, id json.RawMessage, ch chan *Response) (*Response, error) {
	defer p.remove(id)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, p.closedErr()
		}
		return resp, nil
	}
}

// dispatch routes one incoming message. Malformed messages and responses
// nobody waits for are dropped.
func (p *pending) dispatch(data []byte) {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *protocol.Error `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if msg.Method != "" {
		if len(msg.ID) == 0 && p.onNotify != nil {
			p.onNotify(Notification{Method: msg.Method, Params: msg.Params})
		}
		return
	}

	p.mu.Lock()
	ch, ok := p.waiting[string(msg.ID)]
	if ok {
		delete(p.waiting, string(msg.ID))
	}
	p.mu.Unlock()

	if ok {
		ch <- &Response{ID: msg.ID, Result: msg.Result, Error: msg.Error}
	}
}

// fail wakes every waiting caller. Later calls to add return err.
func (p *pending) fail(err error) {
	if err == nil || errors.Is(err, ErrClosed) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return
	}
	p.err = err
	for key, ch := range p.waiting {
		close(ch)
		delete(p.waiting, key)
	}
}

func (p *pending) closedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		return ErrClosed
	}
	return p.err
}

// roundTrip registers req, writes it and waits for the matching response.
func (p *pending) roundTrip(ctx context.Context, req *protocol.Request, write func([]byte) error) (*Response, error) {
	if req.IsNotification() {
		return nil, errors.New("client: request without id")
	}

	data, err := protocol.Serialize(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch, err := p.add(req.ID)
	if err != nil {
		return nil, err
	}
	if err := write(data); err != nil {
		p.remove(req.ID)
		return nil, fmt.Errorf("write request: %w", err)
	}
	return p.wait(ctx, req.ID, ch)
}
