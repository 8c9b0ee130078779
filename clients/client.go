package clients

import (
	"sync"
	"time"
)

// State is the lifecycle state of a client connection.
type State int

// Client states. Disconnected is terminal.
const (
	StateConnected State = iota
	StateAuthenticated
	StateActive
	StateInactive
	StateDisconnected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TransportType names the transport a connection arrived on.
type TransportType string

const (
	TransportStdio     TransportType = "stdio"
	TransportHTTP      TransportType = "http"
	TransportWebSocket TransportType = "websocket"
)

// Connection describes an accepted transport connection.
type Connection struct {
	ID         string
	Transport  TransportType
	RemoteAddr string
	RemotePort int
}

// Counters are the cumulative traffic counters of a client.
type Counters struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	BytesSent         uint64
	BytesReceived     uint64
	RequestsHandled   uint64
	NotificationsSent uint64
}

// Info is a point-in-time copy of a client's fields.
type Info struct {
	ID            string
	Connection    Connection
	State         State
	ConnectedAt   time.Time
	LastActivity  time.Time
	LastHeartbeat time.Time
	SessionToken  string
	Counters      Counters
	Refs          int
}

// Client is a reference-counted handle on a live connection.
//
// Every handle obtained from a Registry must be released exactly once.
// The client is destroyed when its last reference is released after it
// has been disconnected.
type Client struct {
	registry    *Registry
	conn        Connection
	connectedAt time.Time

	mu            sync.Mutex
	state         State
	refs          int
	indexed       bool
	destroyed     bool
	lastActivity  time.Time
	lastHeartbeat time.Time
	sessionToken  string
	counters      Counters
	userData      any
}

// ID returns the connection id.
func (c *Client) ID() string { return c.conn.ID }

// Connection returns the transport connection description.
func (c *Client) Connection() Connection { return c.conn }

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionToken returns the bound session token, or "".
func (c *Client) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken
}

// UserData returns the value stored with SetUserData.
func (c *Client) UserData() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

// SetUserData stores an arbitrary host value on the client.
func (c *Client) SetUserData(v any) {
	c.mu.Lock()
	c.userData = v
	c.mu.Unlock()
}

// Info returns a copy of the client's fields.
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *Client) infoLocked() Info {
	return Info{
		ID:            c.conn.ID,
		Connection:    c.conn,
		State:         c.state,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
		LastHeartbeat: c.lastHeartbeat,
		SessionToken:  c.sessionToken,
		Counters:      c.counters,
		Refs:          c.refs,
	}
}

// RecordReceived counts one inbound message of n bytes.
func (c *Client) RecordReceived(n int) {
	c.mu.Lock()
	c.counters.MessagesReceived++
	c.counters.BytesReceived += uint64(n)
	c.mu.Unlock()
}

// RecordSent counts one outbound message of n bytes.
func (c *Client) RecordSent(n int) {
	c.mu.Lock()
	c.counters.MessagesSent++
	c.counters.BytesSent += uint64(n)
	c.mu.Unlock()
}

// RecordRequest counts one handled request.
func (c *Client) RecordRequest() {
	c.mu.Lock()
	c.counters.RequestsHandled++
	c.mu.Unlock()
}

// RecordNotification counts one notification sent to the client.
func (c *Client) RecordNotification() {
	c.mu.Lock()
	c.counters.NotificationsSent++
	c.mu.Unlock()
}

// Release drops one reference. Releasing more references than were
// acquired returns ErrOverRelease.
func (c *Client) Release() error {
	c.mu.Lock()
	if c.refs <= 0 {
		c.mu.Unlock()
		c.registry.logger.Error("client released past zero references", "client", c.conn.ID)
		return ErrOverRelease
	}
	c.refs--
	destroy := c.refs == 0 && c.state == StateDisconnected && !c.destroyed
	if destroy {
		c.destroyed = true
	}
	c.mu.Unlock()

	if destroy {
		c.registry.destroy(c)
	}
	return nil
}

// acquire adds a reference. Callers hold the registry lock, so an indexed
// client always has the registry's own reference outstanding.
func (c *Client) acquire() *Client {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
	return c
}

// setStateLocked moves the client to state to. It reports the previous state and
// whether the state changed. Callers hold c.mu.
func (c *Client) setStateLocked(to State) (State, bool) {
	from := c.state
	if from == to {
		return from, false
	}
	c.state = to
	return from, true
}
