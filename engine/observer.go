package engine

import (
	"github.com/felixgeelhaar/embed-mcp/clients"
	"github.com/felixgeelhaar/embed-mcp/session"
)

// sessionObservers fans session events out to every subscriber.
type sessionObservers []session.Observer

func (s sessionObservers) SessionStateChanged(info session.Info, from session.State) {
	for _, o := range s {
		o.SessionStateChanged(info, from)
	}
}

func (s sessionObservers) SessionClosed(info session.Info, reason session.CloseReason) {
	for _, o := range s {
		o.SessionClosed(info, reason)
	}
}

// clientObservers fans client events out to every subscriber.
type clientObservers []clients.Observer

func (c clientObservers) ClientStateChanged(info clients.Info, from clients.State) {
	for _, o := range c {
		o.ClientStateChanged(info, from)
	}
}

func (c clientObservers) ClientDisconnected(info clients.Info) {
	for _, o := range c {
		o.ClientDisconnected(info)
	}
}

func (c clientObservers) ClientTimedOut(info clients.Info) {
	for _, o := range c {
		o.ClientTimedOut(info)
	}
}
