package session

// CloseReason says why a session left the store.
type CloseReason string

const (
	ReasonClosed           CloseReason = "closed"
	ReasonConnectionClosed CloseReason = "connection_closed"
	ReasonExpired          CloseReason = "expired"
	ReasonReplaced         CloseReason = "replaced"
	ReasonShutdown         CloseReason = "shutdown"
)

// Observer receives session lifecycle events. Methods are called after the
// store has released its locks and may call back into the store.
type Observer interface {
	SessionStateChanged(info Info, from State)
	SessionClosed(info Info, reason CloseReason)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStateChanged func(info Info, from State)
	OnClosed       func(info Info, reason CloseReason)
}

// SessionStateChanged implements Observer.
func (f ObserverFuncs) SessionStateChanged(info Info, from State) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(info, from)
	}
}

// SessionClosed implements Observer.
func (f ObserverFuncs) SessionClosed(info Info, reason CloseReason) {
	if f.OnClosed != nil {
		f.OnClosed(info, reason)
	}
}

type nopObserver struct{}

func (nopObserver) SessionStateChanged(Info, State) {}
func (nopObserver) SessionClosed(Info, CloseReason) {}
