package clients

// Observer receives client lifecycle events. Methods are called without
// registry locks held.
type Observer interface {
	// ClientStateChanged is called after every state transition.
	ClientStateChanged(info Info, from State)
	// ClientDisconnected is called once when a client is disconnected.
	ClientDisconnected(info Info)
	// ClientTimedOut is called once per client evicted by CleanupInactive,
	// before it is disconnected.
	ClientTimedOut(info Info)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStateChanged func(info Info, from State)
	OnDisconnected func(info Info)
	OnTimedOut     func(info Info)
}

// ClientStateChanged implements Observer.
func (f ObserverFuncs) ClientStateChanged(info Info, from State) {
	if f.OnStateChanged != nil {
		f.OnStateChanged(info, from)
	}
}

// ClientDisconnected implements Observer.
func (f ObserverFuncs) ClientDisconnected(info Info) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(info)
	}
}

// ClientTimedOut implements Observer.
func (f ObserverFuncs) ClientTimedOut(info Info) {
	if f.OnTimedOut != nil {
		f.OnTimedOut(info)
	}
}

type nopObserver struct{}

func (nopObserver) ClientStateChanged(Info, State) {}
func (nopObserver) ClientDisconnected(Info)        {}
func (nopObserver) ClientTimedOut(Info)            {}
