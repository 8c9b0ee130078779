package transport

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ShutdownConfig configures draining of in-flight messages.
type ShutdownConfig struct {
	// Timeout bounds the wait for in-flight messages. Default 30s.
	Timeout time.Duration

	// DrainDelay is waited before new messages are refused, giving load
	// balancers time to stop routing to the server.
	DrainDelay time.Duration

	Clock clockwork.Clock
}

// DefaultShutdownConfig returns a 30s timeout and no drain delay.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{Timeout: 30 * time.Second}
}

// ShutdownManager counts messages being handled and lets shutdown wait
// for them. Once draining, new messages are refused.
type ShutdownManager struct {
	cfg ShutdownConfig

	mu       sync.Mutex
	draining bool
	inFlight int64
	idle     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewShutdownManager creates a manager; zero fields take their defaults.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &ShutdownManager{
		cfg:  cfg,
		idle: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// IsDraining reports whether new messages are refused.
func (sm *ShutdownManager) IsDraining() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.draining
}

// InFlight returns the number of messages being handled.
func (sm *ShutdownManager) InFlight() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.inFlight
}

// Track registers a message. It returns false while draining, in which case
// the message must be refused and Complete must not be called.
func (sm *ShutdownManager) Track() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.draining {
		return false
	}
	sm.inFlight++
	return true
}

// Complete marks a tracked message as handled.
func (sm *ShutdownManager) Complete() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.inFlight--
	if sm.draining && sm.inFlight == 0 {
		sm.closeIdle()
	}
}

func (sm *ShutdownManager) closeIdle() {
	select {
	case <-sm.idle:
	default:
		close(sm.idle)
	}
}

// Shutdown waits the drain delay, starts draining and blocks until no
// message is in flight, the timeout passes or ctx is done.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	defer sm.once.Do(func() { close(sm.done) })

	if sm.cfg.DrainDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sm.cfg.Clock.After(sm.cfg.DrainDelay):
		}
	}

	sm.mu.Lock()
	sm.draining = true
	if sm.inFlight == 0 {
		sm.closeIdle()
	}
	sm.mu.Unlock()

	select {
	case <-sm.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.cfg.Clock.After(sm.cfg.Timeout):
		return context.DeadlineExceeded
	}
}

// Done is closed when Shutdown returns.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}
