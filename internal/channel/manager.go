package channel

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/strproc/internal/backoff"
	"github.com/MimeLyc/strproc/internal/credential"
	apperrors "github.com/MimeLyc/strproc/internal/errors"
	"github.com/MimeLyc/strproc/pkg/log"
)

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// StateListener observes connection transitions. err is the failure that
// caused the transition, if any.
type StateListener func(state ConnState, err error)

// WaitFunc sleeps for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

type Option func(*Manager)

func WithPolicy(p backoff.Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

func WithWait(wait WaitFunc) Option {
	return func(m *Manager) {
		m.wait = wait
	}
}

// Manager owns the single notification session of a client. It dials with a
// fresh credential on every attempt, reconnects on drops following the
// backoff policy, and routes each event to the handler registered for its
// name.
type Manager struct {
	transport Transport
	creds     credential.Provider
	policy    backoff.Policy
	wait      WaitFunc

	mu         sync.RWMutex
	handlers  map[string]Handler
	listeners []StateListener
	state     ConnState
	attempt   int
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewManager(transport Transport, creds credential.Provider, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		creds:     creds,
		policy:    backoff.Default(),
		wait:      backoff.Sleep,
		handlers:  make(map[string]Handler),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers the handler for a named event, replacing any previous one.
func (m *Manager) OnEvent(name string, h Handler) {
	m.mu.Lock()
	m.handlers[name] = h
	m.mu.Unlock()
}

func (m *Manager) OnStateChange(l StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Manager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Attempt is the current reconnect attempt, zero while connected.
func (m *Manager) Attempt() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempt
}

// Connect opens the session and starts delivering events. It blocks until
// the first session is up. When every initial attempt fails it returns a
// Connection error, which listeners also receive with StateDisconnected.
// After that first success, drops are retried without limit until
// Disconnect. Calling Connect on a running manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	dialCtx, stopDial := context.WithCancel(ctx)
	defer stopDial()
	unlink := context.AfterFunc(runCtx, stopDial)
	defer unlink()

	stream, err := m.dialInitial(dialCtx)
	if err != nil {
		cancel()
		close(done)
		m.mu.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
		m.setState(StateDisconnected, 0, err)
		return err
	}

	go m.run(runCtx, done, stream)
	return nil
}

// Disconnect closes the session and stops reconnecting. It waits for the
// reader goroutine to exit, so no handler runs after it returns. Safe to
// call more than once and on a manager that never connected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	m.setState(StateDisconnected, 0, nil)
}

func (m *Manager) dialInitial(ctx context.Context) (Stream, error) {
	var lastErr error
	for attempt := range m.policy.Len() {
		if attempt > 0 {
			if err := m.wait(ctx, m.policy.Delay(attempt)); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrConnection, "connect aborted")
			}
		}
		m.setState(StateConnecting, attempt, lastErr)
		stream, err := m.dial(ctx, attempt)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		log.Warn("Notification channel connect attempt %d failed: %v", attempt+1, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, apperrors.Wrap(lastErr, apperrors.ErrConnection, "notification channel unavailable").
		WithContext("attempts", m.policy.Len())
}

func (m *Manager) run(ctx context.Context, done chan struct{}, stream Stream) {
	defer close(done)

	for {
		m.setState(StateConnected, 0, nil)
		log.Info("Notification channel connected")

		stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
		err := m.consume(stream)
		stop()
		_ = stream.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn("Notification channel dropped: %v", err)

		stream = m.reconnect(ctx, apperrors.Wrap(err, apperrors.ErrConnection, "notification channel dropped"))
		if stream == nil {
			return
		}
	}
}

func (m *Manager) reconnect(ctx context.Context, cause error) Stream {
	lastErr := cause
	for attempt := 0; ; attempt++ {
		m.setState(StateReconnecting, attempt, lastErr)
		if err := m.wait(ctx, m.policy.Delay(attempt)); err != nil {
			return nil
		}
		stream, err := m.dial(ctx, attempt)
		if err == nil {
			return stream
		}
		if ctx.Err() != nil {
			return nil
		}
		lastErr = err
		log.Warn("Notification channel reconnect attempt %d failed: %v", attempt+1, err)
	}
}

func (m *Manager) dial(ctx context.Context, attempt int) (Stream, error) {
	token, err := m.creds.Credential(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConnection, "credential unavailable").
			WithContext("attempt", attempt)
	}

	stream, err := m.transport.Dial(ctx, token)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConnection, "dial failed").
			WithContext("attempt", attempt)
	}
	return stream, nil
}

func (m *Manager) consume(stream Stream) error {
	for {
		ev, err := stream.Recv()
		if err != nil {
			return err
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev Event) {
	m.mu.RLock()
	h, ok := m.handlers[ev.Name]
	m.mu.RUnlock()
	if !ok {
		log.Debug("No handler for event %q", ev.Name)
		return
	}
	h(ev.Data)
}

func (m *Manager) setState(state ConnState, attempt int, err error) {
	m.mu.Lock()
	m.state = state
	m.attempt = attempt
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(state, err)
	}
}
