package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/strproc/internal/backoff"
	"github.com/MimeLyc/strproc/internal/credential"
	apperrors "github.com/MimeLyc/strproc/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	events chan Event
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(events ...Event) *fakeStream {
	s := &fakeStream{
		events: make(chan Event, len(events)+8),
		closed: make(chan struct{}),
	}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

// drop ends the session after the queued events have been read.
func (s *fakeStream) drop() *fakeStream {
	close(s.events)
	return s
}

func (s *fakeStream) Recv() (Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return Event{}, net.ErrClosed
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	stream *fakeStream
	err    error
}

type fakeTransport struct {
	mu      sync.Mutex
	results []dialResult
	tokens  []string
}

func (f *fakeTransport) Dial(_ context.Context, token string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if len(f.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := f.results[0]
	f.results = f.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.stream, nil
}

func (f *fakeTransport) dialedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

type waitRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *waitRecorder) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func rotatingCredentials() credential.Provider {
	var mu sync.Mutex
	n := 0
	return credential.ProviderFunc(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tok-%d", n), nil
	})
}

func fragment(t *testing.T, s string) Event {
	t.Helper()
	ev, err := NewEvent(EventReceiveNotification, FragmentPayload{JobID: "job-1", Fragment: s})
	require.NoError(t, err)
	return ev
}

func completed(t *testing.T) Event {
	t.Helper()
	ev, err := NewEvent(EventProcessingCompleted, JobPayload{JobID: "job-1"})
	require.NoError(t, err)
	return ev
}

func TestManager_ReconnectsWithScheduleAndFreshCredential(t *testing.T) {
	first := newFakeStream(fragment(t, "a"), fragment(t, "b")).drop()
	second := newFakeStream(fragment(t, "c"), completed(t))
	tr := &fakeTransport{results: []dialResult{
		{stream: first},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{stream: second},
	}}
	waits := &waitRecorder{}
	m := NewManager(tr, rotatingCredentials(), WithWait(waits.wait))

	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	m.OnEvent(EventReceiveNotification, func(data json.RawMessage) {
		var p FragmentPayload
		assert.NoError(t, json.Unmarshal(data, &p))
		mu.Lock()
		got = append(got, p.Fragment)
		mu.Unlock()
	})
	m.OnEvent(EventProcessingCompleted, func(json.RawMessage) { close(done) })

	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion event not delivered")
	}

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 5 * time.Second}, waits.recorded())
	assert.Equal(t, []string{"tok-1", "tok-2", "tok-3", "tok-4"}, tr.dialedTokens())
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 0, m.Attempt())
	assert.True(t, first.isClosed())
}

func TestManager_ReportsStateTransitions(t *testing.T) {
	tr := &fakeTransport{results: []dialResult{
		{stream: newFakeStream().drop()},
		{stream: newFakeStream()},
	}}
	m := NewManager(tr, credential.Static("tok"), WithWait((&waitRecorder{}).wait))

	var (
		mu     sync.Mutex
		states []ConnState
		errs   []error
	)
	m.OnStateChange(func(s ConnState, err error) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
		errs = append(errs, err)
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 4
	}, time.Second, 5*time.Millisecond)
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnState{
		StateConnecting,
		StateConnected,
		StateReconnecting,
		StateConnected,
		StateDisconnected,
	}, states)
	assert.True(t, apperrors.IsErrorType(errs[2], apperrors.ErrConnection))
	assert.NoError(t, errs[4])
}

func TestManager_InitialConnectExhaustsSchedule(t *testing.T) {
	tr := &fakeTransport{}
	waits := &waitRecorder{}
	policy, err := backoff.New(0, 10*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	m := NewManager(tr, rotatingCredentials(), WithPolicy(policy), WithWait(waits.wait))

	var lastState ConnState
	var lastErr error
	m.OnStateChange(func(s ConnState, err error) {
		lastState, lastErr = s, err
	})

	err = m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrConnection))
	assert.Equal(t, StateDisconnected, lastState)
	assert.Equal(t, err, lastErr)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, waits.recorded())
	assert.Equal(t, []string{"tok-1", "tok-2", "tok-3"}, tr.dialedTokens())

	// a failed manager can be connected again
	tr.results = []dialResult{{stream: newFakeStream()}}
	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()
}

func TestManager_CredentialErrorCountsAsFailedAttempt(t *testing.T) {
	tr := &fakeTransport{results: []dialResult{{stream: newFakeStream()}}}
	calls := 0
	creds := credential.ProviderFunc(func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("token expired")
		}
		return "fresh", nil
	})
	m := NewManager(tr, creds, WithWait((&waitRecorder{}).wait))

	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()
	assert.Equal(t, []string{"fresh"}, tr.dialedTokens())
}

func TestManager_DisconnectStopsDeliveryAndIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	tr := &fakeTransport{results: []dialResult{{stream: stream}}}
	m := NewManager(tr, credential.Static(""), WithWait((&waitRecorder{}).wait))

	delivered := make(chan string, 4)
	m.OnEvent(EventReceiveNotification, func(data json.RawMessage) {
		var p FragmentPayload
		_ = json.Unmarshal(data, &p)
		delivered <- p.Fragment
	})

	m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	stream.events <- fragment(t, "x")
	assert.Equal(t, "x", <-delivered)

	m.Disconnect()
	m.Disconnect()
	assert.True(t, stream.isClosed())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, []string{""}, tr.dialedTokens())
}

func TestManager_UnknownEventsAreSkipped(t *testing.T) {
	unknown := Event{Name: "Heartbeat", Data: json.RawMessage(`{}`)}
	stream := newFakeStream(unknown, fragment(t, "y"))
	tr := &fakeTransport{results: []dialResult{{stream: stream}}}
	m := NewManager(tr, credential.Static("tok"))

	delivered := make(chan string, 1)
	m.OnEvent(EventReceiveNotification, func(data json.RawMessage) {
		var p FragmentPayload
		_ = json.Unmarshal(data, &p)
		delivered <- p.Fragment
	})
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	select {
	case got := <-delivered:
		assert.Equal(t, "y", got)
	case <-time.After(time.Second):
		t.Fatal("fragment not delivered")
	}
}

func TestManager_ConnectHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewManager(&fakeTransport{}, credential.Static("tok"))
	err := m.Connect(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrConnection))
	assert.Equal(t, StateDisconnected, m.State())
}
