package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/MimeLyc/strproc/internal/channel"
	apperrors "github.com/MimeLyc/strproc/internal/errors"
	"github.com/MimeLyc/strproc/internal/idempotency"
	"github.com/MimeLyc/strproc/internal/stream"
	"github.com/MimeLyc/strproc/pkg/log"
)

type Option func(*Machine)

func WithKeyGenerator(g idempotency.Generator) Option {
	return func(m *Machine) {
		m.keys = g
	}
}

// Machine tracks the lifecycle of the session's single job. Commands
// (Submit, Cancel, Reset) may come from any goroutine; channel events are
// expected one at a time from the notification reader.
//
// Terminal events are authoritative: whichever of ProcessingCompleted and
// ProcessingCancelled arrives first ends the job, and a cancellation request
// that fails after that point is only logged.
type Machine struct {
	submitter Submitter
	canceller Canceller
	keys      idempotency.Generator

	mu        sync.Mutex
	state     State
	jobID     string
	key       string
	assembler stream.Assembler
	lastErr   error
	// events seen while the job id was still unknown
	pending        []channel.Event
	protocolErrors int
	observers      []func(Snapshot)
	outbox         []Snapshot

	// held by whichever goroutine is delivering the outbox
	notifyMu sync.Mutex
}

func NewMachine(submitter Submitter, canceller Canceller, opts ...Option) *Machine {
	m := &Machine{
		submitter: submitter,
		canceller: canceller,
		keys:      idempotency.UUIDGenerator{},
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.key = m.keys.Next()
	return m
}

// Bind registers the machine's handlers for the four job events.
func (m *Machine) Bind(r EventRouter) {
	for _, name := range []string{
		channel.EventMessageLength,
		channel.EventReceiveNotification,
		channel.EventProcessingCompleted,
		channel.EventProcessingCancelled,
	} {
		r.OnEvent(name, func(data json.RawMessage) {
			m.HandleEvent(channel.Event{Name: name, Data: data})
		})
	}
}

// Subscribe registers fn to receive a snapshot after every change, in the
// order the changes happened. Callbacks never run concurrently with each
// other.
func (m *Machine) Subscribe(fn func(Snapshot)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// ProtocolErrors counts events that were dropped because they did not
// belong to the tracked job.
func (m *Machine) ProtocolErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.protocolErrors
}

// Submit starts a job for input. A finished machine is reset first. It
// returns once the backend has accepted or rejected the job; the result then
// streams in through HandleEvent.
func (m *Machine) Submit(ctx context.Context, input string) error {
	normalized, err := ValidateInput(input)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state.Active() {
		err := jobActiveError("submit", m.state, m.jobID)
		m.mu.Unlock()
		return err
	}
	if m.state.Terminal() {
		m.resetLocked()
	}
	m.state = StateSubmitting
	m.jobID = ""
	m.lastErr = nil
	m.pending = nil
	m.assembler.Clear()
	key := m.key
	m.commitLocked()

	jobID, err := m.submitter.SubmitJob(ctx, normalized, key)

	m.mu.Lock()
	if err == nil && jobID == "" {
		err = apperrors.New(apperrors.ErrSubmission, "backend returned no job id")
	}
	if err != nil {
		subErr := asSubmissionError(err, key)
		m.state = StateFailed
		m.lastErr = subErr
		m.pending = nil
		m.commitLocked()
		log.Warn("Job submission failed: %v", subErr)
		return subErr
	}

	m.jobID = jobID
	m.state = StateProcessing
	pending := m.pending
	m.pending = nil
	for _, ev := range pending {
		if m.state != StateProcessing {
			m.protocolErrorLocked(ev, "job already finished")
			continue
		}
		m.applyLocked(ev)
	}
	m.commitLocked()
	log.Info("Job %s accepted", jobID)
	return nil
}

// Cancel asks the backend to stop the current job. It is a no-op unless a
// job is Processing. Local state only changes when the matching channel
// event arrives.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateProcessing {
		state := m.state
		m.mu.Unlock()
		log.Debug("Cancel ignored in state %s", state)
		return nil
	}
	jobID := m.jobID
	if apperrors.IsErrorType(m.lastErr, apperrors.ErrCancellation) {
		m.lastErr = nil
		m.commitLocked()
	} else {
		m.mu.Unlock()
	}

	err := m.canceller.CancelJob(ctx, jobID)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if m.state == StateProcessing && m.jobID == jobID {
		cancelErr := apperrors.Wrap(err, apperrors.ErrCancellation, "cancellation request failed").
			WithContext("job_id", jobID)
		m.lastErr = cancelErr
		m.commitLocked()
		log.Error("Cancel job %s: %v", jobID, err)
		return cancelErr
	}
	state := m.state
	m.mu.Unlock()
	log.Warn("Ignoring failed cancellation of job %s, already %s: %v", jobID, state, err)
	return nil
}

// Reset returns a finished machine to Idle with a fresh idempotency key.
func (m *Machine) Reset() error {
	m.mu.Lock()
	switch {
	case m.state.Active():
		err := jobActiveError("reset", m.state, m.jobID)
		m.mu.Unlock()
		return err
	case m.state == StateIdle:
		m.mu.Unlock()
		return nil
	}
	m.resetLocked()
	m.commitLocked()
	return nil
}

// HandleEvent applies one channel event.
func (m *Machine) HandleEvent(ev channel.Event) {
	m.mu.Lock()
	switch m.state {
	case StateSubmitting:
		m.pending = append(m.pending, ev)
		m.mu.Unlock()
	case StateProcessing:
		if m.applyLocked(ev) {
			m.commitLocked()
			return
		}
		m.mu.Unlock()
	default:
		m.protocolErrorLocked(ev, "no job in progress")
		m.mu.Unlock()
	}
}

type eventPayload struct {
	JobID    string `json:"jobId"`
	Total    int    `json:"total"`
	Fragment string `json:"fragment"`
}

// applyLocked reports whether the event changed the job.
func (m *Machine) applyLocked(ev channel.Event) bool {
	var p eventPayload
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			m.protocolErrorLocked(ev, "malformed payload")
			return false
		}
	}
	if p.JobID != "" && p.JobID != m.jobID {
		m.protocolErrorLocked(ev, "event for job "+p.JobID)
		return false
	}

	switch ev.Name {
	case channel.EventMessageLength:
		m.assembler.ApplyLength(p.Total)
	case channel.EventReceiveNotification:
		m.assembler.ApplyFragment(p.Fragment)
	case channel.EventProcessingCompleted:
		m.assembler.Complete()
		m.state = StateCompleted
		m.clearCancellationErrorLocked()
		log.Info("Job %s completed", m.jobID)
	case channel.EventProcessingCancelled:
		m.assembler.Clear()
		m.state = StateCancelled
		m.clearCancellationErrorLocked()
		log.Info("Job %s cancelled", m.jobID)
	default:
		m.protocolErrorLocked(ev, "unknown event")
		return false
	}
	return true
}

func (m *Machine) clearCancellationErrorLocked() {
	if apperrors.IsErrorType(m.lastErr, apperrors.ErrCancellation) {
		m.lastErr = nil
	}
}

func (m *Machine) protocolErrorLocked(ev channel.Event, reason string) {
	m.protocolErrors++
	err := apperrors.New(apperrors.ErrProtocol, reason).
		WithContext("event", ev.Name).
		WithContext("state", m.state)
	log.Debug("Dropping event: %v", err)
}

func (m *Machine) resetLocked() {
	m.state = StateIdle
	m.jobID = ""
	m.lastErr = nil
	m.pending = nil
	m.assembler.Clear()
	m.key = m.keys.Next()
}

func (m *Machine) snapshotLocked() Snapshot {
	return Snapshot{
		State:          m.state,
		JobID:          m.jobID,
		IdempotencyKey: m.key,
		ExpectedLength: m.assembler.Expected(),
		ReceivedCount:  m.assembler.Received(),
		AssembledText:  m.assembler.Text(),
		Progress:       m.assembler.Progress(),
		LastError:      m.lastErr,
	}
}

// commitLocked queues the current snapshot, releases mu and delivers the
// queue to observers.
func (m *Machine) commitLocked() {
	if len(m.observers) > 0 {
		m.outbox = append(m.outbox, m.snapshotLocked())
	}
	m.mu.Unlock()
	m.drain()
}

// drain delivers queued snapshots. Only one goroutine drains at a time; a
// goroutine that loses the race leaves its snapshot to the current drainer.
func (m *Machine) drain() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		m.mu.Lock()
		batch, observers := m.outbox, m.observers
		m.outbox = nil
		m.mu.Unlock()

		for _, snap := range batch {
			for _, fn := range observers {
				fn(snap)
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		more := len(m.outbox) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

func asSubmissionError(err error, key string) *apperrors.Error {
	msg := "job submission failed"
	var typed *apperrors.Error
	if errors.As(err, &typed) && typed.Type == apperrors.ErrSubmission {
		msg = typed.Message
	}
	return apperrors.Wrap(err, apperrors.ErrSubmission, msg).WithContext("idempotency_key", key)
}

// ValidateInput rejects empty or whitespace-only input and returns it in
// NFC form.
func ValidateInput(input string) (string, error) {
	normalized := norm.NFC.String(input)
	if strings.TrimSpace(normalized) == "" {
		return "", apperrors.New(apperrors.ErrValidation, "input string cannot be empty or white space")
	}
	return normalized, nil
}

func jobActiveError(op string, state State, jobID string) error {
	return apperrors.Wrap(ErrJobActive, apperrors.ErrSubmission, "cannot "+op+" while a job is in progress").
		WithContext("state", state).
		WithContext("job_id", jobID)
}
