package jobs

import (
	"context"
	"errors"

	"github.com/MimeLyc/strproc/internal/channel"
)

type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Active reports whether a job is in flight.
func (s State) Active() bool {
	return s == StateSubmitting || s == StateProcessing
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Submitter creates a job on the backend. A retried call carrying the same
// idempotency key must resolve to the same job.
type Submitter interface {
	SubmitJob(ctx context.Context, input, idempotencyKey string) (string, error)
}

type Canceller interface {
	CancelJob(ctx context.Context, jobID string) error
}

// EventRouter is the subscription surface of the notification channel.
type EventRouter interface {
	OnEvent(name string, h channel.Handler)
}

// Snapshot is a copy of the tracked job as the UI observes it.
type Snapshot struct {
	State          State  `json:"state"`
	JobID          string `json:"job_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	ExpectedLength int    `json:"expected_length"`
	ReceivedCount  int    `json:"received_count"`
	AssembledText  string `json:"assembled_text"`
	Progress       int    `json:"progress"`
	LastError      error  `json:"-"`
}

// ErrJobActive is the cause of the error returned when a command needs the
// machine to be idle or finished while a job is still in flight.
var ErrJobActive = errors.New("a job is already in progress")
