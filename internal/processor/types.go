package processor

import (
	"time"

	"github.com/MimeLyc/strproc/internal/channel"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

type EnqueueRequest struct {
	Owner          string
	IdempotencyKey string
	Input          string
}

type Job struct {
	ID             string    `json:"id"`
	Owner          string    `json:"-"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Input          string    `json:"input"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Publisher delivers job events to the owner's notification subscribers.
type Publisher interface {
	Publish(owner string, ev channel.Event)
}

type PublisherFunc func(owner string, ev channel.Event)

func (f PublisherFunc) Publish(owner string, ev channel.Event) {
	f(owner, ev)
}
