package channel

import (
	"context"
	"encoding/json"
	"fmt"
)

// Server-pushed event names.
const (
	EventMessageLength       = "MessageLength"
	EventReceiveNotification = "ReceiveNotification"
	EventProcessingCompleted = "ProcessingCompleted"
	EventProcessingCancelled = "ProcessingCancelled"
)

// Event is one named message read off the notification channel. Data is the
// raw JSON payload; decoding is left to the handler registered for Name.
type Event struct {
	Name string
	Data json.RawMessage
}

// LengthPayload announces how many fragments a job will stream.
type LengthPayload struct {
	JobID string `json:"jobId,omitempty"`
	Total int    `json:"total"`
}

// FragmentPayload carries one piece of the result.
type FragmentPayload struct {
	JobID    string `json:"jobId,omitempty"`
	Fragment string `json:"fragment"`
}

// JobPayload is the body of the terminal events.
type JobPayload struct {
	JobID string `json:"jobId,omitempty"`
}

func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{Name: name, Data: data}, nil
}

// Handler consumes the payload of one event. Handlers run on the manager's
// reader goroutine, one at a time, in arrival order.
type Handler func(data json.RawMessage)

// Transport opens notification sessions. Each Dial is handed the credential
// fetched for that attempt; an empty credential means anonymous.
type Transport interface {
	Dial(ctx context.Context, credential string) (Stream, error)
}

// Stream is one open session. Recv blocks until the next event or until the
// session fails. Close must be safe to call more than once and must unblock
// a pending Recv.
type Stream interface {
	Recv() (Event, error)
	Close() error
}
