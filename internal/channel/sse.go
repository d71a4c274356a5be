package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSETransport reads events from a text/event-stream endpoint.
type SSETransport struct {
	URL string
	// Client must not carry an overall Timeout, the stream is long-lived.
	// Nil means http.DefaultClient.
	Client *http.Client
}

func NewSSETransport(url string) *SSETransport {
	return &SSETransport{URL: url}
}

func (t *SSETransport) Dial(ctx context.Context, credential string) (Stream, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	// The stream outlives ctx; ctx only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	stop := context.AfterFunc(ctx, cancel)
	resp, err := client.Do(req)
	if !stop() {
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		return nil, ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &sseStream{
		body:   resp.Body,
		scanner: newSSEScanner(resp.Body),
		cancel: cancel,
	}, nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *sseStream) Recv() (Event, error) {
	return readSSEEvent(s.scanner)
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

const (
	maxSSELine  = 64 << 10
	maxSSEEvent = 1 << 20
)

var errSSEEventTooLarge = errors.New("sse event exceeds size limit")

// newSSEScanner splits r into lines no longer than maxSSELine.
func newSSEScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxSSELine)
	return sc
}

// readSSEEvent reads lines up to the next blank line and returns the event
// they describe. Comment lines (heartbeats) and id/retry fields are skipped.
func readSSEEvent(sc *bufio.Scanner) (Event, error) {
	var (
		name    string
		data    strings.Builder
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()

		if line == "" {
			if name == "" && !hasData {
				continue
			}
			if name == "" {
				name = "message"
			}
			return Event{Name: name, Data: json.RawMessage(data.String())}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if data.Len()+len(value)+1 > maxSSEEvent {
				return Event{}, errSSEEventTooLarge
			}
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	if err := sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.ErrUnexpectedEOF
}

// WriteSSE writes ev as a single server-sent event frame.
func WriteSSE(w io.Writer, ev Event) error {
	data := ev.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
	return err
}
