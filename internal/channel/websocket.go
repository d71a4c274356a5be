package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"
)

// Frame is the WebSocket wire form of an Event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebSocketTransport reads JSON frames from a ws:// or wss:// endpoint.
type WebSocketTransport struct {
	URL    string
	Origin string
}

func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{URL: url, Origin: "http://localhost/"}
}

func (t *WebSocketTransport) Dial(ctx context.Context, credential string) (Stream, error) {
	origin := t.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(t.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if credential != "" {
		cfg.Header = http.Header{}
		cfg.Header.Set("Authorization", "Bearer "+credential)
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
	once sync.Once
}

func (s *wsStream) Recv() (Event, error) {
	var f Frame
	if err := websocket.JSON.Receive(s.conn, &f); err != nil {
		return Event{}, err
	}
	return Event{Name: f.Event, Data: f.Data}, nil
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// SendFrame writes ev to a server-side connection.
func SendFrame(conn *websocket.Conn, ev Event) error {
	return websocket.JSON.Send(conn, Frame{Event: ev.Name, Data: ev.Data})
}
