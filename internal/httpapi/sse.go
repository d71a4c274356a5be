package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/MimeLyc/strproc/internal/channel"
	"github.com/MimeLyc/strproc/pkg/log"
)

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming not supported"})
		return
	}

	owner := ownerFrom(r.Context())
	events, unsubscribe := s.hub.Subscribe(owner)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()
	log.Debug("SSE session opened for %s, %d open for this owner", r.RemoteAddr, s.hub.Subscribers(owner))

	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := channel.WriteSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	// subscribe before the upgrade so nothing published after the handshake
	// is missed
	owner := ownerFrom(r.Context())
	events, unsubscribe := s.hub.Subscribe(owner)
	defer unsubscribe()

	ws := websocket.Server{
		// any origin: the bearer token identifies the session
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			log.Debug("WebSocket session opened for %s, %d open for this owner", r.RemoteAddr, s.hub.Subscribers(owner))
			s.serveSocket(conn, events)
		},
	}
	ws.ServeHTTP(w, r)
}

func (s *Server) serveSocket(conn *websocket.Conn, events <-chan channel.Event) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()

	// the client never sends frames; a failed read means it went away
	go func() {
		defer cancel()
		var discard channel.Frame
		for {
			if err := websocket.JSON.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	log.Debug("WebSocket session opened for %s", conn.Request().RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.streams.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := channel.SendFrame(conn, ev); err != nil {
				return
			}
		}
	}
}
