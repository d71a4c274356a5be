package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MimeLyc/strproc/internal/processor"
	"github.com/MimeLyc/strproc/pkg/log"
)

// Server is the reference processing backend: the processor endpoints plus
// the notification channel in its SSE and WebSocket flavours.
type Server struct {
	queue *processor.Queue
	hub   *processor.Hub

	notificationsPath string
	heartbeat         time.Duration

	router chi.Router

	// cancelled on Shutdown to end open notification sessions
	streams     context.Context
	stopStreams context.CancelFunc

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

type Option func(*Server)

func WithNotificationsPath(p string) Option {
	return func(s *Server) {
		if p != "" {
			s.notificationsPath = p
		}
	}
}

// WithHeartbeat sets how often idle SSE sessions receive a comment frame.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

func NewServer(queue *processor.Queue, hub *processor.Hub, opts ...Option) *Server {
	s := &Server{
		queue:             queue,
		hub:               hub,
		notificationsPath: "/notifications",
		heartbeat:         15 * time.Second,
	}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	log.Info("Listening on %s", addr)
	return server.ListenAndServe()
}

// Shutdown ends notification sessions and then drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopStreams()

	s.mu.Lock()
	s.shutdown = true
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: requestLog{}, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Route("/api/processor", func(r chi.Router) {
			r.Post("/process-string", s.handleProcessString)
			r.Post("/cancel-job", s.handleCancelJob)
			r.Get("/jobs", s.handleListJobs)
		})

		r.Get(s.notificationsPath, s.handleNotificationStream)
		r.Get(s.notificationsPath+"/ws", s.handleNotificationSocket)
	})

	return r
}

// requestLog routes chi's access log into the debug level.
type requestLog struct{}

func (requestLog) Print(v ...any) {
	log.Debug("%s", fmt.Sprint(v...))
}

