package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MimeLyc/strproc/internal/api"
	"github.com/MimeLyc/strproc/internal/credential"
	"github.com/MimeLyc/strproc/internal/idempotency"
	"github.com/MimeLyc/strproc/internal/jobs"
	"github.com/MimeLyc/strproc/internal/processor"
	"github.com/MimeLyc/strproc/pkg/log"
)

type ownerKey struct{}

// requireOwner identifies the caller by its bearer token. Browsers cannot
// set headers on WebSocket handshakes, so access_token is accepted too.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := credential.BearerToken(r.Header.Get("Authorization"))
		if owner == "" {
			owner = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if owner == "" {
			writeEnvelope(w, http.StatusUnauthorized, api.Envelope{Error: "missing bearer token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleProcessString(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, api.Envelope{Error: "invalid request body"})
		return
	}
	input, err := jobs.ValidateInput(req.Input)
	if err != nil {
		writeEnvelope(w, http.StatusBadRequest, api.Envelope{Error: "input string cannot be empty or white space"})
		return
	}

	key := strings.TrimSpace(r.Header.Get(api.IdempotencyHeader))
	if key != "" && !idempotency.Valid(key) {
		writeEnvelope(w, http.StatusBadRequest, api.Envelope{Error: "invalid idempotency key"})
		return
	}

	owner := ownerFrom(r.Context())
	job, created := s.queue.Enqueue(processor.EnqueueRequest{
		Owner:          owner,
		IdempotencyKey: key,
		Input:          input,
	})
	if created {
		log.Info("Accepted %s (%d runes)", job.ID, len([]rune(input)))
	}
	writeEnvelope(w, http.StatusOK, api.Envelope{IsSuccess: true, Value: job.ID})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req api.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.JobID) == "" {
		writeEnvelope(w, http.StatusBadRequest, api.Envelope{Error: "jobId is required"})
		return
	}

	err := s.queue.Cancel(ownerFrom(r.Context()), req.JobID)
	switch {
	case err == nil:
		writeEnvelope(w, http.StatusOK, api.Envelope{IsSuccess: true})
	case errors.Is(err, processor.ErrJobNotFound):
		writeEnvelope(w, http.StatusNotFound, api.Envelope{Error: err.Error()})
	case errors.Is(err, processor.ErrJobNotActive):
		writeEnvelope(w, http.StatusConflict, api.Envelope{Error: err.Error()})
	default:
		writeEnvelope(w, http.StatusInternalServerError, api.Envelope{Error: err.Error()})
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.List(ownerFrom(r.Context())))
}

func writeEnvelope(w http.ResponseWriter, status int, env api.Envelope) {
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
