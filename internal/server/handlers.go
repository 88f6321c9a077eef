package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/notify"
)

const maxBody = 1 << 20

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	Kind         asyncx.Kind     `json:"kind" validate:"required,max=255"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	DelaySeconds int             `json:"delay_seconds,omitempty" validate:"min=0,max=31536000"`
	NotBefore    *time.Time      `json:"not_before,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty" validate:"min=0,max=100"`
}

// NotifyRequest is the body of POST /v1/notify: a free-text message to one chat.
type NotifyRequest struct {
	ChatID int64  `json:"chat_id" validate:"required"`
	Text   string `json:"text" validate:"required,max=4096"`
}

type submitResponse struct {
	ID     string        `json:"id"`
	Status asyncx.Status `json:"status"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return false
	}
	return true
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	var opts []asyncx.SubmitOption
	if req.DelaySeconds > 0 {
		opts = append(opts, asyncx.Delay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.NotBefore != nil {
		opts = append(opts, asyncx.NotBefore(*req.NotBefore))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, asyncx.MaxAttempts(req.MaxAttempts))
	}
	id, err := s.submit.Submit(r.Context(), req.Kind, req.Payload, opts...)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: asyncx.StatusPending})
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	raw, err := json.Marshal(notify.MessagePayload{ChatID: req.ChatID, Text: req.Text})
	if err != nil {
		respondErr(w, err)
		return
	}
	id, err := s.submit.Submit(r.Context(), notify.KindMessage, raw)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: asyncx.StatusPending})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) replayJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.jobs.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, submitResponse{ID: id, Status: asyncx.StatusPending})
}

func (s *Server) purgeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Purge(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	jobs, err := s.jobs.DeadLetters(r.Context(), chi.URLParam(r, "queue"), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if jobs == nil {
		jobs = []*asyncx.Envelope{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}
