package main

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"wasync/internal/models"
)

// StartJob starts a bulk sync and returns it while it runs.
func (s *server) StartJob() http.HandlerFunc {
	type startJobRequest struct {
		Kind models.JobKind `json:"kind"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req startJobRequest
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		if !req.Kind.Valid() {
			s.Respond(w, r, http.StatusBadRequest, errors.New("kind must be one of contacts, messages, full"))
			return
		}
		job, err := s.runner.StartJob(r.Context(), req.Kind)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusAccepted, job)
	}
}

// ListJobs returns the most recent jobs.
func (s *server) ListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.runner.List(r.Context(), queryInt(r, "limit", 50, 200))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, jobs)
	}
}

// GetJob returns one job with its progress.
func (s *server) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := mux.Vars(r)["jobId"]
		if jobID == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New("job ID is required"))
			return
		}
		job, err := s.runner.Get(r.Context(), jobID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, job)
	}
}

// CancelJob stops a job after its current page.
func (s *server) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.runner.Cancel(r.Context(), mux.Vars(r)["jobId"])
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, job)
	}
}
