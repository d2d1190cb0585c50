package controlserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/jobrunner/internal/consumers"
	"github.com/buildkite/jobrunner/internal/failure"
	"github.com/buildkite/jobrunner/internal/jobapi"
	"github.com/buildkite/jobrunner/internal/lifecycle"
	"github.com/gorilla/mux"
)

const maxSubmitBodyBytes = 1 << 20

type consumerContextKey struct{}

func consumerFrom(ctx context.Context) consumers.Consumer {
	c, _ := ctx.Value(consumerContextKey{}).(consumers.Consumer)
	return c
}

func (s *Server) registerConsumerRoutes(r *mux.Router) {
	r.Use(s.requestLogging, s.authenticateConsumer)
	r.HandleFunc("/jobs", s.submitJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", s.cancelJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/logs", s.jobLogs).Methods(http.MethodGet)
	r.HandleFunc("/usage", s.usage).Methods(http.MethodGet)
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("consumer request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// authenticateConsumer resolves the caller's key to a consumer record.
func (s *Server) authenticateConsumer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(jobapi.ConsumerKeyHeader))
		if key == "" {
			key = bearerToken(r.Header.Get("Authorization"))
		}
		if s.consumers == nil {
			s.writeError(w, failure.Auth("no consumers configured"))
			return
		}
		c, err := s.consumers.Lookup(r.Context(), key)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), consumerContextKey{}, c)))
	})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	c := consumerFrom(r.Context())

	var spec jobapi.JobSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		s.writeError(w, failure.Validation("invalid job spec: %v", err))
		return
	}

	job, err := s.manager.Submit(r.Context(), c, spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.manager.List(r.Context(), consumerFrom(r.Context()).ID, lifecycle.ListOptions{
		Limit:  limit,
		State:  jobapi.JobState(strings.TrimSpace(q.Get("state"))),
		Before: q.Get("before"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Get(r.Context(), consumerFrom(r.Context()).ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Cancel(r.Context(), consumerFrom(r.Context()).ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	consumerID := consumerFrom(r.Context()).ID
	jobID := mux.Vars(r)["id"]
	q := r.URL.Query()

	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if offset < 0 {
		s.writeError(w, failure.Validation("offset must not be negative"))
		return
	}

	if follow, _ := strconv.ParseBool(q.Get("follow")); follow {
		s.followLogs(w, r, consumerID, jobID, int64(offset))
		return
	}

	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := s.manager.ReadLogs(r.Context(), consumerID, jobID, int64(offset), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// followLogs streams chunks as newline-delimited JSON until the job is
// terminal or the client goes away.
func (s *Server) followLogs(w http.ResponseWriter, r *http.Request, consumerID, jobID string, offset int64) {
	chunks, err := s.manager.FollowLogs(r.Context(), consumerID, jobID, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	for chunk, err := range chunks {
		if err != nil {
			if r.Context().Err() == nil {
				s.logger.Warn("log follow ended with error", "job_id", jobID, "error", err)
			}
			return
		}
		if err := enc.Encode(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	c := consumerFrom(r.Context())
	u, err := s.manager.Usage(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobapi.UsageResponse{
		ConsumerID:     c.ID,
		ActiveCount:    u.ActiveCount,
		SubmittedToday: u.SubmittedToday,
		DayBucket:      u.DayBucket,
		MaxConcurrent:  c.MaxConcurrent,
		MaxPerDay:      c.MaxPerDay,
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	resp := jobapi.ErrorResponse{Error: failure.Public(err), Kind: string(kind)}

	status := http.StatusInternalServerError
	switch kind {
	case failure.KindAuth:
		status = http.StatusUnauthorized
		if errors.Is(err, consumers.ErrDisabled) {
			status = http.StatusForbidden
		}
	case failure.KindQuotaExceeded:
		status = http.StatusTooManyRequests
		resp.Limit = string(failure.LimitOf(err))
	case failure.KindValidation:
		status = http.StatusBadRequest
	case failure.KindNotFound:
		status = http.StatusNotFound
	case failure.KindConflict:
		status = http.StatusConflict
	default:
		resp.Kind = string(failure.KindInternal)
		s.logger.Error("consumer request failed", "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, failure.Validation("%s must be an integer", name)
	}
	return v, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
