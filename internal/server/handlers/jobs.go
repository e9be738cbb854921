package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

// maxRequestBodySize bounds submit bodies.
const maxRequestBodySize = 1 << 20

// JobService is the execution control surface served over HTTP.
type JobService interface {
	Submit(ctx context.Context, req jobs.Request) (*jobs.Record, error)
	Get(ctx context.Context, id string) (*jobs.Record, error)
	List(ctx context.Context, filter jobs.Filter, limit, offset int) ([]*jobs.Record, error)
	Kill(ctx context.Context, id string) (*jobs.Record, error)
	MaxListLimit() int
}

// SubmitBudget bounds how long a submit may take to answer. Staging runs
// inside the request, so the write deadline is extended past the server
// default by the worst-case staging time of the request's dependencies.
type SubmitBudget struct {
	// Base is the ordinary write timeout.
	Base time.Duration

	// PerFetch bounds one dependency fetch, retries included.
	PerFetch time.Duration

	// Concurrency is the number of fetches staged in parallel.
	Concurrency int
}

// For returns the write budget for a request with deps dependencies. Zero
// means the server default applies.
func (b SubmitBudget) For(deps int) time.Duration {
	if b.Base <= 0 || b.PerFetch <= 0 {
		return 0
	}
	if deps == 0 {
		return b.Base
	}
	c := b.Concurrency
	if c <= 0 {
		c = 1
	}
	rounds := (deps + c - 1) / c
	return b.Base + time.Duration(rounds)*b.PerFetch
}

// StatusResponse is the body of the status and kill endpoints.
type StatusResponse struct {
	ID        string      `json:"id"`
	Status    jobs.Status `json:"status"`
	StatusMsg string      `json:"statusMsg"`
}

func statusOf(rec *jobs.Record) StatusResponse {
	return StatusResponse{ID: rec.ID, Status: rec.Status, StatusMsg: rec.StatusMsg}
}

// JobHandler serves /v1/jobs.
type JobHandler struct {
	svc    JobService
	budget SubmitBudget
}

// NewJobHandler creates a handler for svc.
func NewJobHandler(svc JobService, budget SubmitBudget) *JobHandler {
	return &JobHandler{svc: svc, budget: budget}
}

// Routes mounts the job endpoints on r.
func (h *JobHandler) Routes(r chi.Router) {
	r.Post("/", h.Submit)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/status", h.Status)
	r.Delete("/{id}", h.Kill)
}

// Submit handles POST /v1/jobs.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req jobs.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, &jobs.Error{Op: "Submit", Err: fmt.Errorf("%w: malformed body: %v", jobs.ErrInvalidRequest, err)})
		return
	}
	req.ClientHost = clientHost(r, req.ClientHost)

	if d := h.budget.For(len(req.FileDependencies)); d > 0 {
		// Recorders and some wrappers cannot move deadlines; the server
		// default then stays in force.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d))
	}

	rec, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Get handles GET /v1/jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Status handles GET /v1/jobs/{id}/status.
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(rec))
}

// Kill handles DELETE /v1/jobs/{id}.
func (h *JobHandler) Kill(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Kill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(rec))
}

// List handles GET /v1/jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, limit, offset, err := ParseListQuery(r, h.svc.MaxListLimit())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	recs, err := h.svc.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*jobs.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ParseListQuery reads the list filter and window from the query string.
//
// Each filter accepts a short and a long parameter name. status may repeat or
// hold a comma-separated list. limit defaults to and is clamped by maxLimit
// before page is converted to an offset. offset overrides page.
func ParseListQuery(r *http.Request, maxLimit int) (jobs.Filter, int, int, error) {
	q := r.URL.Query()
	first := func(names ...string) string {
		for _, n := range names {
			if v := strings.TrimSpace(q.Get(n)); v != "" {
				return v
			}
		}
		return ""
	}

	filter := jobs.Filter{
		ID:          first("id", "jobID"),
		Name:        first("name", "jobName"),
		User:        first("user", "userName"),
		ClusterName: first("clusterName"),
		ClusterID:   first("clusterId"),
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := jobs.ParseStatus(part)
			if err != nil {
				return jobs.Filter{}, 0, 0, &jobs.Error{Op: "List", Err: err}
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	if maxLimit <= 0 {
		maxLimit = jobs.DefaultMaxListLimit
	}
	limit, err := intParam(q.Get("limit"), "limit", maxLimit)
	if err != nil {
		return jobs.Filter{}, 0, 0, err
	}
	page, err := intParam(q.Get("page"), "page", 0)
	if err != nil {
		return jobs.Filter{}, 0, 0, err
	}
	limit, offset, err := jobs.PageWindow(limit, page, maxLimit)
	if err != nil {
		return jobs.Filter{}, 0, 0, err
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = intParam(raw, "offset", 0); err != nil {
			return jobs.Filter{}, 0, 0, err
		}
	}
	return filter, limit, offset, nil
}

func intParam(raw, name string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &jobs.Error{Op: "List", Err: fmt.Errorf("%w: %s must be an integer, got %q", jobs.ErrInvalidQuery, name, raw)}
	}
	return v, nil
}

// clientHost resolves the submitting host: the request body wins, then the
// first X-Forwarded-For hop, then the peer address.
func clientHost(r *http.Request, fromBody string) string {
	if h := strings.TrimSpace(fromBody); h != "" {
		return h
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if h := strings.TrimSpace(strings.Split(xff, ",")[0]); h != "" {
			return h
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
