package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/jobnimbus/internal/errors"
	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/jobstore"
	"github.com/3leaps/jobnimbus/pkg/transfer"
	"github.com/3leaps/jobnimbus/pkg/transfer/local"
)

func newJobRouter(t *testing.T) http.Handler {
	t.Helper()

	backend, err := local.New(local.Config{}, nil)
	require.NoError(t, err)
	reg, err := transfer.NewRegistry(backend)
	require.NoError(t, err)
	resolver := transfer.NewResolver(reg, transfer.ResolverConfig{Timeout: 5 * time.Second}, nil)

	svc, err := jobs.NewService(jobstore.NewMemory(), resolver, jobs.Config{SandboxRoot: t.TempDir()})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/v1/jobs", NewJobHandler(svc, SubmitBudget{}).Routes)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.7:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

func submitBody(id string, deps ...string) map[string]any {
	return map[string]any{
		"id":               id,
		"name":             "etl-" + id,
		"user":             "bob",
		"command":          "/bin/true",
		"clusterCriteria":  []map[string]any{{"tags": []string{"batch"}}},
		"fileDependencies": deps,
	}
}

func TestJobs_SubmitAndStatus(t *testing.T) {
	h := newJobRouter(t)

	dep := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(dep, []byte("a,b\n"), 0o644))

	rec := do(t, h, http.MethodPost, "/v1/jobs", submitBody("j1", dep))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created jobs.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "j1", created.ID)
	assert.Equal(t, jobs.StatusRunning, created.Status)
	assert.Equal(t, "10.0.0.7", created.ClientHost)

	rec = do(t, h, http.MethodGet, "/v1/jobs/j1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, StatusResponse{ID: "j1", Status: jobs.StatusRunning, StatusMsg: created.StatusMsg}, st)

	rec = do(t, h, http.MethodGet, "/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJobs_SubmitStagingFailureIsCreated(t *testing.T) {
	h := newJobRouter(t)

	missing := filepath.Join(t.TempDir(), "missing.jar")
	rec := do(t, h, http.MethodPost, "/v1/jobs", submitBody("j2", missing))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created jobs.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, jobs.StatusFailed, created.Status)
	assert.Contains(t, created.StatusMsg, missing)
}

func TestJobs_SubmitErrors(t *testing.T) {
	h := newJobRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/jobs", submitBody("dup"))
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"duplicate", submitBody("dup"), http.StatusConflict, apperrors.CodeDuplicateJob},
		{"blank command", map[string]any{"id": "x1", "clusterCriteria": []map[string]any{{"tags": []string{"a"}}}}, http.StatusBadRequest, apperrors.CodeInvalidRequest},
		{"unsupported scheme", submitBody("x2", "gopher://host/file"), http.StatusBadRequest, apperrors.CodeUnsupportedScheme},
		{"malformed body", "not an object", http.StatusBadRequest, apperrors.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestJobs_NotFound(t *testing.T) {
	h := newJobRouter(t)

	for _, path := range []string{"/v1/jobs/nope", "/v1/jobs/nope/status"} {
		rec := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
	}
	rec := do(t, h, http.MethodDelete, "/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobs_KillIsIdempotent(t *testing.T) {
	h := newJobRouter(t)
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/jobs", submitBody("k1")).Code)

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodDelete, "/v1/jobs/k1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var st StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.Equal(t, jobs.StatusKilled, st.Status)
	}
}

func TestJobs_List(t *testing.T) {
	h := newJobRouter(t)
	for _, id := range []string{"l1", "l2", "l3"} {
		require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/v1/jobs", submitBody(id)).Code)
	}
	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/v1/jobs/l2", nil).Code)

	list := func(query string) []*jobs.Record {
		rec := do(t, h, http.MethodGet, "/v1/jobs"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out []*jobs.Record
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	assert.Len(t, list(""), 3)
	killed := list("?status=killed")
	require.Len(t, killed, 1)
	assert.Equal(t, "l2", killed[0].ID)
	assert.Len(t, list("?status=KILLED,RUNNING"), 3)
	assert.Len(t, list("?jobName=etl-l%25"), 3)
	assert.Len(t, list("?limit=2"), 2)
	assert.Len(t, list("?limit=2&page=1"), 1)
	assert.Len(t, list("?limit=2&page=1&offset=0"), 2)
	assert.Empty(t, list("?user=nobody"))

	for _, q := range []string{"?limit=0", "?limit=abc", "?page=-1", "?offset=-1", "?status=DONE"} {
		rec := do(t, h, http.MethodGet, "/v1/jobs"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, apperrors.CodeInvalidQuery, errorCode(t, rec), q)
	}
}

func TestJobs_ListPagesPastTheCap(t *testing.T) {
	backend, err := local.New(local.Config{}, nil)
	require.NoError(t, err)
	reg, err := transfer.NewRegistry(backend)
	require.NoError(t, err)
	resolver := transfer.NewResolver(reg, transfer.ResolverConfig{Timeout: 5 * time.Second}, nil)
	svc, err := jobs.NewService(jobstore.NewMemory(), resolver, jobs.Config{SandboxRoot: t.TempDir(), MaxListLimit: 10})
	require.NoError(t, err)
	r := chi.NewRouter()
	r.Route("/v1/jobs", NewJobHandler(svc, SubmitBudget{}).Routes)

	missing := filepath.Join(t.TempDir(), "absent.csv")
	for i := 0; i < 30; i++ {
		rec := do(t, r, http.MethodPost, "/v1/jobs", submitBody(fmt.Sprintf("f%02d", i), missing))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	list := func(query string) []*jobs.Record {
		rec := do(t, r, http.MethodGet, "/v1/jobs"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out []*jobs.Record
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	seen := map[string]bool{}
	for page := 0; page < 3; page++ {
		recs := list(fmt.Sprintf("?status=FAILED&limit=20&page=%d", page))
		assert.Len(t, recs, 10, "page %d", page)
		for _, rec := range recs {
			assert.False(t, seen[rec.ID], "%s listed twice", rec.ID)
			seen[rec.ID] = true
		}
	}
	assert.Len(t, seen, 30)

	assert.Len(t, list(""), 10, "default limit is the configured cap")
	assert.Empty(t, list("?limit=20&page=3"))

	rec := do(t, r, http.MethodGet, fmt.Sprintf("/v1/jobs?limit=10&page=%d", math.MaxInt/5), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidQuery, errorCode(t, rec))
}

func TestClientHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	assert.Equal(t, "192.0.2.1", clientHost(req, ""))
	assert.Equal(t, "explicit", clientHost(req, " explicit "))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientHost(req, ""))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "no-port"
	assert.Equal(t, "no-port", clientHost(req, ""))
}
