package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/transfer"
)

func TestClassify(t *testing.T) {
	unsupported := &jobs.Error{Op: "Submit", Field: "fileDependencies[0]", Err: fmt.Errorf("%w: %w", jobs.ErrInvalidRequest, transfer.ErrUnsupportedScheme)}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unsupported scheme wins over invalid request", unsupported, http.StatusBadRequest, CodeUnsupportedScheme},
		{"invalid request", fmt.Errorf("wrap: %w", jobs.ErrInvalidRequest), http.StatusBadRequest, CodeInvalidRequest},
		{"invalid location", transfer.ErrInvalidLocation, http.StatusBadRequest, CodeInvalidRequest},
		{"invalid query", jobs.ErrInvalidQuery, http.StatusBadRequest, CodeInvalidQuery},
		{"not found", jobs.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"duplicate", jobs.ErrDuplicateJob, http.StatusConflict, CodeDuplicateJob},
		{"transfer", transfer.Fail("Fetch", "s3", "s3://b/k", "", transfer.ErrNotFound), http.StatusBadGateway, CodeTransferFailure},
		{"internal", jobs.ErrInternal, http.StatusInternalServerError, CodeInternal},
		{"unknown", stderrors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, &jobs.Error{Op: "Submit", Field: "command", Err: fmt.Errorf("%w: must not be blank", jobs.ErrInvalidRequest)})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeInvalidRequest, body.Error.Code)
	assert.Contains(t, body.Error.Message, "command")
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.Equal(t, "command", body.Error.Details["field"])
}

func TestRespondNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, httptest.NewRequest(http.MethodGet, "/nope", nil), http.StatusNotFound, CodeNotFound, "route not found", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "route not found", body.Error.Message)
	assert.Empty(t, body.Error.RequestID)
}

func TestFromEnvelopeNil(t *testing.T) {
	body := FromEnvelope(nil)
	assert.Equal(t, CodeInternal, body.Error.Code)
}
