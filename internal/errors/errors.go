// Package errors maps job and transfer failures onto HTTP responses.
//
// Responses use the envelope:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/transfer"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Error codes.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidQuery       = "INVALID_QUERY"
	CodeUnsupportedScheme  = "UNSUPPORTED_SCHEME"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeDuplicateJob       = "DUPLICATE_JOB"
	CodeTransferFailure    = "TRANSFER_FAILURE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the error object inside HTTPErrorResponse.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Logger receives client and server error logs. It defaults to a no-op.
var Logger = zap.NewNop()

// Classify returns the HTTP status and error code for err.
//
// UnsupportedScheme is checked before InvalidRequest because a submit with an
// unroutable dependency carries both.
func Classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case stderrors.Is(err, transfer.ErrUnsupportedScheme):
		return http.StatusBadRequest, CodeUnsupportedScheme
	case stderrors.Is(err, jobs.ErrInvalidRequest), stderrors.Is(err, transfer.ErrInvalidLocation):
		return http.StatusBadRequest, CodeInvalidRequest
	case stderrors.Is(err, jobs.ErrInvalidQuery):
		return http.StatusBadRequest, CodeInvalidQuery
	case stderrors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, jobs.ErrDuplicateJob):
		return http.StatusConflict, CodeDuplicateJob
	case stderrors.Is(err, transfer.ErrTransferFailure):
		return http.StatusBadGateway, CodeTransferFailure
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// NewEnvelope builds a gofulmen error envelope carrying requestID as its
// correlation id and details as its context.
func NewEnvelope(code, message, requestID string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if len(details) > 0 {
		if withCtx, err := env.WithContext(details); err == nil {
			env = withCtx
		}
	}
	return env
}

// envelopeView is the subset of the envelope's JSON form rendered to clients.
type envelopeView struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details"`
	Context       map[string]any `json:"context"`
	CorrelationID string         `json:"correlation_id"`
}

// FromEnvelope converts a gofulmen envelope into the response body.
func FromEnvelope(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	if env == nil {
		return HTTPErrorResponse{Error: HTTPError{Code: CodeInternal, Message: "unknown error"}}
	}
	var view envelopeView
	if b, err := json.Marshal(env); err == nil {
		_ = json.Unmarshal(b, &view)
	}
	details := view.Context
	if len(details) == 0 {
		details = view.Details
	}
	return HTTPErrorResponse{Error: HTTPError{
		Code:      view.Code,
		Message:   view.Message,
		Details:   details,
		RequestID: view.CorrelationID,
	}}
}

// WriteEnvelope writes env as a JSON error response with the given status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	WriteResponse(w, FromEnvelope(env), status)
}

// WriteResponse writes body as JSON with the given status.
func WriteResponse(w http.ResponseWriter, body HTTPErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		Logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// Respond writes an error response with an explicit code.
func Respond(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	requestID := ""
	if r != nil {
		requestID = r.Header.Get(RequestIDHeader)
	}
	body := FromEnvelope(NewEnvelope(code, message, requestID, details))
	// Fill anything the envelope's JSON form does not carry.
	if body.Error.Code == "" {
		body.Error.Code = code
	}
	if body.Error.Message == "" {
		body.Error.Message = message
	}
	if body.Error.RequestID == "" {
		body.Error.RequestID = requestID
	}
	if len(body.Error.Details) == 0 && len(details) > 0 {
		body.Error.Details = details
	}
	WriteResponse(w, body, status)
}

// RespondWithError classifies err and writes the matching error response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	path := ""
	if r != nil {
		path = r.URL.Path
	}
	message := err.Error()
	if status >= http.StatusInternalServerError {
		Logger.Error("Request failed", zap.String("path", path), zap.String("code", code), zap.Error(err))
	} else {
		Logger.Warn("Request rejected", zap.String("path", path), zap.String("code", code), zap.Int("status", status), zap.Error(err))
	}

	var details map[string]any
	var jerr *jobs.Error
	if stderrors.As(err, &jerr) {
		details = map[string]any{}
		if jerr.Field != "" {
			details["field"] = jerr.Field
		}
		if jerr.ID != "" {
			details["id"] = jerr.ID
		}
	}
	var terr *transfer.Error
	if stderrors.As(err, &terr) {
		details = map[string]any{"op": terr.Op, "scheme": terr.Scheme, "location": terr.Location}
	}
	Respond(w, r, status, code, message, details)
}
