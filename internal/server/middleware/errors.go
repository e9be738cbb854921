// Package middleware holds the HTTP middleware chain of the job server.
package middleware

import (
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/jobnimbus/internal/errors"
	"github.com/3leaps/jobnimbus/internal/observability"
)

// ErrorResponse is the JSON body written for errors raised by middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := r.Header.Get(apperrors.RequestIDHeader)
			observability.ServerLogger.Error("Panic recovered",
				zap.Any("panic", rec),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Stack("stack"),
			)

			env := apperrors.NewEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec), requestID, nil)
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, statusCode int) {
	apperrors.WriteEnvelope(w, env, statusCode)
}
