package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/3leaps/jobnimbus/internal/errors"
)

const maxRequestIDLength = 128

// RequestID makes sure every request carries an X-Request-ID. A client value
// is kept when present and sane; otherwise a UUID is generated. The id is
// echoed on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(apperrors.RequestIDHeader))
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		r.Header.Set(apperrors.RequestIDHeader, id)
		w.Header().Set(apperrors.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}
