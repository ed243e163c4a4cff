package middleware

import (
	"net/http"

	"github.com/evecore/taskforge/internal/logger"
)

const headerCallerID = "X-Caller-ID"

// DefaultCallerID identifies requests with no X-Caller-ID header, such as
// local tooling and tests.
const DefaultCallerID = "anonymous"

// Caller is HTTP middleware that extracts the caller identity from the
// X-Caller-ID header and stores it in the request context. Tasks created
// through the API are owned by this identity.
func Caller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCallerID)
		if id == "" {
			id = DefaultCallerID
		}

		ctx := logger.WithCallerID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
