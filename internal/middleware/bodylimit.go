package middleware

import (
	"net/http"

	apperrors "github.com/tutorly/session-broker/internal/errors"
)

const DefaultMaxBodySize = 1 << 20

// WebhookMaxBodySize caps provider callbacks; the signature is computed over
// the whole body, so it is read in one piece.
const WebhookMaxBodySize = 64 << 10

type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

// Handler rejects a declared Content-Length over the limit up front and caps
// streamed bodies so the handler's read fails once the limit is crossed.
func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > m.maxSize {
			writeErrorWithStatus(w, http.StatusRequestEntityTooLarge,
				apperrors.ValidationError("Request body too large").
					WithDetails(map[string]int64{"maxBytes": m.maxSize}))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
