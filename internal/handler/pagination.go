package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/tutorly/session-broker/internal/errors"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type page struct {
	Limit  int
	Offset int
}

// parsePage reads limit and offset from the query. Missing values take the
// defaults and limit is clamped to maxPageSize; non-numeric or negative
// values are rejected.
func parsePage(r *http.Request) (page, error) {
	p := page{Limit: defaultPageSize}
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page{}, apperrors.InvalidInput("limit", "must be a positive integer")
		}
		p.Limit = min(n, maxPageSize)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page{}, apperrors.InvalidInput("offset", "must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}
