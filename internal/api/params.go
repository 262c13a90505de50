package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/apperr"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ClampInt parses raw and clamps it to [lo, hi]. Empty or unparsable
// input yields def.
func ClampInt(raw string, lo, hi, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// pagination reads ?limit= and ?offset=.
func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = ClampInt(q.Get("limit"), 1, maxPageSize, defaultPageSize)
	offset = ClampInt(q.Get("offset"), 0, int(^uint(0)>>1), 0)
	return limit, offset
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, apperr.Validation("%s must be a valid UUID", param)
	}
	return id, nil
}

func queryUUID(r *http.Request, param string) (uuid.UUID, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return uuid.Nil, apperr.Validation("%s query parameter is required", param)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("%s must be a valid UUID", param)
	}
	return id, nil
}
