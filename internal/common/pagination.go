package common

import (
	"math"
	"net/http"
)

// Pagination holds pagination metadata for list responses.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalItems int `json:"total_items"`
}

// ParsePagination extracts page and per-page parameters from query values.
// perPage is capped at maxPerPage when maxPerPage is positive.
func ParsePagination(r *http.Request, defaultPerPage, maxPerPage int) (page, perPage int) {
	if maxPerPage <= 0 {
		maxPerPage = math.MaxInt32
	}
	q := r.URL.Query()
	page = QueryInt(q, "page", 1, 1, math.MaxInt32)
	perPage = QueryInt(q, "limit", defaultPerPage, 1, maxPerPage)
	return page, perPage
}

// PageBounds returns the [start, end) slice bounds of the requested page over total items.
func PageBounds(page, perPage, total int) (start, end int) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		return 0, total
	}
	start = (page - 1) * perPage
	if start > total {
		start = total
	}
	end = start + perPage
	if end > total {
		end = total
	}
	return start, end
}
