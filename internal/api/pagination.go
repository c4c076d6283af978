package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPerPage = 25
	maxPerPage     = 100
)

type Pagination struct {
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	HasNext bool `json:"has_next"`
}

// parsePagination reads page/per_page query params with sane bounds
func parsePagination(r *http.Request) (page, perPage int) {
	q := r.URL.Query()
	page = 1
	perPage = defaultPerPage
	if v := q.Get("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			page = p
		}
	}
	if v := q.Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > maxPerPage {
				n = maxPerPage
			}
			perPage = n
		}
	}
	return page, perPage
}

// pageSlice cuts one page out of an already-ordered result set. Some
// filters re-sort in memory, so paging happens after the sort.
func pageSlice[T any](items []T, page, perPage int) ([]T, *Pagination) {
	start := (page - 1) * perPage
	if start >= len(items) {
		return nil, &Pagination{Page: page, PerPage: perPage, HasNext: false}
	}
	end := start + perPage
	hasNext := end < len(items)
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], &Pagination{Page: page, PerPage: perPage, HasNext: hasNext}
}
