package domain

import (
	"fmt"
	"math"
)

// Paging defaults applied by WithDefaults when a request leaves a field unset.
const (
	// DefaultPage is the first page.
	DefaultPage = 1
	// DefaultLimit is the page size used when none is asked for.
	DefaultLimit = 10
)

// PageRequest is a 1-indexed page selection.
type PageRequest struct {
	Page  int
	Limit int
}

// WithDefaults fills unset fields.
func (r PageRequest) WithDefaults() PageRequest {
	if r.Page == 0 {
		r.Page = DefaultPage
	}
	if r.Limit == 0 {
		r.Limit = DefaultLimit
	}
	return r
}

// Validate rejects non-positive values. Call after WithDefaults.
func (r PageRequest) Validate() error {
	if r.Page < 1 {
		return Validationf("page must be greater than or equal to 1")
	}
	if r.Limit < 1 {
		return Validationf("limit must be greater than or equal to 1")
	}
	return nil
}

// Offset is the number of rows to skip.
func (r PageRequest) Offset() int {
	return (r.Page - 1) * r.Limit
}

// TotalPages returns ceil(total/limit).
func TotalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(limit)))
}

// CheckRange fails with ErrPageOutOfRange when the requested page lies beyond
// the data. Page 1 over zero records is valid.
func CheckRange(r PageRequest, total int) error {
	totalPages := TotalPages(total, r.Limit)
	if total > 0 && r.Page > totalPages {
		return &Error{
			Kind:    ErrPageOutOfRange,
			Message: fmt.Sprintf("Page %d is out of range. Total pages available: %d", r.Page, totalPages),
		}
	}
	if total == 0 && r.Page > 1 {
		return &Error{
			Kind:    ErrPageOutOfRange,
			Message: "No records found. Only page 1 is available.",
		}
	}
	return nil
}

// Pagination is the paging envelope returned with every list.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// Page is one page of results.
type Page[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// NewPage builds a page. A nil slice becomes empty so it encodes as [].
func NewPage[T any](data []T, r PageRequest, total int) Page[T] {
	if data == nil {
		data = []T{}
	}
	totalPages := TotalPages(total, r.Limit)
	return Page[T]{
		Data: data,
		Pagination: Pagination{
			Page:       r.Page,
			Limit:      r.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    r.Page < totalPages,
			HasPrev:    r.Page > 1,
		},
	}
}
