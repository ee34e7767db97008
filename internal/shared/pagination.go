package shared

import "math"

// MaxPerPage caps listing page sizes.
const MaxPerPage = 500

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// NewPagination normalises page and page size.
func NewPagination(page, perPage int) Pagination {
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	return Pagination{Page: page, PerPage: perPage}
}

// Offset is the number of rows to skip.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// TotalPages computes the page count for total rows.
func (p Pagination) TotalPages(total int) int {
	if p.PerPage <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(p.PerPage)))
}
