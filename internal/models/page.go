package models

// Page is one slice of a paginated result
type Page[T any] struct {
	Items      []T `json:"items"`
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// NewPage fills in the page count from total and size
func NewPage[T any](items []T, number, size, total int) Page[T] {
	pages := 0
	if size > 0 {
		pages = (total + size - 1) / size
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{Items: items, PageNumber: number, PageSize: size, TotalCount: total, TotalPages: pages}
}
