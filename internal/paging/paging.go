// Package paging holds the zero-based page arithmetic shared by every
// list endpoint.
package paging

const (
	// DefaultPageSize applies when a request names no page size.
	DefaultPageSize = 10

	// MaxPageSize caps any requested page size.
	MaxPageSize = 100
)

// Request is a normalised page request.
type Request struct {
	Page     int
	PageSize int
}

// NewRequest clamps page to >= 0 and pageSize to 1..MaxPageSize.
func NewRequest(page, pageSize int) Request {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Request{Page: page, PageSize: pageSize}
}

// Offset is the number of rows to skip.
func (r Request) Offset() int {
	return r.Page * r.PageSize
}

// Page is one slice of a larger result set.
type Page[T any] struct {
	Items       []T  `json:"items"`
	TotalItems  int  `json:"total_items"`
	PageSize    int  `json:"page_size"`
	CurrentPage int  `json:"current_page"`
	NextPage    *int `json:"next_page,omitempty"`
}

// New builds a page. NextPage is set only when rows remain past this page.
func New[T any](items []T, total int, req Request) Page[T] {
	if items == nil {
		items = []T{}
	}
	p := Page[T]{
		Items:       items,
		TotalItems:  total,
		PageSize:    req.PageSize,
		CurrentPage: req.Page,
	}
	if req.Offset()+len(items) < total {
		next := req.Page + 1
		p.NextPage = &next
	}
	return p
}

// Slice pages an in-memory slice.
func Slice[T any](all []T, req Request) Page[T] {
	start := min(req.Offset(), len(all))
	end := min(start+req.PageSize, len(all))
	return New(all[start:end:end], len(all), req)
}
