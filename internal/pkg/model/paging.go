package model

import (
	"github.com/go-playground/validator/v10"
)

// Page sizes shared by every list endpoint.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var pagingValidate = validator.New(validator.WithRequiredStructEnabled())

// PagingQuery is bound from the page, page_size and paging query
// parameters. Absent values take their defaults; present ones must be
// positive. paging=false returns the whole list as one page.
type PagingQuery struct {
	Paging   *bool `form:"paging" json:"paging,omitempty"`
	Page     *int  `form:"page" json:"page,omitempty" validate:"omitempty,gte=1"`
	PageSize *int  `form:"page_size" json:"page_size,omitempty" validate:"omitempty,gte=1,lte=1000"`
}

// NewPagingQuery returns the query for one page of size items.
func NewPagingQuery(page, size int) PagingQuery {
	return PagingQuery{Page: &page, PageSize: &size}
}

// Normalize rejects out of range values, then fills in the first page and
// DefaultPageSize and caps the size at MaxPageSize.
func (p *PagingQuery) Normalize() error {
	if err := pagingValidate.Struct(p); err != nil {
		return err
	}
	page, size := p.Number(), p.Size()
	p.Page, p.PageSize = &page, &size
	return nil
}

// Number returns the requested page, 1 when unset.
func (p PagingQuery) Number() int {
	if p.Page == nil || *p.Page < 1 {
		return 1
	}
	return *p.Page
}

// Size returns the page size, DefaultPageSize when unset and at most
// MaxPageSize.
func (p PagingQuery) Size() int {
	if p.PageSize == nil || *p.PageSize < 1 {
		return DefaultPageSize
	}
	return min(*p.PageSize, MaxPageSize)
}

// Disabled reports whether paging=false was requested.
func (p PagingQuery) Disabled() bool { return p.Paging != nil && !*p.Paging }

// Bounds returns the [start, end) slice bounds of the current page within
// a list of total items. Pages past the end are empty.
func (p PagingQuery) Bounds(total int) (int, int) {
	if p.Disabled() {
		return 0, total
	}
	page, size := p.Number(), p.Size()
	if page-1 > total/size {
		return total, total
	}
	start := min((page-1)*size, total)
	return start, min(start+size, total)
}
