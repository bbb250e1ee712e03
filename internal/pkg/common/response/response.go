package response

import (
	"net/url"
	"strconv"

	"gpuquota/internal/pkg/model"
)

// Response is the JSON envelope of every API reply. List endpoints fill
// Count and the page links; errors only set Detail.
type Response struct {
	Count    *int    `json:"count,omitempty"`
	Previous *string `json:"previous,omitempty"`
	Next     *string `json:"next,omitempty"`
	Results  any     `json:"results,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// BuildPageLinks returns the previous and next page URLs for a list of
// total items, keeping every other query parameter of u.
func BuildPageLinks(u *url.URL, page, pageSize, total int) (*string, *string) {
	link := func(p int) *string {
		q := u.Query()
		q.Set("page", strconv.Itoa(p))
		q.Set("page_size", strconv.Itoa(pageSize))
		next := *u
		next.RawQuery = q.Encode()
		s := next.String()
		return &s
	}

	var prev, next *string
	if page > 1 {
		prev = link(page - 1)
	}
	if pageSize > 0 && page <= (total-1)/pageSize {
		next = link(page + 1)
	}
	return prev, next
}

// Page returns the page of items selected by pq as a list response.
// Links are omitted when paging is disabled.
func Page[T any](u *url.URL, pq model.PagingQuery, items []T) Response {
	total := len(items)
	start, end := pq.Bounds(total)
	r := Response{Count: &total, Results: items[start:end]}
	if !pq.Disabled() {
		r.Previous, r.Next = BuildPageLinks(u, pq.Number(), pq.Size(), total)
	}
	return r
}
