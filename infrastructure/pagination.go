package infrastructure

import "net/http"

const maxPageLimit = 100

// Page is a 1-based page request.
type Page struct {
	Number int
	Limit  int
}

func NewPage(number, limit, defaultLimit int) Page {
	if number < 1 {
		number = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return Page{Number: number, Limit: limit}
}

func PageFromRequest(r *http.Request, defaultLimit int) Page {
	return NewPage(QueryInt(r, "page", 1), QueryInt(r, "limit", defaultLimit), defaultLimit)
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}
