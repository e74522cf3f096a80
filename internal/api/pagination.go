package api

import "net/http"

const (
	defaultPerPage = 30
	maxPerPage     = 100
)

// parsePagination reads page and per_page. per_page is clamped to maxPerPage.
func parsePagination(w http.ResponseWriter, r *http.Request) (page, perPage int, ok bool) {
	page, ok = parseOptionalQueryPositiveInt(w, r, "page", "page", 1)
	if !ok {
		return 0, 0, false
	}
	perPage, ok = parseOptionalQueryPositiveInt(w, r, "per_page", "per_page", defaultPerPage)
	if !ok {
		return 0, 0, false
	}
	return page, min(perPage, maxPerPage), true
}
