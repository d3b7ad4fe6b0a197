package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/paging"
)

// pageResponse is the wire shape of every list endpoint. NextPage is a
// link to the following page that keeps the caller's filters.
type pageResponse[T any] struct {
	Items       []T    `json:"items"`
	TotalItems  int    `json:"total_items"`
	PageSize    int    `json:"page_size"`
	CurrentPage int    `json:"current_page"`
	NextPage    string `json:"next_page,omitempty"`
}

// writePage writes p with a next link built from the request URL.
func writePage[T any](w http.ResponseWriter, r *http.Request, p paging.Page[T]) {
	resp := pageResponse[T]{
		Items:       p.Items,
		TotalItems:  p.TotalItems,
		PageSize:    p.PageSize,
		CurrentPage: p.CurrentPage,
	}
	if p.NextPage != nil {
		resp.NextPage = nextPageLink(r.URL, *p.NextPage, p.PageSize)
	}
	writeJSON(w, http.StatusOK, resp)
}

// nextPageLink rewrites the page parameters of u and keeps every other
// query parameter.
func nextPageLink(u *url.URL, page, pageSize int) string {
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	next := url.URL{Path: u.Path, RawQuery: q.Encode()}
	return next.String()
}

// decodeJSON reads a JSON body into v, rejecting unknown trailing data.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("invalid JSON body")
	}
	if dec.More() {
		return errors.New("request body must hold a single JSON value")
	}
	return nil
}

// pageParams reads page and pageSize. Bad values are reported rather than
// silently replaced.
func pageParams(q url.Values) (page, pageSize int, err error) {
	if page, err = queryInt(q, "page"); err != nil {
		return 0, 0, err
	}
	if pageSize, err = queryInt(q, "pageSize"); err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}

func queryInt(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(q url.Values, key string) (*bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be true or false", key)
	}
	return &b, nil
}

// queryList accepts both repeated keys and comma-separated values.
func queryList(q url.Values, key string) []string {
	var out []string
	for _, raw := range q[key] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// tagFilters collects tag.{name}=value parameters.
func tagFilters(q url.Values) map[string]string {
	tags := make(map[string]string)
	for key, values := range q {
		name, ok := strings.CutPrefix(key, "tag.")
		if !ok || name == "" || len(values) == 0 || values[0] == "" {
			continue
		}
		tags[name] = values[0]
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}
