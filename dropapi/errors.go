package dropapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"
)

// ErrIDRequired is returned by GetDrop and UpdateDrop for a blank id.
var ErrIDRequired = errors.New("dropapi: drop id is required")

// Error is a non-success answer from the API.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string { return e.Detail }

var jsonMediaType = contenttype.NewMediaType("application/json")

// IsJSON reports whether a Content-Type header value names JSON.
func IsJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt := contenttype.NewMediaType(contentType)
	return mt.Matches(jsonMediaType)
}

// DetailOf extracts the "detail" string from a JSON error body. It returns ""
// when the body is not JSON or carries no string detail.
func DetailOf(body []byte) string {
	var eb struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	switch d := eb.Detail.(type) {
	case string:
		return d
	case nil:
		return ""
	default:
		b, _ := json.Marshal(d)
		return string(b)
	}
}

// errorFrom drains resp and builds an *Error, using fallback when the body
// carries no detail.
func errorFrom(resp *http.Response, fallback string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Status: resp.StatusCode, Detail: fallback}
	}
	detail := DetailOf(body)
	if detail == "" {
		detail = fallback
	}
	return &Error{Status: resp.StatusCode, Detail: detail}
}

func decodeJSON(resp *http.Response, dst any) error {
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", resp.Request.URL.Path, err)
	}
	return nil
}
