// Package dropapi is the typed client for the dropdesk server's record
// endpoints: search, existence checks, name lookup, and reading, adding and
// updating single records. Every call goes through the authenticated gateway.
package dropapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ggoodman/dropdesk/gateway"
)

// DevModeHeader selects the augmented search backend when set to "true".
const DevModeHeader = "X-Dev-Mode"

const (
	searchFailed = "Failed to fetch data"
	getFailed    = "Failed to fetch item data"
	addFailed    = "Failed to add new item"
	updateFailed = "Error updating data in backend"
	namesFailed  = "Failed to fetch all names"
)

// Requester is satisfied by *gateway.Gateway.
type Requester interface {
	Do(ctx context.Context, target string, opts gateway.Options) (*http.Response, error)
}

// Client calls the dropdesk API rooted at a base URL.
type Client struct {
	base string
	req  Requester
}

// New returns a Client for the API at baseURL.
func New(baseURL string, req Requester) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), req: req}
}

// SearchDrops runs a search. augmented routes it to the augmented backend.
// A non-success answer is an *Error whose Detail falls back to
// "Failed to fetch data".
func (c *Client) SearchDrops(ctx context.Context, term string, augmented bool) ([]Record, error) {
	h := http.Header{}
	h.Set(DevModeHeader, strconv.FormatBool(augmented))
	resp, err := c.req.Do(ctx, c.base+"/api/search_drops?query="+url.QueryEscape(term), gateway.Options{Header: h})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFrom(resp, searchFailed)
	}
	var out SearchResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = []Record{}
	}
	return out.Data, nil
}

// CheckExistence looks up alternate identifiers for term.
func (c *Client) CheckExistence(ctx context.Context, term string) ([]ExistenceEntry, error) {
	resp, err := c.req.Do(ctx, c.base+"/api/existence-check/"+url.PathEscape(term), gateway.Options{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFrom(resp, fmt.Sprintf("existence check failed with status %d", resp.StatusCode))
	}
	var out ExistenceResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// GetDrop fetches one record for editing.
func (c *Client) GetDrop(ctx context.Context, id string) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return Record{}, ErrIDRequired
	}
	resp, err := c.req.Do(ctx, c.base+"/api/get_drop/"+url.PathEscape(id), gateway.Options{})
	if err != nil {
		return Record{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Record{}, errorFrom(resp, getFailed)
	}
	var rec Record
	if err := decodeJSON(resp, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// AddDrop creates a record. The id of rec is ignored by the backend, which
// reports the new one in its answer.
func (c *Client) AddDrop(ctx context.Context, rec Record) (json.RawMessage, error) {
	return c.write(ctx, http.MethodPost, c.base+"/api/add_drop", rec, addFailed)
}

// UpdateDrop replaces the record with the given id and returns the backend's
// answer verbatim.
func (c *Client) UpdateDrop(ctx context.Context, id string, rec Record) (json.RawMessage, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrIDRequired
	}
	return c.write(ctx, http.MethodPut, c.base+"/api/update_drop/"+url.PathEscape(id), rec, updateFailed)
}

// Names lists every known source and target name, for completion.
func (c *Client) Names(ctx context.Context) ([]string, error) {
	resp, err := c.req.Do(ctx, c.base+"/api/names/all", gateway.Options{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFrom(resp, namesFailed)
	}
	var out NamesResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	if out.Names == nil {
		out.Names = []string{}
	}
	return out.Names, nil
}

func (c *Client) write(ctx context.Context, method, target string, rec Record, fallback string) (json.RawMessage, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	resp, err := c.req.Do(ctx, target, gateway.Options{
		Method: method,
		Body:   bytes.NewReader(body),
		Header: h,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFrom(resp, fallback)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", resp.Request.URL.Path, err)
	}
	return json.RawMessage(raw), nil
}
