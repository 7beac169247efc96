package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/dropdesk/dropapi"
	"github.com/ggoodman/dropdesk/storage"
)

const searchCachePrefix = "search:"

var errBackendBodyTooLarge = errors.New("backend response exceeds size limit")

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query().Get("query")
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, msgQueryRequired)
		return
	}

	augmented := r.Header.Get(devModeHeader) == "true"
	target := h.ep.Search + "?query=" + url.QueryEscape(query)
	if augmented {
		target = strings.TrimRight(h.ep.AugmentedSearch, "/") + "/" + url.PathEscape(query)
		if body, ok := h.cachedSearch(ctx, query); ok {
			h.metrics.cache("hit")
			writeRaw(w, http.StatusOK, jsonMediaType.String(), body)
			return
		}
		h.metrics.cache("miss")
	}

	status, ctype, body, err := h.forward(ctx, http.MethodGet, target, r.Header.Get(authorizationHeader), nil)
	if err != nil {
		h.log.ErrorContext(ctx, "http.search.fail", slog.String("target", target), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if success(status) && augmented {
		h.storeSearch(ctx, query, body)
	}
	writeRaw(w, status, ctype, body)
}

func (h *Handler) handleExistence(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimRight(h.ep.Existence, "/") + "/" + url.PathEscape(r.PathValue("name"))
	h.pass(w, r, target, "existence")
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, msgIDRequired)
		return
	}
	target := strings.TrimRight(h.ep.Update, "/") + "/" + url.PathEscape(id)
	h.write(w, r, http.MethodPut, target, "update", msgUpdateFailed)
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, http.MethodPost, h.ep.Add, "add", msgAddFailed)
}

// write forwards a JSON record body. A backend failure keeps its status and
// becomes {"detail": backend detail or fallback}; a success purges the search
// cache and passes the body through.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, method, target, op, fallback string) {
	ctx := r.Context()
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	status, ctype, body, err := h.forward(ctx, method, target, r.Header.Get(authorizationHeader), payload)
	if err != nil {
		h.log.ErrorContext(ctx, "http."+op+".fail", slog.String("target", target), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	if !success(status) {
		detail := ""
		if dropapi.IsJSON(ctype) || json.Valid(body) {
			detail = dropapi.DetailOf(body)
		}
		if detail == "" {
			detail = fallback
		}
		h.log.WarnContext(ctx, "http."+op+".backend", slog.Int("status", status), slog.String("detail", detail))
		writeJSONError(w, status, detail)
		return
	}
	h.purgeSearchCache(ctx)
	writeRaw(w, http.StatusOK, jsonMediaType.String(), body)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, msgIDRequired)
		return
	}
	h.pass(w, r, strings.TrimRight(h.ep.Get, "/")+"/"+url.PathEscape(id), "get")
}

func (h *Handler) handleNames(w http.ResponseWriter, r *http.Request) {
	h.pass(w, r, h.ep.Names, "names")
}

// pass relays a GET answer, success or failure, unchanged.
func (h *Handler) pass(w http.ResponseWriter, r *http.Request, target, op string) {
	ctx := r.Context()
	status, ctype, body, err := h.forward(ctx, http.MethodGet, target, r.Header.Get(authorizationHeader), nil)
	if err != nil {
		h.log.ErrorContext(ctx, "http."+op+".fail", slog.String("target", target), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeRaw(w, status, ctype, body)
}

// forward sends one backend request and reads the whole answer. Transport
// failures and answers longer than maxBody are errors; any HTTP status is
// returned as-is.
func (h *Handler) forward(ctx context.Context, method, target, authz string, payload []byte) (int, string, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", jsonMediaType.String())
	}
	if authz != "" {
		req.Header.Set(authorizationHeader, authz)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return 0, "", nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(b)) > h.maxBody {
		return 0, "", nil, fmt.Errorf("%w: more than %d bytes", errBackendBodyTooLarge, h.maxBody)
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), b, nil
}

func (h *Handler) cachedSearch(ctx context.Context, query string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	item, err := h.cache.Get(ctx, searchCachePrefix+query)
	if err != nil {
		h.log.WarnContext(ctx, "http.search.cache.get.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if item == nil {
		return nil, false
	}
	return item.Data, true
}

func (h *Handler) storeSearch(ctx context.Context, query string, body []byte) {
	if h.cache == nil {
		return
	}
	var opts []storage.Option
	if h.cacheTTL > 0 {
		opts = append(opts, storage.WithTTL(h.cacheTTL))
	}
	if err := h.cache.Set(ctx, searchCachePrefix+query, body, opts...); err != nil {
		h.log.WarnContext(ctx, "http.search.cache.set.fail", slog.String("err", err.Error()))
	}
}

// purgeSearchCache drops every cached search body. The cache store holds
// nothing else, so the whole global namespace goes.
func (h *Handler) purgeSearchCache(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx); err != nil {
		h.log.WarnContext(ctx, "http.search.cache.purge.fail", slog.String("err", err.Error()))
	}
}

func writeRaw(w http.ResponseWriter, status int, ctype string, body []byte) {
	if ctype == "" {
		ctype = jsonMediaType.String()
	}
	w.Header().Set("Content-Type", ctype)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func success(status int) bool { return status >= 200 && status <= 299 }
