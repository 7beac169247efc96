// Package relay forwards a chat prompt to the inference backend and streams
// the answer back as it is produced.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

const (
	// MsgPromptRequired answers a request without a usable prompt.
	MsgPromptRequired = "Prompt is required"
	// MsgEmptyBody answers a successful backend reply that carried no body.
	MsgEmptyBody = "Empty response body from the service"
	// MsgInternal answers transport and read failures.
	MsgInternal = "An internal server error occurred."

	textPlain = "text/plain; charset=utf-8"
)

// Request is the body the relay accepts and forwards.
type Request struct {
	Prompt string `json:"prompt"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithHTTPClient sets the client used to reach the backend.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		if c != nil {
			h.client = c
		}
	}
}

// WithChunkSize sets the read size for the streamed body.
func WithChunkSize(n int) Option {
	return func(h *Handler) { h.chunkSize = n }
}

// Handler is an http.Handler for the chat endpoint. It neither creates nor
// checks tokens: the caller's Authorization value goes to the backend as-is.
type Handler struct {
	backend   string
	client    *http.Client
	log       *slog.Logger
	chunkSize int
}

var _ http.Handler = (*Handler)(nil)

// New returns a Handler that posts prompts to backendURL.
func New(backendURL string, opts ...Option) *Handler {
	h := &Handler{
		backend:   backendURL,
		client:    http.DefaultClient,
		log:       slog.Default(),
		chunkSize: DefaultChunkSize,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeText(w, http.StatusBadRequest, MsgPromptRequired)
		return
	}

	resp, err := h.forward(ctx, req.Prompt, r.Header.Get("Authorization"))
	if err != nil {
		h.log.ErrorContext(ctx, "relay.backend.fail", slog.String("err", err.Error()))
		writeText(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			h.log.ErrorContext(ctx, "relay.backend.read.fail", slog.String("err", err.Error()))
			writeText(w, http.StatusInternalServerError, MsgInternal)
			return
		}
		h.log.WarnContext(ctx, "relay.backend.status", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
		w.Header().Set("Content-Type", textPlain)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		h.log.ErrorContext(ctx, "relay.backend.empty")
		writeText(w, http.StatusInternalServerError, MsgEmptyBody)
		return
	}

	w.Header().Set("Content-Type", textPlain)
	w.WriteHeader(http.StatusOK)
	fw := newFlushWriter(ctx, w)
	n := 0
	for chunk, err := range Chunks(resp.Body, h.chunkSize) {
		if err != nil {
			h.log.WarnContext(ctx, "relay.stream.fail", slog.Int("bytes", n), slog.String("err", err.Error()))
			return
		}
		if _, werr := fw.Write(chunk); werr != nil {
			h.log.DebugContext(ctx, "relay.client.gone", slog.Int("bytes", n), slog.String("err", werr.Error()))
			return
		}
		fw.Flush()
		n += len(chunk)
	}
	h.log.DebugContext(ctx, "relay.stream.done", slog.Int("bytes", n))
}

func (h *Handler) forward(ctx context.Context, prompt, authz string) (*http.Response, error) {
	body, err := json.Marshal(Request{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.backend, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authz)
	return h.client.Do(req)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", textPlain)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// flushWriter serializes writes and flushes and stops writing once ctx ends.
type flushWriter struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func newFlushWriter(ctx context.Context, w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{Writer: w, ctx: ctx}
	if f, ok := w.(http.Flusher); ok {
		fw.Flusher = f
	}
	return fw
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ctx.Err(); err != nil {
		return 0, err
	}
	return f.Writer.Write(p)
}

func (f *flushWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Flusher == nil || f.ctx.Err() != nil {
		return
	}
	f.Flusher.Flush()
}
