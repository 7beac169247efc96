// Package chat holds one conversation with the assistant. Replies stream in
// through the chat relay and grow the last assistant message as they arrive.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ggoodman/dropdesk/gateway"
	"github.com/ggoodman/dropdesk/relay"
)

// Role names who wrote a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MsgConnectFailed replaces the assistant reply when the exchange fails.
const MsgConnectFailed = "Sorry, I couldn't connect to the assistant."

// Message is one turn of the conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Requester is satisfied by *gateway.Gateway.
type Requester interface {
	Do(ctx context.Context, target string, opts gateway.Options) (*http.Response, error)
}

// Option configures a Conversation.
type Option func(*Conversation)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Conversation) {
		if l != nil {
			c.log = l
		}
	}
}

// OnChunk registers fn to receive every streamed piece of a reply.
func OnChunk(fn func(string)) Option {
	return func(c *Conversation) { c.onChunk = fn }
}

// Conversation is safe for concurrent use, though Send calls are expected
// to take turns.
type Conversation struct {
	endpoint string
	req      Requester
	log      *slog.Logger
	onChunk  func(string)

	mu       sync.Mutex
	messages []Message
}

// New returns an empty Conversation posting to endpoint.
func New(endpoint string, req Requester, opts ...Option) *Conversation {
	c := &Conversation{endpoint: endpoint, req: req, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Messages returns a copy of the conversation so far.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Send adds prompt as a user message and streams the reply into a new
// assistant message. A blank prompt does nothing. On failure the assistant
// message reads MsgConnectFailed and the error is returned.
func (c *Conversation) Send(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return nil
	}
	c.mu.Lock()
	c.messages = append(c.messages,
		Message{Role: RoleUser, Content: prompt},
		Message{Role: RoleAssistant},
	)
	idx := len(c.messages) - 1
	c.mu.Unlock()

	if err := c.stream(ctx, prompt, idx); err != nil {
		c.log.ErrorContext(ctx, "chat.send.fail", slog.String("err", err.Error()))
		c.mu.Lock()
		c.messages[idx].Content = MsgConnectFailed
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Conversation) stream(ctx context.Context, prompt string, idx int) error {
	body, err := json.Marshal(relay.Request{Prompt: prompt})
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	resp, err := c.req.Do(ctx, c.endpoint, gateway.Options{
		Method: http.MethodPost,
		Body:   bytes.NewReader(body),
		Header: h,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chat: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	// A chunk can end inside a multi-byte rune; the partial rune waits for
	// the next chunk.
	var pending []byte
	for chunk, err := range relay.Chunks(resp.Body, 0) {
		if err != nil {
			return fmt.Errorf("chat: read stream: %w", err)
		}
		buf := append(pending, chunk...)
		n := completeLen(buf)
		c.appendPiece(idx, string(buf[:n]))
		pending = append([]byte(nil), buf[n:]...)
	}
	c.appendPiece(idx, string(pending))
	return nil
}

func (c *Conversation) appendPiece(idx int, piece string) {
	if piece == "" {
		return
	}
	c.mu.Lock()
	c.messages[idx].Content += piece
	c.mu.Unlock()
	if c.onChunk != nil {
		c.onChunk(piece)
	}
}

// completeLen is the length of the longest prefix of b that does not end
// inside a rune.
func completeLen(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
