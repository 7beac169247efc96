package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"

	"github.com/ggoodman/dropdesk/chat"
	"github.com/ggoodman/dropdesk/gateway"
	"github.com/ggoodman/dropdesk/session/sessiontest"
)

func newConversation(t *testing.T, h http.HandlerFunc, opts ...chat.Option) (*chat.Conversation, *sessiontest.StaticSession) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	sess := sessiontest.NewStaticSession("tok")
	return chat.New(srv.URL+"/api/chat", gateway.New(sess), opts...), sess
}

func TestSendStreamsReply(t *testing.T) {
	var chunks []string
	c, _ := newConversation(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Prompt string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Prompt != "where do snails drop shells?" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("prompt=%q auth=%q", body.Prompt, r.Header.Get("Authorization"))
		}
		for _, p := range []string{"On ", "Maple ", "Island."} {
			_, _ = io.WriteString(w, p)
			w.(http.Flusher).Flush()
		}
	}, chat.OnChunk(func(s string) { chunks = append(chunks, s) }))

	if err := c.Send(context.Background(), "where do snails drop shells?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0] != (chat.Message{Role: chat.RoleUser, Content: "where do snails drop shells?"}) {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1] != (chat.Message{Role: chat.RoleAssistant, Content: "On Maple Island."}) {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	if strings.Join(chunks, "") != "On Maple Island." {
		t.Fatalf("chunks = %q", chunks)
	}
}

func TestSendBlankPromptIsNoop(t *testing.T) {
	hits := 0
	c, _ := newConversation(t, func(w http.ResponseWriter, r *http.Request) { hits++ })
	if err := c.Send(context.Background(), "  "); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits != 0 || len(c.Messages()) != 0 {
		t.Fatalf("hits=%d messages=%v", hits, c.Messages())
	}
}

func TestSendBackendFailure(t *testing.T) {
	c, _ := newConversation(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	if err := c.Send(context.Background(), "hi"); err == nil {
		t.Fatal("Send succeeded against a failing backend")
	}
	msgs := c.Messages()
	if msgs[1].Content != chat.MsgConnectFailed {
		t.Fatalf("assistant message = %q", msgs[1].Content)
	}
}

func TestSendSessionExpired(t *testing.T) {
	c, sess := newConversation(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	err := c.Send(context.Background(), "hi")
	if !errors.Is(err, gateway.ErrSessionExpired) {
		t.Fatalf("err = %v", err)
	}
	if sess.Logins() != 1 {
		t.Fatalf("logins = %d", sess.Logins())
	}
	if c.Messages()[1].Content != chat.MsgConnectFailed {
		t.Fatalf("messages = %+v", c.Messages())
	}
}

type byteAtATime struct{ body string }

func (b byteAtATime) Do(ctx context.Context, target string, opts gateway.Options) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(iotest.OneByteReader(strings.NewReader(b.body))),
	}, nil
}

func TestSendKeepsRunesWhole(t *testing.T) {
	const reply = "Escargot é ☃ 🐌 done"
	var chunks []string
	c := chat.New("http://unused/api/chat", byteAtATime{body: reply},
		chat.OnChunk(func(s string) { chunks = append(chunks, s) }))

	if err := c.Send(context.Background(), "snail?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, ch := range chunks {
		if !utf8.ValidString(ch) {
			t.Fatalf("chunk %q splits a rune", ch)
		}
	}
	if got := strings.Join(chunks, ""); got != reply {
		t.Fatalf("chunks joined = %q", got)
	}
	if msgs := c.Messages(); msgs[1].Content != reply {
		t.Fatalf("assistant message = %q", msgs[1].Content)
	}
}
