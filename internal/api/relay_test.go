package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RichardoC/streamchat/internal/auth"
	"github.com/RichardoC/streamchat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var u1 = &models.User{ID: "u1", Name: "alice"}

func newTestHandler(store *memStore, source *scriptedSource, authn Authenticator) http.Handler {
	return NewHandler(store, source, authn, zap.NewNop()).Routes("")
}

func chatRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp.Error
}

func TestChatNewConversation(t *testing.T) {
	store := newMemStore()
	source := &scriptedSource{frags: []string{"Hel", "lo!"}}
	source.onOpen = func() {
		convs, msgs := store.counts()
		assert.Equal(t, 1, convs, "conversation must exist before the upstream call")
		assert.Equal(t, 1, msgs, "user message must exist before the upstream call")
	}
	h := newTestHandler(store, source, staticAuth{user: u1})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(t, `{"message":"Hi","conversationId":null}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "c1", rec.Header().Get(ConversationIDHeader))
	assert.Equal(t, "{\"conversationId\":\"c1\"}\nHello!", rec.Body.String())

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Hi", conv.Title)
	assert.Equal(t, "u1", conv.UserID)

	msgs := store.allMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello!", msgs[1].Content)
	assert.Equal(t, "c1", msgs[1].ConvID)

	assert.Equal(t, []string{"Hi"}, source.prompts)
}

func TestChatLongMessageTitle(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store, &scriptedSource{frags: []string{"ok"}}, staticAuth{user: u1})

	msg := strings.Repeat("x", 80)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(t, `{"message":"`+msg+`"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 50)+"...", conv.Title)
}

func TestChatStreamReassembly(t *testing.T) {
	tests := []struct {
		name  string
		frags []string
	}{
		{"single", []string{"Hello!"}},
		{"many", []string{"a", "b", "c", "d"}},
		{"newlines in text", []string{"line one\n", "line two\n\n", "end"}},
		{"json-looking text", []string{`{"conversationId":"evil"}`, "\n", "x"}},
		{"empty completion", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addConversation("c9", "u1")
			h := newTestHandler(store, &scriptedSource{frags: tt.frags}, staticAuth{user: u1})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, chatRequest(t, `{"message":"go","conversationId":"c9"}`))
			require.Equal(t, http.StatusOK, rec.Code)

			head, rest, found := strings.Cut(rec.Body.String(), "\n")
			require.True(t, found)
			var pre Preamble
			require.NoError(t, json.Unmarshal([]byte(head), &pre))
			assert.Equal(t, "c9", pre.ConversationID)

			want := strings.Join(tt.frags, "")
			assert.Equal(t, want, rest)

			msgs := store.allMessages()
			require.Len(t, msgs, 2)
			assert.Equal(t, models.RoleAssistant, msgs[1].Role)
			assert.Equal(t, rest, msgs[1].Content)
		})
	}
}

func TestChatExistingConversationCreatesNothing(t *testing.T) {
	store := newMemStore()
	store.addConversation("c1", "u1")
	h := newTestHandler(store, &scriptedSource{frags: []string{"ok"}}, staticAuth{user: u1})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(t, `{"message":"again","conversationId":"c1"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	convs, msgs := store.counts()
	assert.Equal(t, 1, convs)
	assert.Equal(t, 2, msgs)
}

func TestChatUpstreamErrorMidStream(t *testing.T) {
	store := newMemStore()
	store.addConversation("c1", "u1")
	source := &scriptedSource{
		frags:  []string{"Par"},
		midErr: errors.New("upstream reset"),
		closed: make(chan struct{}),
	}
	srv := httptest.NewServer(newTestHandler(store, source, staticAuth{user: u1}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json",
		strings.NewReader(`{"message":"Hi","conversationId":"c1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err, "the response must end abnormally")
	assert.Equal(t, "{\"conversationId\":\"c1\"}\nPar", string(body))

	select {
	case <-source.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream stream was not closed")
	}

	msgs := store.allMessages()
	require.Len(t, msgs, 1, "only the user message is persisted")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestChatClientDisconnect(t *testing.T) {
	store := newMemStore()
	source := &scriptedSource{
		frags:  []string{"partial"},
		block:  true,
		closed: make(chan struct{}),
	}
	srv := httptest.NewServer(newTestHandler(store, source, staticAuth{user: u1}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/chat",
		strings.NewReader(`{"message":"Hi"}`))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"conversationId\":\"c1\"}\n", line)

	buf := make([]byte, len("partial"))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(buf))

	cancel()

	select {
	case <-source.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after the client went away")
	}

	msgs := store.allMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestChatPreStreamFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name       string
		setup      func(store *memStore, source *scriptedSource)
		authn      Authenticator
		body       string
		wantStatus int
		wantError  string
		wantConvs  int
		wantMsgs   int
	}{
		{
			name:       "unauthenticated",
			authn:      staticAuth{err: auth.ErrUnauthenticated},
			body:       `{"message":"Hi"}`,
			wantStatus: http.StatusUnauthorized,
			wantError:  "Unauthorized",
		},
		{
			name:       "no user",
			authn:      staticAuth{},
			body:       `{"message":"Hi"}`,
			wantStatus: http.StatusUnauthorized,
			wantError:  "Unauthorized",
		},
		{
			name:       "session store down",
			authn:      staticAuth{err: boom},
			body:       `{"message":"Hi"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to resolve session",
		},
		{
			name:       "malformed body",
			body:       `{"message":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "empty message",
			body:       `{"message":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Message must not be empty",
		},
		{
			name:       "unknown conversation",
			body:       `{"message":"Hi","conversationId":"nope"}`,
			wantStatus: http.StatusNotFound,
			wantError:  "Conversation not found",
		},
		{
			name: "foreign conversation",
			setup: func(store *memStore, _ *scriptedSource) {
				store.addConversation("theirs", "u2")
			},
			body:       `{"message":"Hi","conversationId":"theirs"}`,
			wantStatus: http.StatusNotFound,
			wantError:  "Conversation not found",
			wantConvs:  1,
		},
		{
			name: "conversation lookup fails",
			setup: func(store *memStore, _ *scriptedSource) {
				store.getErr = boom
			},
			body:       `{"message":"Hi","conversationId":"c1"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to load conversation",
		},
		{
			name: "conversation create fails",
			setup: func(store *memStore, _ *scriptedSource) {
				store.createErr = boom
			},
			body:       `{"message":"Hi"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to create conversation",
		},
		{
			name: "user message save fails",
			setup: func(store *memStore, _ *scriptedSource) {
				store.saveErr = func(*models.Message) error { return boom }
			},
			body:       `{"message":"Hi"}`,
			wantStatus: http.StatusInternalServerError,
			wantError:  "Failed to save message",
			wantConvs:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			source := &scriptedSource{frags: []string{"never"}}
			if tt.setup != nil {
				tt.setup(store, source)
			}
			authn := tt.authn
			if authn == nil {
				authn = staticAuth{user: u1}
			}
			h := newTestHandler(store, source, authn)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, chatRequest(t, tt.body))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantError, decodeError(t, rec.Body))
			assert.Zero(t, source.calls(), "upstream must not be contacted")

			convs, msgs := store.counts()
			assert.Equal(t, tt.wantConvs, convs)
			assert.Equal(t, tt.wantMsgs, msgs)
		})
	}
}

func TestChatUpstreamOpenFailure(t *testing.T) {
	store := newMemStore()
	source := &scriptedSource{openErr: errors.New("model not loaded")}
	h := newTestHandler(store, source, staticAuth{user: u1})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(t, `{"message":"Hi"}`))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to start completion", decodeError(t, rec.Body))

	// The user message stays; no compensating delete.
	convs, msgs := store.counts()
	assert.Equal(t, 1, convs)
	assert.Equal(t, 1, msgs)
}

func TestChatAssistantSaveFailureKeepsResponse(t *testing.T) {
	store := newMemStore()
	store.saveErr = func(msg *models.Message) error {
		if msg.Role == models.RoleAssistant {
			return errors.New("disk full")
		}
		return nil
	}
	h := newTestHandler(store, &scriptedSource{frags: []string{"Hel", "lo!"}}, staticAuth{user: u1})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, chatRequest(t, `{"message":"Hi"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{\"conversationId\":\"c1\"}\nHello!", rec.Body.String())

	msgs := store.allMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
}

func TestChatMethodNotAllowed(t *testing.T) {
	h := newTestHandler(newMemStore(), &scriptedSource{}, staticAuth{user: u1})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestOpenSessionEncodesPreambleBeforeHeaders(t *testing.T) {
	store := newMemStore()
	h := NewHandler(store, &scriptedSource{frags: []string{"Hel", "lo!"}}, staticAuth{user: u1}, zap.NewNop())

	sess, err := h.openSession(context.Background(), u1, ChatRequest{Message: "Hi"})
	require.NoError(t, err)
	defer sess.stream.Close()
	assert.Equal(t, "{\"conversationId\":\"c1\"}\n", string(sess.preamble))

	rec := httptest.NewRecorder()
	require.NoError(t, h.forward(rec, sess))
	assert.Equal(t, "{\"conversationId\":\"c1\"}\nHello!", rec.Body.String())
	assert.Equal(t, "Hello!", sess.text.String())
}
