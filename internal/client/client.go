// Package client talks to a streamchat server and renders streamed replies
// into a Transcript.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/RichardoC/streamchat/internal/api"
	"github.com/RichardoC/streamchat/internal/models"
	"go.uber.org/zap"
)

// FallbackMessage replaces a reply whose stream failed.
const FallbackMessage = "Sorry, something went wrong. Please try again."

const readBufferSize = 4096

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger

	transcript *Transcript

	mu             sync.Mutex
	conversationID string

	// OnConversation is called when the server assigns a conversation id to
	// a client that had none, so the UI can refresh its conversation list.
	OnConversation func(id string)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithConversation continues an existing conversation.
func WithConversation(id string) Option {
	return func(c *Client) { c.conversationID = id }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
		transcript: &Transcript{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Transcript() *Transcript { return c.transcript }

func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// SetConversation switches to id ("" starts a new conversation) and clears
// the transcript.
func (c *Client) SetConversation(id string) {
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
	c.transcript.Reset(nil)
}

// Send posts message and streams the reply into the transcript. onUpdate, if
// set, receives the accumulated reply text after every read.
func (c *Client) Send(ctx context.Context, message string, onUpdate func(text string)) error {
	c.transcript.Append(models.RoleUser, message)
	c.transcript.Append(models.RoleAssistant, "")

	req := api.ChatRequest{Message: message}
	if id := c.ConversationID(); id != "" {
		req.ConversationID = &id
	}
	body, err := json.Marshal(req)
	if err != nil {
		return c.fail(err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chat", bytes.NewReader(body))
	if err != nil {
		return c.fail(err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp)
		c.transcript.ReplaceLast(FallbackMessage)
		c.logger.Warn("chat request rejected", zap.Int("status", apiErr.Status), zap.String("error", apiErr.Message))
		return apiErr
	}

	return c.Consume(resp.Body, onUpdate)
}

// Consume reads a chat stream from body. The first line is taken as the
// control preamble when it parses as one; otherwise it is reply text like
// everything after it. A first line that fills the read buffer without a
// newline is text. Each read overwrites the last transcript entry with
// the text so far. A read error replaces it with FallbackMessage.
func (c *Client) Consume(body io.Reader, onUpdate func(text string)) error {
	br := bufio.NewReaderSize(body, readBufferSize)
	var text strings.Builder

	update := func() {
		s := text.String()
		c.transcript.ReplaceLast(s)
		if onUpdate != nil {
			onUpdate(s)
		}
	}

	head, err := br.Peek(1)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return c.fail(err)
	}

	// A preamble is a JSON object on one line no longer than the read buffer.
	// Anything else is shown as soon as it arrives.
	if head[0] == '{' {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 && !c.handlePreamble(line) {
			text.Write(line)
			update()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return c.fail(err)
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			text.Write(buf[:n])
			update()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return c.fail(err)
		}
	}
}

// handlePreamble reports whether line is a newline-terminated preamble. It
// records the conversation id if none was known yet.
func (c *Client) handlePreamble(line []byte) bool {
	if line[len(line)-1] != '\n' {
		return false
	}
	var pre api.Preamble
	if err := json.Unmarshal(line[:len(line)-1], &pre); err != nil || pre.ConversationID == "" {
		c.logger.Debug("first line is not a preamble", zap.Error(err))
		return false
	}

	c.mu.Lock()
	isNew := c.conversationID == ""
	if isNew {
		c.conversationID = pre.ConversationID
	}
	c.mu.Unlock()

	if isNew && c.OnConversation != nil {
		c.OnConversation(pre.ConversationID)
	}
	return true
}

func (c *Client) fail(err error) error {
	c.transcript.ReplaceLast(FallbackMessage)
	c.logger.Warn("chat stream failed", zap.Error(err))
	return fmt.Errorf("chat: %w", err)
}

// LoadConversation switches to id and fills the transcript with its history.
func (c *Client) LoadConversation(ctx context.Context, id string) error {
	msgs, err := c.Messages(ctx, id)
	if err != nil {
		return err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{Role: m.Role, Content: m.Content})
	}

	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
	c.transcript.Reset(entries)
	return nil
}

func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) Rename(ctx context.Context, conversationID, title string) error {
	return c.doJSON(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(conversationID),
		api.UpdateConversationRequest{Title: title}, nil)
}

func (c *Client) Delete(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationID), nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
	}
	return apiErr
}
