package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/RichardoC/streamchat/internal/llm"
	"github.com/RichardoC/streamchat/internal/models"
	"go.uber.org/zap"
)

const (
	streamContentType = "text/plain; charset=utf-8"
	// ConversationIDHeader repeats the preamble's conversation id for callers
	// that prefer not to parse the body.
	ConversationIDHeader = "X-Conversation-Id"
)

type ChatRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversationId"`
}

// Preamble is the first line of every chat stream.
type Preamble struct {
	ConversationID string `json:"conversationId"`
}

// relaySession is the in-flight state of one chat turn.
type relaySession struct {
	convID   string
	preamble []byte
	stream   llm.Stream
	text     strings.Builder
}

var errClientGone = errors.New("client disconnected")

// HandleChat persists the user's message, relays the completion to the
// client as it streams, and persists the assembled reply once the upstream
// finishes.
//
// Failures before the stream opens are answered with a JSON error. Once the
// preamble is written, an upstream failure aborts the response and nothing
// more is persisted.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request, user *models.User) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, errBadRequest("Invalid request body", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, r, errBadRequest("Message must not be empty", nil))
		return
	}

	sess, err := h.openSession(r.Context(), user, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sess.stream.Close()

	err = h.forward(w, sess)
	switch {
	case err == nil:
		h.saveReply(context.WithoutCancel(r.Context()), sess)

	case errors.Is(err, errClientGone) || r.Context().Err() != nil:
		h.logger.Info("Client went away mid-stream, dropping reply",
			zap.String("conversation", sess.convID),
			zap.Int("received", sess.text.Len()),
			zap.Error(err))

	default:
		h.logger.Error("Upstream failed mid-stream, aborting response",
			zap.String("conversation", sess.convID),
			zap.Int("received", sess.text.Len()),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

// openSession resolves or creates the conversation, encodes the preamble,
// stores the user message and opens the upstream stream, in that order.
func (h *Handler) openSession(ctx context.Context, user *models.User, req ChatRequest) (*relaySession, error) {
	sess := &relaySession{}

	if req.ConversationID == nil || *req.ConversationID == "" {
		conv, err := h.db.CreateConversation(ctx, user.ID, models.DeriveTitle(req.Message))
		if err != nil {
			return nil, errPersistence("Failed to create conversation", err)
		}
		sess.convID = conv.ID
		h.logger.Debug("Created conversation",
			zap.String("conversation", conv.ID),
			zap.String("user", user.ID))
	} else {
		conv, err := h.ownedConversation(ctx, user, *req.ConversationID)
		if err != nil {
			return nil, err
		}
		sess.convID = conv.ID
	}

	preamble, err := json.Marshal(Preamble{ConversationID: sess.convID})
	if err != nil {
		return nil, fmt.Errorf("encode preamble: %w", err)
	}
	sess.preamble = append(preamble, '\n')

	userMsg := &models.Message{
		ConvID:  sess.convID,
		Role:    models.RoleUser,
		Content: req.Message,
	}
	if err := h.db.SaveMessage(ctx, userMsg); err != nil {
		return nil, errPersistence("Failed to save message", err)
	}

	stream, err := h.llm.OpenStream(ctx, req.Message)
	if err != nil {
		return nil, errUpstream(err)
	}
	sess.stream = stream
	return sess, nil
}

// forward writes the preamble and then every upstream fragment, flushing
// after each write. It returns nil once the upstream reports io.EOF.
func (h *Handler) forward(w http.ResponseWriter, sess *relaySession) error {
	rc := http.NewResponseController(w)

	header := w.Header()
	header.Set("Content-Type", streamContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set(ConversationIDHeader, sess.convID)
	w.WriteHeader(http.StatusOK)

	if err := write(w, rc, sess.preamble); err != nil {
		return err
	}

	for {
		frag, err := sess.stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		sess.text.WriteString(frag)
		if err := write(w, rc, []byte(frag)); err != nil {
			return err
		}
	}
}

func write(w http.ResponseWriter, rc *http.ResponseController, p []byte) error {
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	return nil
}

// saveReply persists the assembled assistant text. The response has already
// been sent, so a failure is only logged.
func (h *Handler) saveReply(ctx context.Context, sess *relaySession) {
	reply := &models.Message{
		ConvID:  sess.convID,
		Role:    models.RoleAssistant,
		Content: sess.text.String(),
	}
	if err := h.db.SaveMessage(ctx, reply); err != nil {
		h.logger.Error("Failed to save assistant message",
			zap.String("conversation", sess.convID),
			zap.Error(err))
		return
	}
	h.logger.Debug("Saved assistant message",
		zap.String("conversation", sess.convID),
		zap.Int64("message", reply.ID),
		zap.Int("length", len(reply.Content)))
}
