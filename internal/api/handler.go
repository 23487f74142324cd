package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/RichardoC/streamchat/internal/auth"
	"github.com/RichardoC/streamchat/internal/db"
	"github.com/RichardoC/streamchat/internal/llm"
	"github.com/RichardoC/streamchat/internal/models"
	"go.uber.org/zap"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Store is the persistence the handlers need.
type Store interface {
	CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// CompletionSource opens a streamed completion for a prompt.
type CompletionSource interface {
	OpenStream(ctx context.Context, prompt string) (llm.Stream, error)
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*models.User, error)
}

type Handler struct {
	db     Store
	llm    CompletionSource
	auth   Authenticator
	logger *zap.Logger
}

func NewHandler(store Store, source CompletionSource, authn Authenticator, logger *zap.Logger) *Handler {
	return &Handler{
		db:     store,
		llm:    source,
		auth:   authn,
		logger: logger,
	}
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// Routes returns the HTTP handler for the whole API. When staticDir is set,
// files under it are served at the root.
func (h *Handler) Routes(staticDir string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("POST /api/chat", h.authenticated(h.HandleChat))
	mux.Handle("GET /api/conversations", h.authenticated(h.GetConversations))
	mux.Handle("GET /api/conversations/{id}/messages", h.authenticated(h.GetMessages))
	mux.Handle("PUT /api/conversations/{id}", h.authenticated(h.UpdateConversation))
	mux.Handle("DELETE /api/conversations/{id}", h.authenticated(h.DeleteConversation))

	if staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(staticDir)))
	}

	return LoggingMiddleware(h.logger, mux)
}

type userHandlerFunc func(w http.ResponseWriter, r *http.Request, user *models.User)

// authenticated resolves the caller once and passes it on explicitly.
func (h *Handler) authenticated(next userHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.auth.Authenticate(r)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				h.writeError(w, r, errUnauthorized())
				return
			}
			h.writeError(w, r, errPersistence("Failed to resolve session", err))
			return
		}
		if user == nil {
			h.writeError(w, r, errUnauthorized())
			return
		}
		next(w, r, user)
	})
}

// ownedConversation loads id and checks it belongs to user. Conversations of
// other users are reported as not found.
func (h *Handler) ownedConversation(ctx context.Context, user *models.User, id string) (*models.Conversation, error) {
	conv, err := h.db.GetConversation(ctx, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && conv.UserID != user.ID) {
		return nil, errNotFound("Conversation not found")
	}
	if err != nil {
		return nil, errPersistence("Failed to load conversation", err)
	}
	return conv, nil
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request, user *models.User) {
	conversations, err := h.db.GetConversations(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, errPersistence("Failed to list conversations", err))
		return
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("user", user.ID))

	h.writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request, user *models.User) {
	conv, err := h.ownedConversation(r.Context(), user, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.db.GetMessages(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, r, errPersistence("Failed to list messages", err))
		return
	}

	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request, user *models.User) {
	var req UpdateConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, errBadRequest("Invalid request body", err))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		h.writeError(w, r, errBadRequest("Title must not be empty", nil))
		return
	}

	conv, err := h.ownedConversation(r.Context(), user, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.db.UpdateConversationTitle(r.Context(), conv.ID, title); err != nil {
		h.writeError(w, r, errPersistence("Failed to update conversation", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request, user *models.User) {
	conv, err := h.ownedConversation(r.Context(), user, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.db.DeleteConversation(r.Context(), conv.ID); err != nil {
		h.writeError(w, r, errPersistence("Failed to delete conversation", err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
