package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/RichardoC/streamchat/internal/db"
	"github.com/RichardoC/streamchat/internal/llm"
	"github.com/RichardoC/streamchat/internal/models"
)

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      []models.Message
	nextConv      int

	createErr error
	getErr    error
	saveErr   func(msg *models.Message) error
}

func newMemStore() *memStore {
	return &memStore{conversations: make(map[string]*models.Conversation)}
}

func (s *memStore) CreateConversation(_ context.Context, userID, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextConv++
	conv := &models.Conversation{
		ID:        fmt.Sprintf("c%d", s.nextConv),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

// addConversation seeds a conversation without counting as a relay write.
func (s *memStore) addConversation(id, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = &models.Conversation{ID: id, UserID: userID, Title: id}
}

func (s *memStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	conv, ok := s.conversations[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (s *memStore) GetConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) UpdateConversationTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return db.ErrNotFound
	}
	conv.Title = title
	return nil
}

func (s *memStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	return nil
}

func (s *memStore) SaveMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		if err := s.saveErr(msg); err != nil {
			return err
		}
	}
	msg.ID = int64(len(s.messages) + 1)
	msg.CreatedAt = time.Now()
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *memStore) GetMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConvID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) counts() (conversations, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations), len(s.messages)
}

func (s *memStore) allMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// scriptedSource replays frags, then ends with midErr (or io.EOF). With
// block set, the stream waits for its context instead of ending.
type scriptedSource struct {
	frags   []string
	openErr error
	midErr  error
	block   bool

	// onOpen runs before the stream is returned, for asserting store state.
	onOpen func()
	closed chan struct{}

	mu      sync.Mutex
	prompts []string
}

func (s *scriptedSource) OpenStream(ctx context.Context, prompt string) (llm.Stream, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if s.onOpen != nil {
		s.onOpen()
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &scriptedStream{ctx: ctx, src: s}, nil
}

func (s *scriptedSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type scriptedStream struct {
	ctx  context.Context
	src  *scriptedSource
	next int
	once sync.Once
}

func (st *scriptedStream) Recv() (string, error) {
	if st.next < len(st.src.frags) {
		frag := st.src.frags[st.next]
		st.next++
		return frag, nil
	}
	if st.src.block {
		<-st.ctx.Done()
		return "", st.ctx.Err()
	}
	if st.src.midErr != nil {
		return "", st.src.midErr
	}
	return "", io.EOF
}

func (st *scriptedStream) Close() error {
	st.once.Do(func() {
		if st.src.closed != nil {
			close(st.src.closed)
		}
	})
	return nil
}

type staticAuth struct {
	user *models.User
	err  error
}

func (a staticAuth) Authenticate(*http.Request) (*models.User, error) {
	return a.user, a.err
}
