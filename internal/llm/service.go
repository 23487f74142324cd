package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/RichardoC/streamchat/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Stream yields completion fragments in order. Recv returns io.EOF once the
// upstream has finished; any other error means the completion failed.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// DefaultOpenAIBaseURL is the OpenAI-compatible endpoint of a local Ollama.
const DefaultOpenAIBaseURL = "http://localhost:11434/v1/"

type Service struct {
	llm          llms.Model
	systemPrompt string
}

// New creates a Service for the configured provider.
func New(cfg config.LLMConfig) (*Service, error) {
	var model llms.Model
	var err error

	switch strings.ToLower(cfg.Provider) {
	case config.ProviderOpenAI:
		token := cfg.APIKey
		if token == "" {
			// Local OpenAI-compatible servers ignore the token but the client requires one.
			token = "unused"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOpenAIBaseURL
		}
		model, err = openai.New(
			openai.WithToken(token),
			openai.WithBaseURL(baseURL),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderOllama:
		// Without a server URL the client uses OLLAMA_HOST, then 127.0.0.1:11434.
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return NewWithModel(model, cfg.SystemPrompt), nil
}

// NewWithModel wraps an already constructed langchaingo model.
func NewWithModel(model llms.Model, systemPrompt string) *Service {
	return &Service{llm: model, systemPrompt: systemPrompt}
}

func (s *Service) messages(prompt string) []llms.MessageContent {
	var messages []llms.MessageContent
	if s.systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt))
	}
	return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
}

// OpenStream starts a streamed completion for prompt. It returns once the
// first fragment has arrived or the upstream call has ended; an upstream
// failure before any fragment is returned here rather than from Recv.
//
// Fragments are handed over an unbuffered channel, so the upstream call only
// advances as fast as the caller reads. Cancelling ctx or calling Close stops it.
func (s *Service) OpenStream(ctx context.Context, prompt string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	st := &stream{
		frags:  make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go st.run(ctx, s.llm, s.messages(prompt))

	select {
	case frag := <-st.frags:
		st.pending, st.hasPending = frag, true
		return st, nil
	case <-st.done:
		if st.err != nil {
			cancel()
			return nil, fmt.Errorf("open stream: %w", st.err)
		}
		return st, nil
	}
}

type stream struct {
	frags  chan string
	done   chan struct{}
	cancel context.CancelFunc

	// err is written by run before done is closed.
	err error

	pending    string
	hasPending bool
}

func (st *stream) run(ctx context.Context, model llms.Model, messages []llms.MessageContent) {
	defer close(st.done)

	send := func(ctx context.Context, frag string) error {
		select {
		case st.frags <- frag:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	streamed := false
	resp, err := model.GenerateContent(ctx, messages,
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed = true
			return send(ctx, string(chunk))
		}))
	if err != nil {
		st.err = err
		return
	}

	// Some backends answer without invoking the streaming callback.
	if !streamed && resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		st.err = send(ctx, resp.Choices[0].Content)
	}
}

func (st *stream) Recv() (string, error) {
	if st.hasPending {
		st.hasPending = false
		return st.pending, nil
	}
	select {
	case frag := <-st.frags:
		return frag, nil
	case <-st.done:
		if st.err != nil {
			return "", st.err
		}
		return "", io.EOF
	}
}

// Close cancels the upstream call and waits for it to return.
func (st *stream) Close() error {
	st.cancel()
	<-st.done
	return nil
}
