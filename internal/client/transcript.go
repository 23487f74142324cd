package client

import (
	"sync"

	"github.com/RichardoC/streamchat/internal/models"
)

// Entry is one displayed message.
type Entry struct {
	Role    models.Role
	Content string
}

// Transcript is the displayed message list. It changes only through Append,
// ReplaceLast and Reset, so a renderer can read it while a reply streams in.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
}

func (t *Transcript) Append(role models.Role, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Entry{Role: role, Content: content})
}

// ReplaceLast overwrites the content of the newest entry. It reports false
// when the transcript is empty.
func (t *Transcript) ReplaceLast(content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 {
		return false
	}
	t.entries[len(t.entries)-1].Content = content
	return true
}

// Reset replaces the whole transcript, e.g. after loading a conversation.
func (t *Transcript) Reset(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append([]Entry(nil), entries...)
}

// Messages returns a copy of the entries.
func (t *Transcript) Messages() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Last returns the newest entry.
func (t *Transcript) Last() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}
