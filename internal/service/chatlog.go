package service

import "github.com/mediflow-ai/chat-embed-gateway/internal/model"

// ChatLog is the in-memory entry list for the conversation a session is
// currently displaying. It is not safe for concurrent use on its own; the
// owning session serializes access, mirroring the single-writer discipline
// of the UI thread it replaces.
type ChatLog struct {
	entries []model.ChatEntry
}

// NewChatLog creates a log seeded with the given entries.
func NewChatLog(entries []model.ChatEntry) *ChatLog {
	return &ChatLog{entries: append([]model.ChatEntry(nil), entries...)}
}

// Entries returns a copy of the entry list.
func (l *ChatLog) Entries() []model.ChatEntry {
	return append([]model.ChatEntry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *ChatLog) Len() int {
	return len(l.entries)
}

// Append adds an entry at the end.
func (l *ChatLog) Append(e model.ChatEntry) {
	l.entries = append(l.entries, e)
}

// Replace swaps the whole list.
func (l *ChatLog) Replace(entries []model.ChatEntry) {
	l.entries = append([]model.ChatEntry(nil), entries...)
}

// Find returns a pointer to the entry with the given id, valid until the
// next structural mutation.
func (l *ChatLog) Find(id string) *model.ChatEntry {
	for i := range l.entries {
		if l.entries[i].ID == id {
			return &l.entries[i]
		}
	}
	return nil
}

// Remove deletes the entry with the given id, preserving order.
func (l *ChatLog) Remove(id string) {
	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// HasQuestion reports whether any non-answer entry exists, which is what
// locks the input form against edits.
func (l *ChatLog) HasQuestion() bool {
	for i := range l.entries {
		if !l.entries[i].IsAnswer {
			return true
		}
	}
	return false
}
