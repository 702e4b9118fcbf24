package session

import (
	"sync"
	"time"
)

// EntryKind classifies an [Entry].
type EntryKind int

const (
	EntryInfo EntryKind = iota
	EntryTranscription
	EntrySummary
	EntryError
	// EntryLoading is a placeholder shown while a server reply is pending.
	EntryLoading
)

// String returns the human-readable name of the kind.
func (k EntryKind) String() string {
	switch k {
	case EntryTranscription:
		return "transcription"
	case EntrySummary:
		return "summary"
	case EntryError:
		return "error"
	case EntryLoading:
		return "loading"
	default:
		return "info"
	}
}

// ParseEntryKind is the inverse of [EntryKind.String]. Unknown names map to
// EntryInfo.
func ParseEntryKind(s string) EntryKind {
	switch s {
	case "transcription":
		return EntryTranscription
	case "summary":
		return EntrySummary
	case "error":
		return EntryError
	case "loading":
		return EntryLoading
	default:
		return EntryInfo
	}
}

// MarshalText encodes the kind by name.
func (k EntryKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Entry is one line of the session log.
type Entry struct {
	ID   int       `json:"id"`
	Kind EntryKind `json:"kind"`
	At   time.Time `json:"at"`

	// Text is the display text: the translation, the summary, or the message.
	Text string `json:"text"`

	// OriginalText is the untranslated transcript, if any.
	OriginalText string `json:"original_text,omitempty"`
	IsEnglish    bool   `json:"is_english,omitempty"`

	// Resolved marks a loading placeholder whose reply has arrived.
	Resolved bool `json:"resolved,omitempty"`
}

// IsError reports whether the entry is an error entry.
func (e Entry) IsError() bool { return e.Kind == EntryError }

// Log is the append-only session event log. Entries are never removed while
// a session runs; resolving a placeholder only marks it. The log is cleared
// when a new session starts.
//
// Log is safe for concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int
}

// NewLog returns an empty log.
func NewLog() *Log { return &Log{} }

// Append adds e, assigning its ID and, if unset, its timestamp.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	e.ID = l.nextID
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.entries = append(l.entries, e)
	return e
}

// ResolveLoading marks every pending placeholder resolved and returns how
// many were resolved.
func (l *Log) ResolveLoading() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.entries {
		if l.entries[i].Kind == EntryLoading && !l.entries[i].Resolved {
			l.entries[i].Resolved = true
			n++
		}
	}
	return n
}

// Pending reports whether an unresolved placeholder exists.
func (l *Log) Pending() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Kind == EntryLoading && !e.Resolved {
			return true
		}
	}
	return false
}

// Entries returns a copy of the full history, including resolved placeholders.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// View returns the entries a presentation layer should render: everything
// except resolved placeholders.
func (l *Log) View() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Kind == EntryLoading && e.Resolved {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of entries, resolved placeholders included.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear empties the log. IDs keep increasing across sessions.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
