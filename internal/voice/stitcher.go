package voice

import (
	"sync"

	"github.com/google/uuid"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Entry is one transcript message. An entry that is not Final may still grow.
type Entry struct {
	ID    string
	Role  Role
	Text  string
	Final bool
}

// Stitcher accumulates streamed transcript deltas into stable entries. At
// most one entry per role is open at a time; a turn boundary closes them all.
// Safe for concurrent use.
type Stitcher struct {
	mu        sync.Mutex
	entries   []Entry
	open      map[Role]int
	listeners []func(Entry)
}

// NewStitcher returns an empty Stitcher.
func NewStitcher() *Stitcher {
	return &Stitcher{open: make(map[Role]int)}
}

// OnUpdate registers fn to receive every new or changed entry, in order.
// fn runs on the caller's goroutine and must not call back into the Stitcher.
func (s *Stitcher) OnUpdate(fn func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Append adds delta to the open entry for role, or opens a new entry
// starting with delta. An empty delta with no open entry is ignored and the
// zero Entry is returned.
func (s *Stitcher) Append(role Role, delta string) Entry {
	s.mu.Lock()
	idx, ok := s.open[role]
	switch {
	case ok:
		s.entries[idx].Text += delta
	case delta == "":
		s.mu.Unlock()
		return Entry{}
	default:
		idx = len(s.entries)
		s.entries = append(s.entries, Entry{ID: uuid.NewString(), Role: role, Text: delta})
		s.open[role] = idx
	}
	e := s.entries[idx]
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
	return e
}

// TurnComplete marks every open entry final and returns them in transcript
// order. The next delta for any role opens a fresh entry.
func (s *Stitcher) TurnComplete() []Entry {
	s.mu.Lock()
	var closed []Entry
	for i := range s.entries {
		e := &s.entries[i]
		if idx, ok := s.open[e.Role]; ok && idx == i {
			e.Final = true
			closed = append(closed, *e)
		}
	}
	clear(s.open)
	listeners := s.listeners
	s.mu.Unlock()

	for _, e := range closed {
		for _, fn := range listeners {
			fn(e)
		}
	}
	return closed
}

// AddSystem appends a final system entry. Open entries stay open.
func (s *Stitcher) AddSystem(text string) Entry {
	s.mu.Lock()
	e := Entry{ID: uuid.NewString(), Role: RoleSystem, Text: text, Final: true}
	s.entries = append(s.entries, e)
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
	return e
}

// Entries returns a snapshot of the transcript.
func (s *Stitcher) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
