// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session. Use
// Session to script inbound events and inspect outbound frames.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start the component under test ...
//	sess.Emit(live.Event{Kind: live.EventOpen})
//	sess.Emit(live.Event{Kind: live.EventOutputTranscript, Text: "Hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, a new Session is created.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the
	// context is cancelled.
	Block chan struct{}

	// AutoOpen emits EventOpen on the session as soon as Connect returns.
	AutoOpen bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	if p.AutoOpen {
		p.Session.Emit(live.Event{Kind: live.EventOpen})
	}
	return p.Session, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Session is a mock implementation of live.Session.
type Session struct {
	mu sync.Mutex

	// SendErrs is consumed one entry per Send call; a nil entry or an
	// exhausted slice means success.
	SendErrs []error

	// SendErr, if non-nil, is returned by every Send once SendErrs is empty.
	SendErr error

	sent       []audio.Blob
	sendCalls  int
	events     chan live.Event
	closed     bool
	closeCalls int
	notify     chan struct{}
}

// NewSession returns a Session with a generously buffered event stream.
func NewSession() *Session {
	return &Session{
		events: make(chan live.Event, 256),
		notify: make(chan struct{}, 1),
	}
}

// Send records blob or returns the scripted error.
func (s *Session) Send(blob audio.Blob) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}()
	s.sendCalls++
	if s.closed {
		return live.ErrClosed
	}
	if len(s.SendErrs) > 0 {
		err := s.SendErrs[0]
		s.SendErrs = s.SendErrs[1:]
		if err != nil {
			return err
		}
	} else if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, blob)
	return nil
}

// Sent returns a copy of every successfully sent blob.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.sent...)
}

// SendCalls returns how many times Send was called, including failures.
func (s *Session) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// SendNotify is signalled (non-blocking, coalesced) after every Send call.
func (s *Session) SendNotify() <-chan struct{} { return s.notify }

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// Emit delivers ev to the event stream. Events emitted after Close are
// dropped. An EventClosed also closes the stream.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
	if ev.Kind == live.EventClosed {
		s.closed = true
		close(s.events)
	}
}

// Close implements live.Session. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the session has been closed by either side.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)
