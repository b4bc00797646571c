// Package auth supplies the mailbox session with its credential and with
// the authenticated signal that starts, pauses and ends it.
package auth

import (
	"sync"
)

// Credentials is the authentication state observed by a session.
type Credentials struct {
	Authenticated bool
	AccessToken   string

	// SignedOut is set when the user ended the session, as opposed to the
	// provider rejecting the credential.
	SignedOut bool
}

// Source is the authentication collaborator of a mailbox session.
type Source interface {
	// Current returns the latest credentials.
	Current() Credentials

	// Subscribe returns a channel receiving every change and a function
	// that ends the subscription. A slow subscriber only sees the latest
	// state.
	Subscribe() (<-chan Credentials, func())

	// ReportExpired tells the source the provider rejected its credential.
	ReportExpired()
}

// hub fans credential changes out to subscribers.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Credentials
}

func (h *hub) subscribe() (<-chan Credentials, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[int]chan Credentials)
	}
	id := h.next
	h.next++
	ch := make(chan Credentials, 1)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// publish replaces whatever value a subscriber has not read yet.
func (h *hub) publish(c Credentials) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- c
	}
}

// Static is a Source for providers that authenticate with a stored
// password. It stays authenticated until the provider rejects the
// password or Set changes it.
type Static struct {
	hub

	mu    sync.Mutex
	creds Credentials
}

// NewStatic returns a Static source.
func NewStatic(authenticated bool) *Static {
	return &Static{creds: Credentials{Authenticated: authenticated}}
}

// Current implements Source.
func (s *Static) Current() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Subscribe implements Source.
func (s *Static) Subscribe() (<-chan Credentials, func()) {
	return s.subscribe()
}

// ReportExpired implements Source.
func (s *Static) ReportExpired() {
	s.Set(false)
}

// Set changes the authenticated state and notifies subscribers when it
// differs from the current one.
func (s *Static) Set(authenticated bool) {
	s.mu.Lock()
	if s.creds.Authenticated == authenticated {
		s.mu.Unlock()
		return
	}
	s.creds = Credentials{Authenticated: authenticated}
	c := s.creds
	s.mu.Unlock()

	s.publish(c)
}

// SignOut ends the session.
func (s *Static) SignOut() {
	s.mu.Lock()
	s.creds = Credentials{SignedOut: true}
	s.mu.Unlock()

	s.publish(Credentials{SignedOut: true})
}
