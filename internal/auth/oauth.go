package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/provider"
)

// ErrUnauthenticated is returned by a token source while no usable token
// is held. It is a provider.AuthError so API clients surface it as an
// expired credential.
var ErrUnauthenticated error = &provider.AuthError{Provider: "gmail", Message: "not authenticated"}

// Manager holds the OAuth token of the Gmail account. Tokens live in the
// credential store and refreshed tokens are written back to it.
type Manager struct {
	hub

	cfg   *oauth2.Config
	store *credential.Store
	key   string
	log   zerolog.Logger

	mu      sync.Mutex
	tok     *oauth2.Token
	expired bool
}

// NewManager returns a Manager with no token. Call Load to pick up a
// stored one.
func NewManager(cfg *oauth2.Config, store *credential.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:   cfg,
		store: store,
		key:   credential.GmailTokenKey,
		log:   logger,
	}
}

// Load reads the stored token. A missing token leaves the manager
// unauthenticated without error.
func (m *Manager) Load() error {
	tok, err := m.store.Token(m.key)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	m.tok = tok
	m.expired = false
	m.mu.Unlock()

	m.publish(m.Current())
	return nil
}

// AuthCodeURL returns the consent page URL. Offline access is requested
// so the token can be refreshed without the user.
func (m *Manager) AuthCodeURL(state string) string {
	return m.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token, stores it and
// signals subscribers.
func (m *Manager) Exchange(ctx context.Context, code string) error {
	tok, err := m.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	return m.setToken(tok)
}

// setToken adopts tok even when it cannot be stored; the error only
// means the next process start will need a new consent.
func (m *Manager) setToken(tok *oauth2.Token) error {
	m.mu.Lock()
	m.tok = tok
	m.expired = false
	m.mu.Unlock()

	m.publish(m.Current())
	return m.store.SaveToken(m.key, tok)
}

// Current implements Source.
func (m *Manager) Current() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tok == nil || m.expired {
		return Credentials{}
	}
	return Credentials{Authenticated: true, AccessToken: m.tok.AccessToken}
}

// Subscribe implements Source.
func (m *Manager) Subscribe() (<-chan Credentials, func()) {
	return m.subscribe()
}

// ReportExpired implements Source. The stored token is kept: its refresh
// token may still work once the user re-consents or the clock is fixed.
func (m *Manager) ReportExpired() {
	m.mu.Lock()
	if m.tok == nil || m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true
	m.mu.Unlock()

	m.log.Warn().Msg("gmail credential rejected, re-authentication required")
	m.publish(Credentials{})
}

// SignOut forgets the token and ends the session.
func (m *Manager) SignOut() error {
	m.mu.Lock()
	m.tok = nil
	m.expired = false
	m.mu.Unlock()

	err := m.store.Delete(m.key)
	m.publish(Credentials{SignedOut: true})
	return err
}

// TokenSource returns the source the Gmail client authenticates with. It
// refreshes expired tokens through the OAuth endpoint and persists the
// result. A refresh the endpoint rejects marks the manager expired.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &persistingSource{m: m, ctx: ctx}
}

type persistingSource struct {
	m   *Manager
	ctx context.Context
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	m := s.m

	m.mu.Lock()
	tok, expired := m.tok, m.expired
	m.mu.Unlock()

	if tok == nil || expired {
		return nil, ErrUnauthenticated
	}
	if tok.Valid() {
		return tok, nil
	}

	fresh, err := m.cfg.TokenSource(s.ctx, tok).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			m.ReportExpired()
		}
		return nil, err
	}

	if fresh.AccessToken != tok.AccessToken {
		m.log.Debug().Time("expiry", fresh.Expiry).Msg("gmail token refreshed")
		if err := m.setToken(fresh); err != nil {
			m.log.Warn().Err(err).Msg("storing refreshed token failed")
		}
	}
	return fresh, nil
}
