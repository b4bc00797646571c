// Package session ties the mailbox engine together for one signed-in
// account. A Session owns the store, the ingestor, the mutators and the
// composition controller, follows the auth source, and reports what
// happens in the background as Bubble Tea messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/auth"
	"github.com/nhle/mailsync/internal/clock"
	"github.com/nhle/mailsync/internal/compose"
	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/journal"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/mutate"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// ErrUnauthenticated is returned when an operation is attempted while the
// auth source reports no valid credential.
var ErrUnauthenticated = errors.New("session is not authenticated")

// FetchResultMsg is a tea.Msg sent when a selection fetch completes.
type FetchResultMsg struct {
	Result *ingest.Result
	Err    error
}

// AuthExpiredMsg is a tea.Msg sent when the credential is rejected or
// withdrawn. Fetching pauses until the auth source authenticates again.
type AuthExpiredMsg struct {
	Err error
}

// DraftSavedMsg is a tea.Msg sent after every autosave attempt.
type DraftSavedMsg struct {
	Event compose.SaveEvent
}

// MutationResultMsg is a tea.Msg sent when a flag or label change
// started with Mutate completes.
type MutationResultMsg struct {
	Op  string
	ID  string
	Err error
}

// ClosedMsg is the last tea.Msg of a session.
type ClosedMsg struct{}

// eventBuffer bounds the number of undelivered events.
const eventBuffer = 64

// Options configures a Session.
type Options struct {
	Sync    model.SyncConfig
	Compose model.ComposeConfig
	Clock   clock.Clock
	Journal journal.Recorder
	Logger  zerolog.Logger
}

// Session is one authenticated mailbox session.
type Session struct {
	provider provider.Provider
	auth     auth.Source
	log      zerolog.Logger

	store    *store.Store
	ingestor *ingest.Ingestor

	// Flags, Labels and Compose operate on the session's store.
	Flags   *mutate.Flags
	Labels  *mutate.Labels
	Compose *compose.Controller

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	updates     <-chan auth.Credentials
	unsubscribe func()

	mu            sync.Mutex
	events        chan tea.Msg
	closing       bool
	closed        bool
	authenticated bool
	selection     *model.Selection
}

// New creates a Session and subscribes it to a. It does not fetch
// anything until Select.
func New(p provider.Provider, a auth.Source, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	st := store.New()
	updates, unsubscribe := a.Subscribe()

	s := &Session{
		provider:      p,
		auth:          a,
		log:           opts.Logger,
		store:         st,
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan tea.Msg, eventBuffer),
		updates:       updates,
		unsubscribe:   unsubscribe,
		authenticated: a.Current().Authenticated,
	}

	mopts := mutate.Options{Journal: opts.Journal, Logger: opts.Logger}
	s.ingestor = ingest.New(p, st, ingest.Options{
		PageSize:    opts.Sync.PageSize,
		Concurrency: opts.Sync.FetchConcurrency,
		Timeout:     opts.Sync.FetchTimeout(),
		Journal:     opts.Journal,
		Logger:      opts.Logger,
	})
	s.Flags = mutate.NewFlags(p, st, mopts)
	s.Labels = mutate.NewLabels(p, st, mopts)
	s.Compose = compose.New(p, compose.Options{
		AutosaveDelay:  opts.Compose.AutosaveDelay(),
		SavedIndicator: opts.Compose.SavedIndicator(),
		Clock:          opts.Clock,
		Store:          st,
		Journal:        opts.Journal,
		Logger:         opts.Logger,
		OnSave:         s.onSave,
	})
	return s
}

// Store returns the session's mailbox store.
func (s *Session) Store() *store.Store {
	return s.store
}

// Select makes sel the current selection and fetches it in the
// background. The result arrives as a FetchResultMsg; a result that a
// later Select superseded is marked Discarded and never reaches the
// store.
func (s *Session) Select(sel model.Selection) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	c := sel.Clone()
	s.selection = &c
	if !s.authenticated {
		s.mu.Unlock()
		return ErrUnauthenticated
	}

	// Issue under the lock so concurrent Selects keep their call order.
	run := s.ingestor.Issue(sel)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.fetch(run)
	}()
	return nil
}

// Refresh fetches the current selection again.
func (s *Session) Refresh() error {
	s.mu.Lock()
	sel := s.selection
	s.mu.Unlock()

	if sel == nil {
		return fmt.Errorf("refresh: no selection")
	}
	return s.Select(*sel)
}

func (s *Session) fetch(run func(context.Context) (*ingest.Result, error)) {
	res, err := run(s.ctx)
	if err != nil {
		if s.guard(err) {
			return
		}
		s.emit(FetchResultMsg{Result: res, Err: err})
		return
	}

	if !res.Discarded {
		if err := s.ingestor.RefreshStats(s.ctx); err != nil {
			s.log.Debug().Err(err).Msg("stats refresh failed")
			s.guard(err)
		}
	}
	s.emit(FetchResultMsg{Result: res})
}

// Open loads the message with id into the store, whether or not it is
// part of the current selection.
func (s *Session) Open(ctx context.Context, id string) (model.Email, error) {
	if s.isClosed() {
		return model.Email{}, ErrClosed
	}
	e, err := s.ingestor.Lookup(ctx, id)
	if err != nil {
		s.guard(err)
		return model.Email{}, err
	}
	return e, nil
}

// Mutate runs fn for id in the background and reports the outcome as a
// MutationResultMsg. Flags and Labels methods fit fn directly:
//
//	cmd := s.Mutate("star", id, s.Flags.ToggleStarred)
func (s *Session) Mutate(op, id string, fn func(ctx context.Context, id string) error) tea.Cmd {
	return func() tea.Msg {
		if s.isClosed() {
			return MutationResultMsg{Op: op, ID: id, Err: ErrClosed}
		}
		err := fn(s.ctx, id)
		if err != nil && s.guard(err) {
			return AuthExpiredMsg{Err: err}
		}
		return MutationResultMsg{Op: op, ID: id, Err: err}
	}
}

// Send sends the open composition and reports auth failures to the auth
// source.
func (s *Session) Send(ctx context.Context) error {
	err := s.Compose.Send(ctx)
	if err != nil {
		s.guard(err)
	}
	return err
}

// Run follows the auth source until ctx ends, the session is closed or
// the user signs out. Regaining authentication fetches the current
// selection again; signing out closes the session.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case c, ok := <-s.updates:
			if !ok {
				return nil
			}
			if c.SignedOut {
				s.log.Info().Msg("signed out, closing session")
				s.Close()
				return nil
			}
			s.onAuth(c)
		}
	}
}

func (s *Session) onAuth(c auth.Credentials) {
	s.mu.Lock()
	was := s.authenticated
	s.authenticated = c.Authenticated
	sel := s.selection
	s.mu.Unlock()

	switch {
	case was && !c.Authenticated:
		s.emit(AuthExpiredMsg{})
	case !was && c.Authenticated && sel != nil:
		s.log.Info().Str("folder", string(sel.Folder)).Msg("re-authenticated, refetching")
		if err := s.Select(*sel); err != nil {
			s.log.Debug().Err(err).Msg("refetch skipped")
		}
	}
}

// guard reports auth errors to the auth source. It returns true when err
// was one.
func (s *Session) guard(err error) bool {
	if !provider.IsAuthError(err) {
		return false
	}

	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()

	s.auth.ReportExpired()
	s.emit(AuthExpiredMsg{Err: err})
	return true
}

func (s *Session) onSave(ev compose.SaveEvent) {
	if ev.Err != nil {
		s.guard(ev.Err)
	}
	s.emit(DraftSavedMsg{Event: ev})
}

// emit sends msg without blocking; events are dropped when nobody reads
// them.
func (s *Session) emit(msg tea.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.events <- msg:
	default:
		s.log.Debug().Str("event", fmt.Sprintf("%T", msg)).Msg("event dropped")
	}
}

// WaitForEvent returns a tea.Cmd that waits for the next background
// event. Call it again after handling each event to keep listening.
func (s *Session) WaitForEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-s.events
		if !ok {
			return ClosedMsg{}
		}
		return msg
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Close tears the session down: in-flight fetches are cancelled, the
// composition is closed without saving and the store is cleared.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.unsubscribe()
	s.Compose.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.store.Reset()
}
