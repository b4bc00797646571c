package app

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/session"
)

// DefaultWatchInterval is how often Watch refetches the selection.
const DefaultWatchInterval = 120 * time.Second

// refreshTickMsg is sent when the refresh interval elapses.
type refreshTickMsg struct{}

// Watcher is a headless Bubble Tea model that keeps a selection fresh and
// logs what the session reports. It renders nothing.
type Watcher struct {
	session   *session.Session
	selection model.Selection
	interval  time.Duration
	log       zerolog.Logger

	fetches     int
	authExpired bool
	lastErr     error
}

// NewWatcher returns a Watcher for sel. A non-positive interval uses
// DefaultWatchInterval.
func NewWatcher(s *session.Session, sel model.Selection, interval time.Duration, logger zerolog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watcher{session: s, selection: sel, interval: interval, log: logger}
}

// Init issues the first fetch and starts listening for session events.
func (w *Watcher) Init() tea.Cmd {
	if err := w.session.Select(w.selection); err != nil {
		w.lastErr = err
		w.log.Warn().Err(err).Msg("initial fetch not started")
	}
	return tea.Batch(w.session.WaitForEvent(), w.tick())
}

func (w *Watcher) tick() tea.Cmd {
	return tea.Tick(w.interval, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

// Update handles session events and refresh ticks.
func (w *Watcher) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case session.FetchResultMsg:
		w.lastErr = msg.Err
		switch {
		case msg.Err != nil:
			w.log.Error().Err(msg.Err).Msg("fetch failed")
		case msg.Result.Discarded:
			w.log.Debug().Str("query", msg.Result.Query).Msg("superseded fetch discarded")
		default:
			w.fetches++
			w.authExpired = false
			stats := w.session.Store().Stats()
			w.log.Info().
				Str("folder", string(msg.Result.Selection.Folder)).
				Int("messages", msg.Result.Ingested).
				Int("skipped", msg.Result.Failed).
				Int("unread", stats.UnreadCount).
				Int("drafts", stats.DraftCount).
				Msg("mailbox refreshed")
		}
		return w, w.session.WaitForEvent()

	case session.AuthExpiredMsg:
		w.authExpired = true
		w.log.Warn().Err(msg.Err).Msg("credential rejected, waiting for re-authentication")
		return w, w.session.WaitForEvent()

	case session.DraftSavedMsg:
		return w, w.session.WaitForEvent()

	case session.MutationResultMsg:
		return w, nil

	case session.ClosedMsg:
		w.log.Info().Msg("session closed")
		return w, tea.Quit

	case refreshTickMsg:
		if !w.authExpired {
			if err := w.session.Refresh(); err != nil {
				w.log.Debug().Err(err).Msg("refresh skipped")
			}
		}
		return w, w.tick()
	}
	return w, nil
}

// View renders nothing; the watcher only logs.
func (w *Watcher) View() string {
	return ""
}

// Watch runs the watcher until ctx ends or the session closes. The session
// follows its auth source for the duration.
func (a *App) Watch(ctx context.Context, s *session.Session, sel model.Selection, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Debug().Err(err).Msg("session stopped")
		}
	}()

	p := tea.NewProgram(
		NewWatcher(s, sel, interval, a.Logger),
		tea.WithContext(ctx),
		tea.WithInput(nil),
		tea.WithoutRenderer(),
		tea.WithoutSignalHandler(),
	)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
