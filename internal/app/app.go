// Package app wires the engine together from configuration: logging, the
// activity journal, the credential store, the configured provider and the
// mailbox session.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/auth"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/journal"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/email"
	"github.com/nhle/mailsync/internal/provider/gmail"
	"github.com/nhle/mailsync/internal/session"
)

// ErrNotLoggedIn is returned when no credential is stored for the
// configured provider.
var ErrNotLoggedIn = errors.New("not logged in, run `mailsync login`")

// App holds the process-wide dependencies.
type App struct {
	Config  *model.AppConfig
	Logger  zerolog.Logger
	Journal journal.Recorder

	creds   *credential.Store
	closers []func() error
}

// Open loads the configuration at path and opens the journal. The system
// keyring is opened on first use.
func Open(path string) (*App, error) {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}

	a := New(cfg, logger, j, nil)
	a.closers = append(a.closers, j.Close)
	return a, nil
}

// New assembles an App from parts. A nil creds opens the system keyring
// lazily.
func New(cfg *model.AppConfig, logger zerolog.Logger, rec journal.Recorder, creds *credential.Store) *App {
	if rec == nil {
		rec = journal.Nop{}
	}
	return &App{Config: cfg, Logger: logger, Journal: rec, creds: creds}
}

// Close releases what Open acquired.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Credentials returns the credential store.
func (a *App) Credentials() (*credential.Store, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	s, err := credential.Open()
	if err != nil {
		return nil, err
	}
	a.creds = s
	return s, nil
}

// Session connects to the configured provider and returns a session
// ready for Select.
func (a *App) Session(ctx context.Context) (*session.Session, error) {
	p, src, err := a.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return a.SessionFor(p, src), nil
}

// SessionFor returns a session over an already connected provider.
func (a *App) SessionFor(p provider.Provider, src auth.Source) *session.Session {
	return session.New(p, src, session.Options{
		Sync:    a.Config.Sync,
		Compose: a.Config.Compose,
		Journal: a.Journal,
		Logger:  a.Logger,
	})
}

// Connect builds the configured provider and its auth source.
func (a *App) Connect(ctx context.Context) (provider.Provider, auth.Source, error) {
	switch a.Config.Provider.Kind {
	case model.ProviderGmail:
		return a.connectGmail(ctx)
	case model.ProviderIMAP:
		return a.connectIMAP()
	default:
		return nil, nil, fmt.Errorf("unknown provider kind %q", a.Config.Provider.Kind)
	}
}

// GmailManager returns the OAuth manager for the configured Gmail client,
// with any stored token loaded.
func (a *App) GmailManager() (*auth.Manager, error) {
	creds, err := a.Credentials()
	if err != nil {
		return nil, err
	}
	g := a.Config.Provider.Gmail
	m := auth.NewManager(gmail.OAuthConfig(g.ClientID, g.ClientSecret, g.RedirectURL), creds, a.Logger)
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *App) connectGmail(ctx context.Context) (provider.Provider, auth.Source, error) {
	m, err := a.GmailManager()
	if err != nil {
		return nil, nil, err
	}
	if !m.Current().Authenticated {
		return nil, nil, ErrNotLoggedIn
	}

	c, err := gmail.New(ctx, m.TokenSource(ctx), a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return c, m, nil
}

func (a *App) connectIMAP() (provider.Provider, auth.Source, error) {
	creds, err := a.Credentials()
	if err != nil {
		return nil, nil, err
	}

	cfg := a.Config.Provider.IMAP
	password, err := creds.Get(credential.IMAPPasswordKey(cfg.Username))
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, nil, ErrNotLoggedIn
		}
		return nil, nil, err
	}

	return email.New(IMAPConfig(cfg, password), a.Logger), auth.NewStatic(true), nil
}

// IMAPConfig converts the file configuration into the client's.
func IMAPConfig(cfg model.IMAPConfig, password string) email.Config {
	smtpHost := cfg.SMTPHost
	if smtpHost == "" {
		smtpHost = cfg.Host
	}
	return email.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		SMTPHost: smtpHost,
		SMTPPort: cfg.SMTPPort,
		Username: cfg.Username,
		Password: password,
		TLS:      cfg.TLS,
		Mailboxes: email.Mailboxes{
			Inbox:   cfg.Mailboxes.Inbox,
			Sent:    cfg.Mailboxes.Sent,
			Drafts:  cfg.Mailboxes.Drafts,
			Trash:   cfg.Mailboxes.Trash,
			Archive: cfg.Mailboxes.Archive,
			Junk:    cfg.Mailboxes.Junk,
		},
	}
}
