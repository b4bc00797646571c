package app

import (
	"context"
	"testing"
	"time"

	"github.com/99designs/keyring"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/auth"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider/email"
	"github.com/nhle/mailsync/internal/provider/gmail"
	"github.com/nhle/mailsync/internal/session"
	"github.com/nhle/mailsync/tests/testutil"
)

func newApp(t *testing.T, kind string) (*App, *credential.Store) {
	t.Helper()
	cfg := model.DefaultAppConfig()
	cfg.Provider.Kind = kind
	cfg.Provider.IMAP.Host = "imap.example.com"
	cfg.Provider.IMAP.Username = "me@example.com"
	creds := credential.NewStore(keyring.NewArrayKeyring(nil))
	return New(cfg, zerolog.Nop(), testutil.NewTestJournal(t), creds), creds
}

func TestConnect_IMAPNeedsStoredPassword(t *testing.T) {
	a, creds := newApp(t, model.ProviderIMAP)

	_, _, err := a.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, creds.Set(credential.IMAPPasswordKey("me@example.com"), "secret"))
	p, src, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &email.Client{}, p)
	assert.True(t, src.Current().Authenticated)
}

func TestConnect_GmailNeedsStoredToken(t *testing.T) {
	a, creds := newApp(t, model.ProviderGmail)

	_, _, err := a.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, creds.SaveToken(credential.GmailTokenKey, &oauth2.Token{
		AccessToken: "t",
		Expiry:      time.Now().Add(time.Hour),
	}))
	p, src, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &gmail.Client{}, p)
	assert.IsType(t, &auth.Manager{}, src)
}

func TestIMAPConfig_DefaultsSMTPHost(t *testing.T) {
	cfg := model.DefaultAppConfig().Provider.IMAP
	cfg.Host = "mail.example.com"
	cfg.Username = "me"

	c := IMAPConfig(cfg, "pw")
	assert.Equal(t, "mail.example.com", c.SMTPHost)
	assert.Equal(t, "465", c.SMTPPort)
	assert.Equal(t, "Junk", c.Mailboxes.Junk)
	assert.Equal(t, "pw", c.Password)
}

func newWatcher(t *testing.T) (*Watcher, *auth.Static, *testutil.FakeProvider) {
	t.Helper()
	a, _ := newApp(t, model.ProviderIMAP)
	fp := testutil.NewFakeProvider()
	src := auth.NewStatic(true)
	s := a.SessionFor(fp, src)
	t.Cleanup(s.Close)
	return NewWatcher(s, model.Selection{Folder: model.FolderInbox}, time.Minute, zerolog.Nop()), src, fp
}

func TestWatcher_KeepsListening(t *testing.T) {
	w, _, _ := newWatcher(t)

	res := &ingest.Result{Selection: model.Selection{Folder: model.FolderInbox}, Ingested: 3}
	_, cmd := w.Update(session.FetchResultMsg{Result: res})
	assert.NotNil(t, cmd)
	assert.Equal(t, 1, w.fetches)

	_, cmd = w.Update(session.FetchResultMsg{Result: &ingest.Result{Discarded: true}})
	assert.NotNil(t, cmd)
	assert.Equal(t, 1, w.fetches)
}

func TestWatcher_AuthExpiryPausesRefresh(t *testing.T) {
	w, _, fp := newWatcher(t)

	_, _ = w.Update(session.AuthExpiredMsg{})
	assert.True(t, w.authExpired)

	_, cmd := w.Update(refreshTickMsg{})
	assert.NotNil(t, cmd)
	assert.Zero(t, fp.CountCalls("list"))
}

func TestWatcher_RefreshTickRefetches(t *testing.T) {
	w, _, fp := newWatcher(t)
	fp.SetList("in:inbox")

	w.Init()
	require.Eventually(t, func() bool { return fp.CountCalls("list:in:inbox") == 1 }, time.Second, 5*time.Millisecond)

	_, _ = w.Update(refreshTickMsg{})
	require.Eventually(t, func() bool { return fp.CountCalls("list:in:inbox") == 2 }, time.Second, 5*time.Millisecond)
}

func TestWatcher_QuitsWhenSessionCloses(t *testing.T) {
	w, _, _ := newWatcher(t)

	_, cmd := w.Update(session.ClosedMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
