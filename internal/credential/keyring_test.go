package credential

import (
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newStore() *Store {
	return NewStore(keyring.NewArrayKeyring(nil))
}

func TestStore_SetGetDelete(t *testing.T) {
	s := newStore()

	require.NoError(t, s.Set(IMAPPasswordKey("me@example.com"), "hunter2"))

	got, err := s.Get("imap-password:me@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	require.NoError(t, s.Delete(IMAPPasswordKey("me@example.com")))
	_, err = s.Get(IMAPPasswordKey("me@example.com"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteMissingIsNoop(t *testing.T) {
	assert.NoError(t, newStore().Delete("absent"))
}

func TestStore_TokenRoundTrip(t *testing.T) {
	s := newStore()
	expiry := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveToken(GmailTokenKey, &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       expiry,
	}))

	tok, err := s.Token(GmailTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "access", tok.AccessToken)
	assert.Equal(t, "refresh", tok.RefreshToken)
	assert.True(t, tok.Expiry.Equal(expiry))
}

func TestStore_TokenMissing(t *testing.T) {
	_, err := newStore().Token(GmailTokenKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_TokenCorrupt(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Set(GmailTokenKey, "{not json"))

	_, err := s.Token(GmailTokenKey)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
