package compose

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

const delay = 3 * time.Second

type fixture struct {
	fp    *testutil.FakeProvider
	clock *testutil.FakeClock
	store *store.Store
	c     *Controller

	mu    sync.Mutex
	saves []SaveEvent
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fp:    testutil.NewFakeProvider(),
		clock: testutil.NewFakeClock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)),
		store: store.New(),
	}
	f.c = New(f.fp, Options{
		AutosaveDelay:  delay,
		SavedIndicator: 2 * time.Second,
		Clock:          f.clock,
		Store:          f.store,
		Logger:         zerolog.Nop(),
		OnSave: func(ev SaveEvent) {
			f.mu.Lock()
			f.saves = append(f.saves, ev)
			f.mu.Unlock()
		},
	})
	return f
}

func (f *fixture) saveEvents() []SaveEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SaveEvent(nil), f.saves...)
}

func source() model.Email {
	return model.Email{
		ID:       "src-1",
		ThreadID: "t-1",
		From:     model.Participant{Name: "Jane Doe", Email: "jane@x.com"},
		To:       []model.Participant{{Email: "bob@x.com"}},
		Subject:  "Hello",
		BodyHTML: `<p>Original <script>x()</script>text</p>`,
		Date:     time.Date(2024, 5, 31, 15, 4, 0, 0, time.UTC),
		Labels:   model.NewLabelSet(),
	}
}

func TestOpen_ReplyPrefill(t *testing.T) {
	f := setup(t)
	src := source()

	require.NoError(t, f.c.Open(context.Background(), OpenOptions{ReplyTo: &src}))

	d, ok := f.c.Draft()
	require.True(t, ok)
	assert.Equal(t, StateComposingReply, f.c.State())
	assert.Equal(t, "Re: Hello", d.Subject)
	assert.Equal(t, []string{"jane@x.com"}, d.To)
	assert.Equal(t, "src-1", d.SourceReplyID)
	assert.Contains(t, d.BodyHTML, "On Fri, May 31, 2024 at 3:04 PM, Jane Doe &lt;jane@x.com&gt; wrote:")
	assert.Contains(t, d.BodyHTML, "<blockquote><p>Original text</p></blockquote>")
	assert.NotContains(t, d.BodyHTML, "script")
	assert.False(t, d.Dirty)
}

func TestOpen_ForwardPrefill(t *testing.T) {
	f := setup(t)
	src := source()

	require.NoError(t, f.c.Open(context.Background(), OpenOptions{ForwardFrom: &src}))

	d, _ := f.c.Draft()
	assert.Equal(t, StateComposingForward, f.c.State())
	assert.Equal(t, "Fwd: Hello", d.Subject)
	assert.Empty(t, d.To)
	assert.Empty(t, d.Cc)
	assert.Empty(t, d.Bcc)
	assert.Equal(t, "src-1", d.SourceForwardID)
	assert.Contains(t, d.BodyHTML, "From: Jane Doe &lt;jane@x.com&gt;<br>")
	assert.Contains(t, d.BodyHTML, "Subject: Hello<br>")
	assert.Contains(t, d.BodyHTML, "To: bob@x.com<br>")
	assert.Contains(t, d.BodyHTML, "<p>Original text</p>")
}

func TestOpen_Twice(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	assert.ErrorIs(t, f.c.Open(context.Background(), OpenOptions{}), ErrAlreadyOpen)
}

func TestOpen_ConflictingOptions(t *testing.T) {
	f := setup(t)
	src := source()
	err := f.c.Open(context.Background(), OpenOptions{ReplyTo: &src, DraftID: "d"})
	assert.Error(t, err)
	assert.Equal(t, StateClosed, f.c.State())
}

func TestEdit_WhenClosed(t *testing.T) {
	f := setup(t)
	assert.ErrorIs(t, f.c.SetSubject("x"), ErrNotOpen)
}

func TestAutosave_DebouncesEdits(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))

	require.NoError(t, f.c.SetSubject("Plan"))
	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.c.SetBody("<p>draft</p>"))
	f.clock.Advance(2 * time.Second)

	assert.Zero(t, f.fp.CountCalls("create_draft"), "quiet period restarted by the second edit")

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.fp.CountCalls("create_draft"))
}

func TestAutosave_CreateThenUpdateSameDraft(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))

	require.NoError(t, f.c.SetTo([]string{"bob@x.com"}))
	f.clock.Advance(delay)
	d, _ := f.c.Draft()
	require.NotEmpty(t, d.DraftID)
	assert.False(t, d.Dirty)
	require.NotNil(t, d.LastSavedAt)

	require.NoError(t, f.c.SetSubject("Second"))
	f.clock.Advance(delay)
	require.NoError(t, f.c.SetBody("<p>Third</p>"))
	f.clock.Advance(delay)

	assert.Equal(t, 1, f.fp.CountCalls("create_draft"))
	assert.Equal(t, 2, f.fp.CountCalls("update_draft:"+d.DraftID))
	assert.Len(t, f.fp.Drafts(), 1)
	assert.Equal(t, 1, f.store.Stats().DraftCount)

	events := f.saveEvents()
	require.Len(t, events, 3)
	assert.True(t, events[0].Created)
	assert.False(t, events[1].Created)
}

func TestAutosave_EmptyDraftNotSaved(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))

	require.NoError(t, f.c.SetCc([]string{"cc@x.com"}))
	f.clock.Advance(delay)

	assert.Zero(t, f.fp.CountCalls("create_draft"))
}

func TestAutosave_SavedIndicator(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetSubject("x"))

	assert.False(t, f.c.SavedIndicator())
	f.clock.Advance(delay)
	assert.True(t, f.c.SavedIndicator())
	f.clock.Advance(2 * time.Second)
	assert.False(t, f.c.SavedIndicator())
}

func TestAutosave_FailureKeepsContentAndRetries(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	f.fp.FailOn("create_draft", &provider.NetworkError{Op: "create_draft", Err: errors.New("offline")})

	require.NoError(t, f.c.SetSubject("keep me"))
	f.clock.Advance(delay)

	d, _ := f.c.Draft()
	assert.Empty(t, d.DraftID)
	assert.True(t, d.Dirty)
	assert.Equal(t, "keep me", d.Subject)
	assert.Equal(t, 1, f.clock.Pending(), "retry scheduled")

	f.fp.FailOn("create_draft", nil)
	f.clock.Advance(delay)

	d, _ = f.c.Draft()
	assert.NotEmpty(t, d.DraftID)
	assert.False(t, d.Dirty)
	assert.Len(t, f.fp.Drafts(), 1)
}

func TestClose_CancelsPendingAutosave(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetSubject("never saved"))
	require.Equal(t, 1, f.clock.Pending())

	f.c.Close()
	assert.Equal(t, 0, f.clock.Pending())

	f.clock.Advance(10 * delay)
	assert.Zero(t, f.fp.CountCalls("create_draft"))
	assert.Equal(t, StateClosed, f.c.State())
	_, ok := f.c.Draft()
	assert.False(t, ok)
}

func TestClose_StaleTimerFromPreviousSessionIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.c.Open(ctx, OpenOptions{}))
	require.NoError(t, f.c.SetSubject("old"))
	f.c.Close()

	require.NoError(t, f.c.Open(ctx, OpenOptions{}))
	f.clock.Advance(delay)

	assert.Zero(t, f.fp.CountCalls("create_draft"))
}

func TestReopenByDraftID_RoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.c.Open(ctx, OpenOptions{}))
	require.NoError(t, f.c.SetTo([]string{"bob@x.com", "Carol <carol@x.com>"}))
	require.NoError(t, f.c.SetSubject("Quarterly numbers"))
	require.NoError(t, f.c.SetBody("<p>See attached</p>"))
	f.clock.Advance(delay)

	saved, _ := f.c.Draft()
	require.NotEmpty(t, saved.DraftID)
	f.c.Close()

	require.NoError(t, f.c.Open(ctx, OpenOptions{DraftID: saved.DraftID}))
	got, ok := f.c.Draft()
	require.True(t, ok)

	assert.Equal(t, saved.DraftID, got.DraftID)
	assert.Equal(t, saved.To, got.To)
	assert.Equal(t, saved.Subject, got.Subject)
	assert.Equal(t, saved.BodyHTML, got.BodyHTML)

	require.NoError(t, f.c.SetSubject("Quarterly numbers v2"))
	f.clock.Advance(delay)

	assert.Equal(t, 1, f.fp.CountCalls("create_draft"))
	assert.Len(t, f.fp.Drafts(), 1)
}

func TestReopen_UnknownDraft(t *testing.T) {
	f := setup(t)
	err := f.c.Open(context.Background(), OpenOptions{DraftID: "missing"})
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, StateClosed, f.c.State())
}

func TestSend_DirectWhenNoDraft(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetTo([]string{"bob@x.com"}))
	require.NoError(t, f.c.SetSubject("Hi"))

	require.NoError(t, f.c.Send(context.Background()))

	assert.Equal(t, 1, f.fp.CountCalls("send:"))
	assert.Zero(t, f.fp.CountCalls("send_draft"))
	assert.Equal(t, StateClosed, f.c.State())
	assert.Zero(t, f.clock.Pending(), "autosave timer cancelled")
}

func TestSend_ByDraftIDFlushesEdits(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetTo([]string{"bob@x.com"}))
	f.clock.Advance(delay)
	d, _ := f.c.Draft()
	require.NotEmpty(t, d.DraftID)

	require.NoError(t, f.c.SetSubject("final subject"))
	require.NoError(t, f.c.Send(context.Background()))

	assert.Equal(t, 1, f.fp.CountCalls("update_draft:"+d.DraftID))
	assert.Equal(t, 1, f.fp.CountCalls("send_draft:"+d.DraftID))
	assert.Zero(t, f.fp.CountCalls("send:"))
	assert.Empty(t, f.fp.Drafts())

	sent := f.fp.Sent()
	require.Len(t, sent, 1)
	raw, err := provider.DecodeData(sent[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: final subject\r\n")
	assert.Equal(t, 0, f.store.Stats().DraftCount)
}

func TestSend_FailureKeepsSessionOpen(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetTo([]string{"bob@x.com"}))
	require.NoError(t, f.c.SetBody("<p>important</p>"))
	f.fp.FailOn("send", &provider.NetworkError{Op: "send", Err: errors.New("down")})

	err := f.c.Send(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateComposingNew, f.c.State())
	d, ok := f.c.Draft()
	require.True(t, ok)
	assert.Equal(t, "<p>important</p>", d.BodyHTML)
	assert.Equal(t, []string{"bob@x.com"}, d.To)

	f.fp.FailOn("send", nil)
	require.NoError(t, f.c.Send(context.Background()))
	assert.Equal(t, StateClosed, f.c.State())
}

func TestSend_NoRecipients(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetSubject("x"))

	assert.ErrorIs(t, f.c.Send(context.Background()), ErrNoRecipients)
	assert.Equal(t, StateComposingNew, f.c.State())
}

func TestSend_ReplyMarksSource(t *testing.T) {
	f := setup(t)
	src := source()
	tok := f.store.BeginFetch(model.Selection{Folder: model.FolderInbox})
	f.store.CompleteFetch(tok, []model.Email{src})

	require.NoError(t, f.c.Open(context.Background(), OpenOptions{ReplyTo: &src}))
	require.NoError(t, f.c.Send(context.Background()))

	got, err := f.store.Get("src-1")
	require.NoError(t, err)
	assert.True(t, got.HasReplied)
	assert.False(t, got.HasForwarded)
}

func TestBuildRaw_Format(t *testing.T) {
	raw := BuildRaw(model.CompositionDraft{
		To:       []string{"bob@x.com", "carol@x.com"},
		Cc:       []string{"dave@x.com"},
		Subject:  "Hello",
		BodyHTML: "<p>Hi</p>",
	})

	assert.False(t, strings.ContainsAny(raw, "+/="))
	b, err := provider.DecodeData(raw)
	require.NoError(t, err)
	assert.Equal(t,
		"To: bob@x.com, carol@x.com\r\n"+
			"Subject: Hello\r\n"+
			"Cc: dave@x.com\r\n"+
			"Content-Type: text/html; charset=utf-8\r\n"+
			"MIME-Version: 1.0\r\n"+
			"\r\n"+
			"<p>Hi</p>",
		string(b))
}

func TestBuildRaw_EncodesNonASCIISubject(t *testing.T) {
	b, err := provider.DecodeData(BuildRaw(model.CompositionDraft{
		To:      []string{"a@x.com"},
		Subject: "Café",
	}))
	require.NoError(t, err)
	assert.Contains(t, string(b), "Subject: =?utf-8?q?Caf=C3=A9?=\r\n")
}

func TestSetRecipients_RejectsLineBreaks(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetTo([]string{"bob@x.com"}))

	err := f.c.SetTo([]string{"bob@x.com\r\nBcc: attacker@evil.com"})
	require.Error(t, err)
	assert.Error(t, f.c.SetCc([]string{"not an address"}))
	assert.Error(t, f.c.SetBcc([]string{"a@x.com, b@x.com"}))

	d, _ := f.c.Draft()
	assert.Equal(t, []string{"bob@x.com"}, d.To)
	assert.Empty(t, d.Cc)
	assert.Empty(t, d.Bcc)
}

func TestSetRecipients_TrimsAndSkipsBlanks(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))

	require.NoError(t, f.c.SetBcc([]string{" a@x.com ", "", "Carol <carol@x.com>"}))

	d, _ := f.c.Draft()
	assert.Equal(t, []string{"a@x.com", "Carol <carol@x.com>"}, d.Bcc)
}

func TestBuildRaw_RecipientCannotAddHeaders(t *testing.T) {
	b, err := provider.DecodeData(BuildRaw(model.CompositionDraft{
		To:      []string{"bob@x.com\r\nBcc: attacker@evil.com"},
		Cc:      []string{"dave@x.com\nX-Evil: 1"},
		Subject: "hi",
	}))
	require.NoError(t, err)

	raw := string(b)
	assert.NotContains(t, raw, "\r\nBcc:")
	assert.NotContains(t, raw, "\nX-Evil:")
	assert.True(t, strings.HasPrefix(raw, "To: bob@x.comBcc: attacker@evil.com\r\nSubject: hi\r\n"))
}

func TestReplyDraft_SenderWithoutName(t *testing.T) {
	src := source()
	src.From = model.Participant{Email: "a@x.com"}

	d := ReplyDraft(src)

	assert.Contains(t, d.BodyHTML, "On Fri, May 31, 2024 at 3:04 PM, &lt;a@x.com&gt; wrote:")
	assert.NotContains(t, d.BodyHTML, ",  &lt;")
}

func TestSaveNow_CloseCancelsWrite(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.c.Open(context.Background(), OpenOptions{}))
	require.NoError(t, f.c.SetTo([]string{"bob@x.com"}))
	release := f.fp.HoldCreateDraft()
	defer release()

	errc := make(chan error, 1)
	go func() { errc <- f.c.SaveNow(context.Background()) }()
	require.Eventually(t, func() bool { return f.fp.CountCalls("create_draft") == 1 }, time.Second, 5*time.Millisecond)

	f.c.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("SaveNow still running after Close")
	}
	assert.Empty(t, f.fp.Drafts())
}
