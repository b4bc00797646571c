package mutate

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/journal"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/normalize"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

type fixture struct {
	fp     *testutil.FakeProvider
	store  *store.Store
	j      *journal.Journal
	flags  *Flags
	labels *Labels
}

func setup(t *testing.T, emails ...model.Email) *fixture {
	t.Helper()

	fp := testutil.NewFakeProvider()
	s := store.New()
	j := testutil.NewTestJournal(t)
	opts := Options{Journal: j, Logger: zerolog.Nop()}

	for _, e := range emails {
		fp.AddMessage(&provider.Message{ID: e.ID, ThreadID: e.ThreadID, LabelIDs: []string{"INBOX"}})
	}
	tok := s.BeginFetch(model.Selection{Folder: model.FolderInbox})
	s.CompleteFetch(tok, emails)

	return &fixture{
		fp:     fp,
		store:  s,
		j:      j,
		flags:  NewFlags(fp, s, opts),
		labels: NewLabels(fp, s, opts),
	}
}

func inboxEmail(id string) model.Email {
	return model.Email{
		ID:       id,
		ThreadID: id,
		Read:     false,
		Labels:   model.NewLabelSet(model.LabelWork),
		Folder:   model.FolderInbox,
	}
}

func (f *fixture) get(t *testing.T, id string) model.Email {
	t.Helper()
	e, err := f.store.Get(id)
	require.NoError(t, err)
	return e
}

func TestToggleStarred_IsInvolution(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	before := f.get(t, "m1")
	ctx := context.Background()

	require.NoError(t, f.flags.ToggleStarred(ctx, "m1"))
	mid := f.get(t, "m1")
	assert.True(t, mid.Starred)
	assert.Contains(t, f.fp.Message("m1").LabelIDs, provider.LabelStarred)

	require.NoError(t, f.flags.ToggleStarred(ctx, "m1"))
	after := f.get(t, "m1")

	assert.Equal(t, before, after)
	assert.NotContains(t, f.fp.Message("m1").LabelIDs, provider.LabelStarred)
}

func TestToggleImportant_IsInvolution(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	before := f.get(t, "m1")
	ctx := context.Background()

	require.NoError(t, f.flags.ToggleImportant(ctx, "m1"))
	assert.True(t, f.get(t, "m1").Important)
	require.NoError(t, f.flags.ToggleImportant(ctx, "m1"))

	assert.Equal(t, before, f.get(t, "m1"))
}

func TestMarkReadAndUnread(t *testing.T) {
	f := setup(t, inboxEmail("m1"), inboxEmail("m2"))
	ctx := context.Background()
	require.Equal(t, 2, f.store.Stats().UnreadCount)

	require.NoError(t, f.flags.MarkRead(ctx, "m1"))
	assert.True(t, f.get(t, "m1").Read)
	assert.Equal(t, 1, f.store.Stats().UnreadCount)

	require.NoError(t, f.flags.MarkUnread(ctx, "m1"))
	assert.False(t, f.get(t, "m1").Read)
	assert.Equal(t, 2, f.store.Stats().UnreadCount)
}

func TestMutation_FailureLeavesStoreUnchanged(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	before := f.get(t, "m1")
	f.fp.FailOn("modify", &provider.NetworkError{Op: "modify", Err: errors.New("timeout")})
	f.fp.FailOn("trash", &provider.NetworkError{Op: "trash", Err: errors.New("timeout")})
	ctx := context.Background()

	ops := map[string]func(context.Context, string) error{
		"star":      f.flags.ToggleStarred,
		"important": f.flags.ToggleImportant,
		"read":      f.flags.MarkRead,
		"unread":    f.flags.MarkUnread,
		"archive":   f.flags.Archive,
		"trash":     f.flags.MoveToTrash,
	}
	for name, op := range ops {
		err := op(ctx, "m1")
		require.Error(t, err, name)
		assert.True(t, provider.IsTransient(err), name)
		assert.Equal(t, before, f.get(t, "m1"), name)
	}
	assert.Equal(t, []string{"m1"}, f.store.VisibleIDs())

	require.Error(t, f.labels.Apply(ctx, "m1", "travel"))
	require.Error(t, f.labels.Remove(ctx, "m1", "work"))
	assert.Equal(t, before, f.get(t, "m1"))
}

func TestArchive_RemovesFromVisibleOnly(t *testing.T) {
	f := setup(t, inboxEmail("m1"), inboxEmail("m2"))

	require.NoError(t, f.flags.Archive(context.Background(), "m1"))

	assert.Equal(t, []string{"m2"}, f.store.VisibleIDs())
	e := f.get(t, "m1")
	assert.Equal(t, model.FolderArchived, e.Folder)
	assert.NotContains(t, f.fp.Message("m1").LabelIDs, provider.LabelInbox)
}

func TestMoveToTrash_RemovesFromVisibleOnly(t *testing.T) {
	f := setup(t, inboxEmail("m1"), inboxEmail("m2"))

	require.NoError(t, f.flags.MoveToTrash(context.Background(), "m2"))

	assert.Equal(t, []string{"m1"}, f.store.VisibleIDs())
	assert.Equal(t, model.FolderTrash, f.get(t, "m2").Folder)
	assert.Contains(t, f.fp.Message("m2").LabelIDs, provider.LabelTrash)
}

func TestMutation_UnknownIDMakesNoRemoteCall(t *testing.T) {
	f := setup(t)

	err := f.flags.ToggleStarred(context.Background(), "nope")

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.fp.Calls())
}

func TestApplyLabel_CreatesOnFirstUse(t *testing.T) {
	f := setup(t, inboxEmail("m1"), inboxEmail("m2"))
	ctx := context.Background()

	require.NoError(t, f.labels.Apply(ctx, "m1", " Travel "))
	require.NoError(t, f.labels.Apply(ctx, "m2", "travel"))

	assert.True(t, f.fp.HasLabel("travel"))
	assert.Equal(t, 1, f.fp.CountCalls("create_label:"))
	assert.True(t, f.get(t, "m1").Labels.Has("travel"))
	assert.True(t, f.get(t, "m2").Labels.Has("travel"))
}

func TestApplyLabel_ExistingLabelIsSuccess(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	f.fp.AddLabel("receipts")

	require.NoError(t, f.labels.Apply(context.Background(), "m1", "receipts"))

	assert.True(t, f.get(t, "m1").Labels.Has("receipts"))
}

func TestApplyLabel_Idempotent(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	ctx := context.Background()

	require.NoError(t, f.labels.Apply(ctx, "m1", "work"))
	require.NoError(t, f.labels.Apply(ctx, "m1", "work"))

	assert.Equal(t, []model.Label{model.LabelWork}, f.get(t, "m1").Labels.Sorted())
}

func TestApplyLabel_CreateFailureAbortsBeforeModify(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	f.fp.FailOn("create_label", errors.New("quota"))

	err := f.labels.Apply(context.Background(), "m1", "travel")

	require.Error(t, err)
	assert.Zero(t, f.fp.CountCalls("modify:"))
	assert.False(t, f.get(t, "m1").Labels.Has("travel"))
}

func TestApplyLabel_RejectsEmptyName(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	assert.Error(t, f.labels.Apply(context.Background(), "m1", "   "))
}

func TestRemoveLabel(t *testing.T) {
	f := setup(t, inboxEmail("m1"))

	require.NoError(t, f.labels.Remove(context.Background(), "m1", "Work"))

	assert.Empty(t, f.get(t, "m1").Labels)
}

func TestApplyLabel_ImportantSetsMarker(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	ctx := context.Background()

	require.NoError(t, f.labels.Apply(ctx, "m1", "Important"))

	e := f.get(t, "m1")
	assert.True(t, e.Important)
	assert.False(t, e.Labels.Has(model.LabelImportant))
	assert.Zero(t, f.fp.CountCalls("create_label:"))

	remote := normalize.Normalize(normalize.FromMessage(f.fp.Message("m1")))
	assert.Equal(t, remote.Important, e.Important)
	assert.Equal(t, remote.Labels.Has(model.LabelImportant), e.Labels.Has(model.LabelImportant))

	require.NoError(t, f.labels.Remove(ctx, "m1", "important"))
	assert.False(t, f.get(t, "m1").Important)
	assert.NotContains(t, f.fp.Message("m1").LabelIDs, provider.LabelImportant)
}

func TestMutation_Journaled(t *testing.T) {
	f := setup(t, inboxEmail("m1"))
	ctx := context.Background()
	require.NoError(t, f.flags.MarkRead(ctx, "m1"))
	f.fp.FailOn("modify", &provider.AuthError{Provider: "fake", Message: "expired"})
	require.Error(t, f.flags.ToggleStarred(ctx, "m1"))

	entries, err := f.j.RecentActivity(ctx, "m1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "toggle_starred", entries[0].Kind)
	assert.Equal(t, journal.OutcomeAuthExpired, entries[0].Outcome)
	assert.Equal(t, "mark_read", entries[1].Kind)
	assert.Equal(t, journal.OutcomeOK, entries[1].Outcome)
}
