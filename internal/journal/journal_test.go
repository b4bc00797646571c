package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/journal"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestRecordFetch_NewestFirst(t *testing.T) {
	j := testutil.NewTestJournal(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordFetch(ctx, journal.FetchRun{
		Fingerprint: "inbox|", Query: "in:inbox", Listed: 3, Ingested: 3,
		Outcome: journal.OutcomeOK, StartedAt: base,
	}))
	require.NoError(t, j.RecordFetch(ctx, journal.FetchRun{
		Fingerprint: "sent|", Query: "in:sent", Listed: 2, Ingested: 1, Failed: 1,
		Outcome: journal.OutcomeOK, StartedAt: base.Add(time.Minute),
	}))

	runs, err := j.RecentFetches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "sent|", runs[0].Fingerprint)
	assert.Equal(t, 1, runs[0].Failed)
	assert.NotEmpty(t, runs[0].ID)
	assert.Equal(t, runs[0].StartedAt, runs[0].FinishedAt)

	runs, err = j.RecentFetches(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRecentActivity_FiltersByMessage(t *testing.T) {
	j := testutil.NewTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordActivity(ctx, journal.Activity{Kind: "star", MessageID: "m1", Outcome: journal.OutcomeOK}))
	require.NoError(t, j.RecordActivity(ctx, journal.Activity{Kind: "archive", MessageID: "m2", Outcome: journal.OutcomeFailed, Detail: "network"}))
	require.NoError(t, j.RecordActivity(ctx, journal.Activity{Kind: "draft_save", DraftID: "d1", Outcome: journal.OutcomeOK}))

	all, err := j.RecentActivity(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	m2, err := j.RecentActivity(ctx, "m2", 10)
	require.NoError(t, err)
	require.Len(t, m2, 1)
	assert.Equal(t, "archive", m2[0].Kind)
	assert.Equal(t, journal.OutcomeFailed, m2[0].Outcome)
}

func TestOpen_ReappliesNothingOnCurrentSchema(t *testing.T) {
	path := t.TempDir() + "/journal.db"

	j, err := journal.Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RecordActivity(context.Background(), journal.Activity{Kind: "send", Outcome: journal.OutcomeOK}))
	require.NoError(t, j.Close())

	j, err = journal.Open(path)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.RecentActivity(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNop(t *testing.T) {
	var r journal.Recorder = journal.Nop{}
	assert.NoError(t, r.RecordFetch(context.Background(), journal.FetchRun{}))
	assert.NoError(t, r.RecordActivity(context.Background(), journal.Activity{}))
}
