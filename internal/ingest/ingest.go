// Package ingest fetches the messages of a selection from the provider,
// normalizes them and hands them to the store, discarding results that a
// newer selection has superseded.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/journal"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/normalize"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// ErrNothingIngested is returned when every listed message failed to
// fetch. The store keeps its previous state.
var ErrNothingIngested = errors.New("no message could be fetched")

// Defaults used when Options leaves a value at zero.
const (
	DefaultPageSize    = 50
	DefaultConcurrency = 10
	DefaultTimeout     = 30 * time.Second
)

// Options configures an Ingestor.
type Options struct {
	PageSize    int
	Concurrency int
	Timeout     time.Duration
	Journal     journal.Recorder
	Logger      zerolog.Logger
}

// Result describes one fetch.
type Result struct {
	Selection   model.Selection
	Fingerprint string
	Query       string

	Listed    int
	Ingested  int
	Failed    int
	Malformed int
	FailedIDs []string

	// Discarded is set when a newer fetch superseded this one and the
	// emails were not applied.
	Discarded bool

	Emails []model.Email
}

// Ingestor runs fetches against one provider and store.
type Ingestor struct {
	provider    provider.Provider
	store       *store.Store
	journal     journal.Recorder
	log         zerolog.Logger
	pageSize    int
	concurrency int
	timeout     time.Duration
}

// New creates an Ingestor.
func New(p provider.Provider, s *store.Store, opts Options) *Ingestor {
	in := &Ingestor{
		provider:    p,
		store:       s,
		journal:     opts.Journal,
		log:         opts.Logger,
		pageSize:    opts.PageSize,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
	}
	if in.journal == nil {
		in.journal = journal.Nop{}
	}
	if in.pageSize <= 0 {
		in.pageSize = DefaultPageSize
	}
	if in.concurrency <= 0 {
		in.concurrency = DefaultConcurrency
	}
	if in.timeout <= 0 {
		in.timeout = DefaultTimeout
	}
	return in
}

// Fetch lists and loads the messages of sel and replaces the store's
// visible list with them. The selection becomes current before the first
// provider call, so a later Fetch supersedes this one even if this one
// returns last; a superseded result is reported with Discarded set and
// never touches the store.
//
// Messages that fail to load are skipped and counted. An auth error
// aborts the whole fetch without changing the store's emails.
func (in *Ingestor) Fetch(ctx context.Context, sel model.Selection) (*Result, error) {
	return in.Issue(sel)(ctx)
}

// Issue makes sel current immediately and returns the function that runs
// the fetch. Callers that run fetches on other goroutines use it so that
// the order of Issue calls, not goroutine scheduling, decides which
// selection is current.
func (in *Ingestor) Issue(sel model.Selection) func(ctx context.Context) (*Result, error) {
	started := time.Now()
	tok := in.store.BeginFetch(sel)
	return func(ctx context.Context) (*Result, error) {
		return in.run(ctx, tok, started)
	}
}

func (in *Ingestor) run(ctx context.Context, tok store.FetchToken, started time.Time) (*Result, error) {
	sel := tok.Selection
	res := &Result{
		Selection:   sel.Clone(),
		Fingerprint: tok.Fingerprint,
		Query:       BuildQuery(sel),
	}
	log := in.log.With().
		Str("folder", string(sel.Folder)).
		Str("query", res.Query).
		Uint64("fetch_seq", tok.Seq).
		Logger()

	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	ids, err := in.provider.List(ctx, res.Query, in.pageSize)
	if err != nil {
		err = fmt.Errorf("listing %q: %w", res.Query, err)
		return res, in.fail(ctx, tok, res, started, log, err)
	}
	ids = dedup(ids)
	res.Listed = len(ids)

	emails, err := in.load(ctx, ids, res, log)
	if err != nil {
		return res, in.fail(ctx, tok, res, started, log, err)
	}
	if res.Listed > 0 && res.Ingested == 0 {
		err = fmt.Errorf("fetching %d messages: %w", res.Listed, ErrNothingIngested)
		return res, in.fail(ctx, tok, res, started, log, err)
	}
	res.Emails = emails

	outcome := journal.OutcomeOK
	if !in.store.CompleteFetch(tok, emails) {
		res.Discarded = true
		outcome = journal.OutcomeDiscarded
		log.Debug().Msg("fetch superseded, result discarded")
	} else {
		log.Debug().
			Int("ingested", res.Ingested).
			Int("failed", res.Failed).
			Msg("fetch applied")
	}

	metrics.FetchesTotal.WithLabelValues(outcome).Inc()
	metrics.FetchDuration.Observe(time.Since(started).Seconds())
	in.record(ctx, res, outcome, started, "", log)
	return res, nil
}

// load gets every message with bounded concurrency, keeping list order.
func (in *Ingestor) load(ctx context.Context, ids []string, res *Result, log zerolog.Logger) ([]model.Email, error) {
	slots := make([]*model.Email, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)

	for i, id := range ids {
		g.Go(func() error {
			msg, err := in.provider.Get(gctx, id)
			if err != nil {
				if provider.IsAuthError(err) {
					return err
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("message_id", id).Msg("skipping message")
				metrics.MessagesFailed.Inc()
				mu.Lock()
				res.Failed++
				res.FailedIDs = append(res.FailedIDs, id)
				mu.Unlock()
				return nil
			}

			input := normalize.FromMessage(msg)
			if input.Decoded.Malformed() {
				log.Warn().
					Str("message_id", id).
					Int("skipped_parts", input.Decoded.Skipped).
					Bool("truncated", input.Decoded.Truncated).
					Msg("message partially parsed")
				metrics.MessagesMalformed.Inc()
				mu.Lock()
				res.Malformed++
				mu.Unlock()
			}

			e := normalize.Normalize(input)
			if e.ID == "" {
				e.ID = id
			}
			slots[i] = &e
			metrics.MessagesIngested.Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	emails := make([]model.Email, 0, len(slots))
	seen := make(map[string]bool, len(slots))
	for _, e := range slots {
		if e == nil || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		emails = append(emails, *e)
	}
	res.Ingested = len(emails)
	return emails, nil
}

func (in *Ingestor) fail(
	ctx context.Context,
	tok store.FetchToken,
	res *Result,
	started time.Time,
	log zerolog.Logger,
	err error,
) error {
	outcome := journal.OutcomeFailed
	switch {
	case provider.IsAuthError(err):
		outcome = journal.OutcomeAuthExpired
		log.Warn().Err(err).Msg("fetch aborted: credential rejected")
	default:
		log.Error().Err(err).Msg("fetch failed")
	}

	if !in.store.FailFetch(tok, err) {
		res.Discarded = true
	}

	metrics.FetchesTotal.WithLabelValues(outcome).Inc()
	metrics.FetchDuration.Observe(time.Since(started).Seconds())
	in.record(ctx, res, outcome, started, err.Error(), log)
	return err
}

func (in *Ingestor) record(
	ctx context.Context,
	res *Result,
	outcome string,
	started time.Time,
	detail string,
	log zerolog.Logger,
) {
	// The fetch context may already be cancelled; the journal write must
	// not depend on it.
	ctx = context.WithoutCancel(ctx)
	err := in.journal.RecordFetch(ctx, journal.FetchRun{
		Fingerprint: res.Fingerprint,
		Query:       res.Query,
		Listed:      res.Listed,
		Ingested:    res.Ingested,
		Failed:      res.Failed,
		Outcome:     outcome,
		Detail:      detail,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	})
	if err != nil {
		log.Debug().Err(err).Msg("journal write failed")
	}
}

// Lookup loads one message by id and merges it into the store without
// changing the visible list. It is how a message outside the current
// selection is opened.
func (in *Ingestor) Lookup(ctx context.Context, id string) (model.Email, error) {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	msg, err := in.provider.Get(ctx, id)
	if err != nil {
		return model.Email{}, fmt.Errorf("getting message %s: %w", id, err)
	}

	input := normalize.FromMessage(msg)
	if input.Decoded.Malformed() {
		in.log.Warn().Str("message_id", id).Msg("message partially parsed")
		metrics.MessagesMalformed.Inc()
	}
	e := normalize.Normalize(input)
	if e.ID == "" {
		e.ID = id
	}
	metrics.MessagesIngested.Inc()

	in.store.Merge(e)
	return e, nil
}

// RefreshStats pulls the provider's mailbox counters into the store.
func (in *Ingestor) RefreshStats(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	st, err := in.provider.Stats(ctx)
	if err != nil {
		return fmt.Errorf("refreshing stats: %w", err)
	}
	in.store.SetProviderStats(*st)
	return nil
}

func dedup(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
