// Package mutate applies flag and label changes to emails. Every change is
// confirmed by the provider first and only then applied to the store, so
// the store never runs ahead of the server: a failed call leaves it
// exactly as it was.
package mutate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/journal"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// Options configures Flags and Labels.
type Options struct {
	Journal journal.Recorder
	Logger  zerolog.Logger
}

type base struct {
	provider provider.Provider
	store    *store.Store
	journal  journal.Recorder
	log      zerolog.Logger
}

func newBase(p provider.Provider, s *store.Store, opts Options) base {
	b := base{provider: p, store: s, journal: opts.Journal, log: opts.Logger}
	if b.journal == nil {
		b.journal = journal.Nop{}
	}
	return b
}

// apply runs remote, and local only if remote succeeded.
func (b base) apply(
	ctx context.Context,
	op, id string,
	remote func(ctx context.Context) error,
	local func(e *model.Email),
) error {
	err := remote(ctx)
	if err == nil {
		err = b.store.Update(id, func(e *model.Email) error {
			local(e)
			return nil
		})
	}

	metrics.MutationsTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	b.record(ctx, op, id, err)

	if err != nil {
		b.log.Warn().Err(err).Str("op", op).Str("message_id", id).Msg("mutation failed")
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return nil
}

func (b base) record(ctx context.Context, op, id string, err error) {
	a := journal.Activity{Kind: op, MessageID: id, Outcome: journal.OutcomeOK}
	if err != nil {
		a.Outcome = journal.OutcomeFailed
		if provider.IsAuthError(err) {
			a.Outcome = journal.OutcomeAuthExpired
		}
		a.Detail = err.Error()
	}
	if jerr := b.journal.RecordActivity(context.WithoutCancel(ctx), a); jerr != nil {
		b.log.Debug().Err(jerr).Msg("journal write failed")
	}
}
