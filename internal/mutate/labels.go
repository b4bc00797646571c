package mutate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// Labels adds and removes user labels.
type Labels struct {
	base

	mu    sync.Mutex
	known map[model.Label]bool
}

// NewLabels creates a Labels manager.
func NewLabels(p provider.Provider, s *store.Store, opts Options) *Labels {
	return &Labels{base: newBase(p, s, opts), known: make(map[model.Label]bool)}
}

// Apply makes sure the label exists remotely, creating it on first use,
// then adds it to the email. Applying a label the email already has is a
// no-op locally. The important label is the importance marker, not a user
// label.
func (l *Labels) Apply(ctx context.Context, id, name string) error {
	label, err := model.NormalizeLabel(name)
	if err != nil {
		return err
	}
	if _, err := l.store.Get(id); err != nil {
		return err
	}
	if label == model.LabelImportant {
		return l.importance(ctx, "apply_label", id, true)
	}

	if err := l.ensure(ctx, label); err != nil {
		return err
	}

	return l.apply(ctx, "apply_label", id,
		func(ctx context.Context) error {
			return l.provider.Modify(ctx, id, []string{string(label)}, nil)
		},
		func(e *model.Email) {
			if e.Labels == nil {
				e.Labels = model.NewLabelSet()
			}
			e.Labels.Add(label)
		},
	)
}

// Remove takes the label off the email, remotely then locally.
func (l *Labels) Remove(ctx context.Context, id, name string) error {
	label, err := model.NormalizeLabel(name)
	if err != nil {
		return err
	}
	if _, err := l.store.Get(id); err != nil {
		return err
	}
	if label == model.LabelImportant {
		return l.importance(ctx, "remove_label", id, false)
	}

	return l.apply(ctx, "remove_label", id,
		func(ctx context.Context) error {
			return l.provider.Modify(ctx, id, nil, []string{string(label)})
		},
		func(e *model.Email) { e.Labels.Remove(label) },
	)
}

// importance sets or clears the IMPORTANT sentinel, which the store keeps
// as Email.Important.
func (l *Labels) importance(ctx context.Context, op, id string, on bool) error {
	return l.apply(ctx, op, id,
		func(ctx context.Context) error {
			if on {
				return l.provider.Modify(ctx, id, []string{provider.LabelImportant}, nil)
			}
			return l.provider.Modify(ctx, id, nil, []string{provider.LabelImportant})
		},
		func(e *model.Email) {
			e.Important = on
			e.Labels.Remove(model.LabelImportant)
		},
	)
}

// ensure creates the label unless it is known to exist. "Already exists"
// counts as success.
func (l *Labels) ensure(ctx context.Context, label model.Label) error {
	l.mu.Lock()
	known := l.known[label]
	l.mu.Unlock()
	if known {
		return nil
	}

	err := l.provider.CreateLabel(ctx, string(label))
	if err != nil && !errors.Is(err, provider.ErrLabelExists) {
		l.log.Warn().Err(err).Str("label", string(label)).Msg("creating label failed")
		return fmt.Errorf("creating label %q: %w", label, err)
	}

	l.mu.Lock()
	l.known[label] = true
	l.mu.Unlock()
	return nil
}
