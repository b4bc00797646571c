package mutate

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// Flags changes read, starred and important state and moves emails out
// of the inbox.
type Flags struct {
	base
}

// NewFlags creates a Flags mutator.
func NewFlags(p provider.Provider, s *store.Store, opts Options) *Flags {
	return &Flags{base: newBase(p, s, opts)}
}

// ToggleStarred flips the starred flag. Applied twice it restores the
// original value and touches nothing else.
func (f *Flags) ToggleStarred(ctx context.Context, id string) error {
	e, err := f.store.Get(id)
	if err != nil {
		return err
	}
	target := !e.Starred
	return f.apply(ctx, "toggle_starred", id,
		f.sentinel(id, provider.LabelStarred, target),
		func(e *model.Email) { e.Starred = target },
	)
}

// ToggleImportant flips the important flag.
func (f *Flags) ToggleImportant(ctx context.Context, id string) error {
	e, err := f.store.Get(id)
	if err != nil {
		return err
	}
	target := !e.Important
	return f.apply(ctx, "toggle_important", id,
		f.sentinel(id, provider.LabelImportant, target),
		func(e *model.Email) { e.Important = target },
	)
}

// MarkRead clears the unread sentinel.
func (f *Flags) MarkRead(ctx context.Context, id string) error {
	if _, err := f.store.Get(id); err != nil {
		return err
	}
	return f.apply(ctx, "mark_read", id,
		f.sentinel(id, provider.LabelUnread, false),
		func(e *model.Email) { e.Read = true },
	)
}

// MarkUnread sets the unread sentinel.
func (f *Flags) MarkUnread(ctx context.Context, id string) error {
	if _, err := f.store.Get(id); err != nil {
		return err
	}
	return f.apply(ctx, "mark_unread", id,
		f.sentinel(id, provider.LabelUnread, true),
		func(e *model.Email) { e.Read = false },
	)
}

// Archive takes the email out of the inbox. It leaves the visible list of
// the current folder but stays in the store.
func (f *Flags) Archive(ctx context.Context, id string) error {
	if _, err := f.store.Get(id); err != nil {
		return err
	}
	err := f.apply(ctx, "archive", id,
		func(ctx context.Context) error {
			return f.provider.Modify(ctx, id, nil, []string{provider.LabelInbox})
		},
		func(e *model.Email) { e.Folder = model.FolderArchived },
	)
	if err != nil {
		return err
	}
	f.store.RemoveFromVisible(id)
	return nil
}

// MoveToTrash trashes the email. Like Archive it only leaves the visible
// list.
func (f *Flags) MoveToTrash(ctx context.Context, id string) error {
	if _, err := f.store.Get(id); err != nil {
		return err
	}
	err := f.apply(ctx, "trash", id,
		func(ctx context.Context) error {
			return f.provider.Trash(ctx, id)
		},
		func(e *model.Email) { e.Folder = model.FolderTrash },
	)
	if err != nil {
		return err
	}
	f.store.RemoveFromVisible(id)
	return nil
}

// sentinel returns the remote call that adds (on) or removes a sentinel.
func (f *Flags) sentinel(id, label string, on bool) func(context.Context) error {
	return func(ctx context.Context) error {
		if on {
			return f.provider.Modify(ctx, id, []string{label}, nil)
		}
		return f.provider.Modify(ctx, id, nil, []string{label})
	}
}
