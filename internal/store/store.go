// Package store holds the authoritative in-memory mailbox: every email the
// session has seen, the visible list of the current selection, and the
// mailbox statistics.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// ErrNotFound is returned for ids the store has never seen.
var ErrNotFound = errors.New("email not found")

// FetchToken identifies one issued fetch.
type FetchToken struct {
	Selection   model.Selection
	Fingerprint string
	Seq         uint64
}

// Store is safe for concurrent use. All reads return copies.
type Store struct {
	mu sync.RWMutex

	emails  map[string]*model.Email
	visible []string

	// selection and current belong to the latest issued fetch; seq
	// counts issued fetches and applied is the seq of the last applied
	// one.
	selection model.Selection
	current   string
	seq       uint64
	applied   uint64

	loading   bool
	lastError error

	provider provider.Stats
	drafts   int
}

// New returns an empty store.
func New() *Store {
	return &Store{emails: make(map[string]*model.Email)}
}

// BeginFetch registers a new fetch for sel, making it the current
// selection, and sets the loading flag.
func (s *Store) BeginFetch(sel model.Selection) FetchToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.selection = sel.Clone()
	s.current = sel.Fingerprint()
	s.loading = true
	return FetchToken{Selection: sel.Clone(), Fingerprint: s.current, Seq: s.seq}
}

// isCurrent reports whether a result for tok may still be applied: its
// fingerprint is the current one and nothing issued later has already
// been applied.
func (s *Store) isCurrent(tok FetchToken) bool {
	return tok.Fingerprint == s.current && tok.Seq > s.applied
}

// CompleteFetch replaces the visible list with emails, in order, and
// merges them into the global map. It reports false, changing nothing,
// when tok has been superseded.
func (s *Store) CompleteFetch(tok FetchToken, emails []model.Email) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isCurrent(tok) {
		return false
	}

	visible := make([]string, 0, len(emails))
	seen := make(map[string]bool, len(emails))
	for _, e := range emails {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		c := e.Clone()
		s.emails[e.ID] = &c
		visible = append(visible, e.ID)
	}

	s.visible = visible
	s.applied = tok.Seq
	s.lastError = nil
	if tok.Seq == s.seq {
		s.loading = false
	}
	return true
}

// FailFetch records err for tok. The visible list is left untouched. It
// reports false when tok has been superseded.
func (s *Store) FailFetch(tok FetchToken, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isCurrent(tok) {
		return false
	}
	s.lastError = err
	if tok.Seq == s.seq {
		s.loading = false
	}
	return true
}

// IsCurrent reports whether tok still identifies the current selection.
func (s *Store) IsCurrent(tok FetchToken) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isCurrent(tok)
}

// Selection returns the selection of the latest issued fetch.
func (s *Store) Selection() model.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection.Clone()
}

// CurrentFolder returns the folder of the latest issued fetch.
func (s *Store) CurrentFolder() model.Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection.Folder
}

// CurrentFingerprint returns the fingerprint of the latest issued fetch.
func (s *Store) CurrentFingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Loading reports whether the latest issued fetch is still running.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastError returns the error of the last failed current fetch, cleared
// by the next successful one.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Get returns a copy of the email with id.
func (s *Store) Get(id string) (model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.emails[id]
	if !ok {
		return model.Email{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

// Visible returns copies of the emails of the current selection, in the
// order they were fetched.
func (s *Store) Visible() []model.Email {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Email, 0, len(s.visible))
	for _, id := range s.visible {
		if e, ok := s.emails[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// VisibleIDs returns the ids of the current selection.
func (s *Store) VisibleIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.visible...)
}

// All returns copies of every known email, newest first.
func (s *Store) All() []model.Email {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Email, 0, len(s.emails))
	for _, e := range s.emails {
		out = append(out, e.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.After(out[j].Date)
	})
	return out
}

// Merge adds or replaces emails in the global map without touching the
// visible list or the fetch bookkeeping.
func (s *Store) Merge(emails ...model.Email) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range emails {
		c := e.Clone()
		s.emails[e.ID] = &c
	}
}

// Update runs fn on a copy of the email with id. The copy replaces the
// stored email only when fn returns nil, so a failing fn leaves the store
// exactly as it was.
func (s *Store) Update(id string, fn func(e *model.Email) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.emails[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	c := cur.Clone()
	if err := fn(&c); err != nil {
		return err
	}
	c.ID = cur.ID
	s.emails[id] = &c
	return nil
}

// RemoveFromVisible drops id from the visible list only. The email stays
// in the global map.
func (s *Store) RemoveFromVisible(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range s.visible {
		if v == id {
			s.visible = append(s.visible[:i:i], s.visible[i+1:]...)
			return
		}
	}
}

// Stats returns the mailbox statistics. UnreadCount is derived from the
// emails themselves: each unread email counts exactly once.
func (s *Store) Stats() model.MailboxStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unread := 0
	for _, e := range s.emails {
		if !e.Read {
			unread++
		}
	}
	return model.MailboxStats{
		UnreadCount:       unread,
		DraftCount:        s.drafts,
		ScheduledCount:    s.provider.ScheduledCount,
		StorageUsedBytes:  s.provider.StorageUsedBytes,
		StorageTotalBytes: s.provider.StorageTotalBytes,
	}
}

// SetProviderStats replaces the provider-reported counters.
func (s *Store) SetProviderStats(st provider.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = st
	s.drafts = st.DraftCount
}

// AdjustDraftCount moves the draft counter by delta between provider
// refreshes. It never goes below zero.
func (s *Store) AdjustDraftCount(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts += delta
	if s.drafts < 0 {
		s.drafts = 0
	}
}

// Reset forgets everything, including the selection. Fetches issued
// before the reset can no longer be applied.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.emails = make(map[string]*model.Email)
	s.visible = nil
	s.selection = model.Selection{}
	s.current = ""
	s.applied = s.seq
	s.loading = false
	s.lastError = nil
	s.provider = provider.Stats{}
	s.drafts = 0
}
