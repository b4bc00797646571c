package gmail

import (
	"context"
	"strings"
	"sync"

	"github.com/nhle/mailsync/internal/provider"
)

// categoryLabels maps Gmail's category tabs onto built-in label names.
var categoryLabels = map[string]string{
	"CATEGORY_PERSONAL":   "personal",
	"CATEGORY_SOCIAL":     "social",
	"CATEGORY_UPDATES":    "updates",
	"CATEGORY_PROMOTIONS": "promotions",
	"CATEGORY_FORUMS":     "forums",
}

// reservedNames are label names that resolve to system ids and can never
// be created.
var reservedNames = map[string]string{
	"important":  provider.LabelImportant,
	"personal":   "CATEGORY_PERSONAL",
	"social":     "CATEGORY_SOCIAL",
	"updates":    "CATEGORY_UPDATES",
	"promotions": "CATEGORY_PROMOTIONS",
	"forums":     "CATEGORY_FORUMS",
}

// directory caches the account's user labels in both directions.
type directory struct {
	mu     sync.RWMutex
	loaded bool
	byID   map[string]string
	byName map[string]string
}

func newDirectory() *directory {
	return &directory{
		byID:   make(map[string]string),
		byName: make(map[string]string),
	}
}

func (d *directory) replace(labels map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = make(map[string]string, len(labels))
	d.byName = make(map[string]string, len(labels))
	for id, name := range labels {
		d.byID[id] = name
		d.byName[strings.ToLower(name)] = id
	}
	d.loaded = true
}

func (d *directory) add(id, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[id] = name
	d.byName[strings.ToLower(name)] = id
}

func (d *directory) name(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.byID[id]
	return n, ok
}

func (d *directory) id(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[strings.ToLower(name)]
	return id, ok
}

func (d *directory) isLoaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// systemID returns the Gmail id for names that need no lookup: flag
// sentinels, folder ids and the reserved category names.
func systemID(name string) (string, bool) {
	if provider.IsSentinelLabel(name) || provider.IsFolderLabel(name) {
		return name, true
	}
	id, ok := reservedNames[strings.ToLower(name)]
	return id, ok
}

// labelNames translates the label ids on a message into the names the
// engine works with. Unknown ids pass through unchanged.
func (c *Client) labelNames(ctx context.Context, ids []string) []string {
	out := make([]string, 0, len(ids))
	refreshed := false
	for _, id := range ids {
		if provider.IsSentinelLabel(id) || provider.IsFolderLabel(id) {
			out = append(out, id)
			continue
		}
		if name, ok := categoryLabels[id]; ok {
			out = append(out, name)
			continue
		}
		name, ok := c.labels.name(id)
		if !ok && !refreshed && strings.HasPrefix(id, "Label_") {
			refreshed = true
			if err := c.refreshLabels(ctx); err != nil {
				c.logger.Debug().Err(err).Msg("label refresh failed")
			}
			name, ok = c.labels.name(id)
		}
		if !ok {
			name = id
		}
		out = append(out, name)
	}
	return out
}

// labelIDs resolves names to Gmail ids, refreshing the directory once
// when a name is missing.
func (c *Client) labelIDs(ctx context.Context, names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := systemID(name); ok {
			out = append(out, id)
			continue
		}
		id, ok := c.labels.id(name)
		if !ok {
			if err := c.refreshLabels(ctx); err != nil {
				return nil, err
			}
			id, ok = c.labels.id(name)
		}
		if !ok {
			return nil, &labelNotFoundError{name: name}
		}
		out = append(out, id)
	}
	return out, nil
}

type labelNotFoundError struct {
	name string
}

func (e *labelNotFoundError) Error() string {
	return "label " + e.name + ": " + provider.ErrNotFound.Error()
}

func (e *labelNotFoundError) Unwrap() error {
	return provider.ErrNotFound
}
