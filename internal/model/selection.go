package model

import (
	"sort"
	"strings"
)

// Selection is what the user is looking at: a folder, optionally narrowed
// by labels and free-text search.
type Selection struct {
	Folder Folder
	Labels []Label
	Search string
}

// Fingerprint identifies the selection. Two selections with the same
// folder, the same label set in any order, and the same trimmed search
// text share a fingerprint.
func (s Selection) Fingerprint() string {
	labels := make([]string, 0, len(s.Labels))
	for _, l := range s.Labels {
		labels = append(labels, string(l))
	}
	sort.Strings(labels)

	var b strings.Builder
	b.WriteString(string(s.Folder))
	b.WriteByte('\x1f')
	b.WriteString(strings.Join(labels, ","))
	b.WriteByte('\x1f')
	b.WriteString(strings.TrimSpace(s.Search))
	return b.String()
}

// Clone returns a copy that shares no memory with s.
func (s Selection) Clone() Selection {
	c := s
	c.Labels = append([]Label(nil), s.Labels...)
	return c
}
