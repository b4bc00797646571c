package model

import (
	"fmt"
	"sort"
	"strings"
)

// Label is a user-facing message category.
type Label string

// Built-in labels. Any other non-empty lower-cased name is a custom label
// created on first use.
const (
	LabelImportant  Label = "important"
	LabelPersonal   Label = "personal"
	LabelWork       Label = "work"
	LabelSocial     Label = "social"
	LabelUpdates    Label = "updates"
	LabelPromotions Label = "promotions"
)

// BuiltinLabels lists the closed set of built-in labels.
var BuiltinLabels = []Label{
	LabelImportant, LabelPersonal, LabelWork,
	LabelSocial, LabelUpdates, LabelPromotions,
}

// NormalizeLabel trims and lower-cases a label name.
func NormalizeLabel(name string) (Label, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return "", fmt.Errorf("label name is empty")
	}
	return Label(n), nil
}

// IsBuiltin reports whether l is one of the built-in labels.
func (l Label) IsBuiltin() bool {
	for _, b := range BuiltinLabels {
		if l == b {
			return true
		}
	}
	return false
}

// LabelSet is a deduplicated set of labels.
type LabelSet map[Label]struct{}

// NewLabelSet builds a set from the given labels.
func NewLabelSet(labels ...Label) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s LabelSet) Has(l Label) bool {
	_, ok := s[l]
	return ok
}

// Add inserts l and reports whether the set changed.
func (s LabelSet) Add(l Label) bool {
	if s.Has(l) {
		return false
	}
	s[l] = struct{}{}
	return true
}

// Remove deletes l and reports whether the set changed.
func (s LabelSet) Remove(l Label) bool {
	if !s.Has(l) {
		return false
	}
	delete(s, l)
	return true
}

// Clone returns an independent copy. A nil set clones to an empty set.
func (s LabelSet) Clone() LabelSet {
	c := make(LabelSet, len(s))
	for l := range s {
		c[l] = struct{}{}
	}
	return c
}

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []Label {
	out := make([]Label, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
