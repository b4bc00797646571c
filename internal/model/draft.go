package model

import "time"

// CompositionDraft is the editable state of one open composition session.
type CompositionDraft struct {
	// DraftID is the backing provider draft, empty until the first
	// successful autosave.
	DraftID string `json:"draft_id,omitempty"`

	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Bcc     []string `json:"bcc"`
	Subject string   `json:"subject"`

	BodyHTML string `json:"body_html"`

	SourceReplyID   string `json:"source_reply_id,omitempty"`
	SourceForwardID string `json:"source_forward_id,omitempty"`

	// Dirty is set by every edit and cleared when the edited content has
	// been persisted.
	Dirty bool `json:"dirty"`

	LastSavedAt *time.Time `json:"last_saved_at,omitempty"`
}

// IsEmpty reports whether there is nothing worth persisting.
func (d CompositionDraft) IsEmpty() bool {
	return len(d.To) == 0 && d.Subject == "" && d.BodyHTML == ""
}

// Clone returns a deep copy.
func (d CompositionDraft) Clone() CompositionDraft {
	c := d
	c.To = append([]string(nil), d.To...)
	c.Cc = append([]string(nil), d.Cc...)
	c.Bcc = append([]string(nil), d.Bcc...)
	if d.LastSavedAt != nil {
		t := *d.LastSavedAt
		c.LastSavedAt = &t
	}
	return c
}
