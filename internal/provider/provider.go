// Package provider defines the contract between the mailbox engine and a
// remote mail service, plus the raw message shapes exchanged over it.
package provider

import (
	"context"
	"encoding/base64"
	"strings"
	"time"
)

// Sentinel label ids carrying flag semantics.
const (
	LabelUnread    = "UNREAD"
	LabelStarred   = "STARRED"
	LabelImportant = "IMPORTANT"
)

// Folder membership label ids.
const (
	LabelInbox = "INBOX"
	LabelSent  = "SENT"
	LabelDraft = "DRAFT"
	LabelTrash = "TRASH"
	LabelSpam  = "SPAM"
	LabelChat  = "CHAT"
)

// IsFolderLabel reports whether id denotes folder membership rather than
// a user category.
func IsFolderLabel(id string) bool {
	switch id {
	case LabelInbox, LabelSent, LabelDraft, LabelTrash, LabelSpam, LabelChat:
		return true
	}
	return false
}

// IsSentinelLabel reports whether id is one of the flag sentinels.
func IsSentinelLabel(id string) bool {
	switch id {
	case LabelUnread, LabelStarred, LabelImportant:
		return true
	}
	return false
}

// Header is one raw header line.
type Header struct {
	Name  string
	Value string
}

// Part is one node of a message's MIME tree.
type Part struct {
	PartID   string
	MimeType string
	Filename string
	Headers  []Header

	// Data is the part body, url-safe base64 without padding. Empty for
	// multipart containers and for attachments stored out of line.
	Data string

	// AttachmentID is the provider's handle for out-of-line bodies.
	AttachmentID string

	// Size is the decoded body size in bytes, when known.
	Size int64

	Parts []*Part
}

// Header returns the first value of the named header, case-insensitively.
func (p *Part) Header(name string) string {
	if p == nil {
		return ""
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Message is a full provider message.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate time.Time
	SizeEstimate int64
	Payload      *Part
}

// Draft is a provider-side draft and its current message.
type Draft struct {
	ID      string
	Message *Message
}

// Stats are the mailbox counters a provider can report. Zero means the
// provider does not expose the value.
type Stats struct {
	DraftCount        int
	ScheduledCount    int
	StorageUsedBytes  int64
	StorageTotalBytes int64
}

// Provider is the remote mail service consumed by the engine. Label names
// passed to Modify are either sentinel/folder ids or user label names;
// adapters translate names to their own ids.
type Provider interface {
	// List returns up to maxResults message ids matching query, newest
	// first.
	List(ctx context.Context, query string, maxResults int) ([]string, error)

	// Get returns the full message with its MIME tree.
	Get(ctx context.Context, id string) (*Message, error)

	// Modify adds and removes labels on one message.
	Modify(ctx context.Context, id string, add, remove []string) error

	// Trash moves a message to the trash.
	Trash(ctx context.Context, id string) error

	// CreateLabel creates a user label. Returns ErrLabelExists when the
	// name is already taken.
	CreateLabel(ctx context.Context, name string) error

	// CreateDraft stores a new draft from an encoded raw message.
	CreateDraft(ctx context.Context, raw string) (string, error)

	// UpdateDraft replaces the content of an existing draft and returns
	// the id that now identifies it.
	UpdateDraft(ctx context.Context, draftID, raw string) (string, error)

	// GetDraft loads a draft.
	GetDraft(ctx context.Context, draftID string) (*Draft, error)

	// SendDraft sends and retires a draft atomically.
	SendDraft(ctx context.Context, draftID string) (string, error)

	// Send sends an encoded raw message directly.
	Send(ctx context.Context, raw string) (string, error)

	// Stats returns mailbox counters.
	Stats(ctx context.Context) (*Stats, error)
}

// EncodeData encodes bytes in the provider transport encoding: url-safe
// base64 without padding.
func EncodeData(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeData decodes the provider transport encoding. Trailing padding
// and the standard alphabet are tolerated since some providers emit them.
func DecodeData(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_", "\r", "", "\n", "").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}
