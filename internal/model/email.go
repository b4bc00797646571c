package model

import "time"

// Participant is one sender or recipient parsed from an address header.
type Participant struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// String renders the participant the way it appears in a header.
func (p Participant) String() string {
	if p.Name == "" {
		return p.Email
	}
	return p.Name + " <" + p.Email + ">"
}

// Attachment holds metadata about a message attachment. Content is never
// held in memory; URL is set only when the provider exposes one.
type Attachment struct {
	// ID is the provider attachment id, or {messageId}_{partPath} when
	// the provider did not assign one.
	ID string `json:"id"`

	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	URL       string `json:"url,omitempty"`
}

// Email is the canonical, normalized representation of one provider
// message.
type Email struct {
	// ID is the provider message id. Unique within the mailbox store.
	ID string `json:"id"`

	// ThreadID groups the messages of one conversation.
	ThreadID string `json:"thread_id"`

	From Participant   `json:"from"`
	To   []Participant `json:"to"`
	Cc   []Participant `json:"cc"`
	Bcc  []Participant `json:"bcc"`

	Subject  string `json:"subject"`
	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html"`
	Snippet  string `json:"snippet"`

	// Date is the Date header, falling back to the provider's internal
	// receive time.
	Date time.Time `json:"date"`

	Read      bool `json:"read"`
	Starred   bool `json:"starred"`
	Important bool `json:"important"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Labels holds user categorization only; sentinel and folder
	// label ids never appear here.
	Labels LabelSet `json:"labels"`

	Folder Folder `json:"folder"`

	HasReplied   bool `json:"has_replied"`
	HasForwarded bool `json:"has_forwarded"`
}

// Clone returns a deep copy so callers can mutate it without touching
// the stored entity.
func (e Email) Clone() Email {
	c := e
	c.To = append([]Participant(nil), e.To...)
	c.Cc = append([]Participant(nil), e.Cc...)
	c.Bcc = append([]Participant(nil), e.Bcc...)
	c.Attachments = append([]Attachment(nil), e.Attachments...)
	c.Labels = e.Labels.Clone()
	return c
}

// MailboxStats summarizes the mailbox for the rendering layer.
type MailboxStats struct {
	UnreadCount       int   `json:"unread_count"`
	DraftCount        int   `json:"draft_count"`
	ScheduledCount    int   `json:"scheduled_count"`
	StorageUsedBytes  int64 `json:"storage_used_bytes"`
	StorageTotalBytes int64 `json:"storage_total_bytes"`
}
