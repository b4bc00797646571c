// Package normalize turns one raw provider message into a model.Email.
//
// Every field has a documented fallback so a partially broken message
// still produces a usable entity:
//
//	From            zero Participant
//	To, Cc, Bcc     empty list; unparsable elements are dropped
//	Subject         RFC 2047 decoded, else the raw value, else ""
//	Date            Date header, else the provider internal date, else zero
//	Read            true unless the UNREAD sentinel is present
//	Starred         STARRED sentinel present
//	Important       IMPORTANT sentinel present
//	Labels          remaining non-folder label ids, lower-cased
//	Folder          TRASH, DRAFT, INBOX, SENT in that order, else archived
//	HasReplied      In-Reply-To header present
//	HasForwarded    subject starts with "Fwd:"
//	Snippet         provider snippet, else the start of the text body
package normalize

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/mimetree"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// snippetLen bounds a snippet derived from the body.
const snippetLen = 140

// Input is everything known about one message before normalization.
type Input struct {
	ID           string
	ThreadID     string
	Headers      []provider.Header
	Decoded      mimetree.Result
	LabelIDs     []string
	Snippet      string
	InternalDate time.Time
}

// FromMessage builds an Input from a provider message, decoding its MIME
// tree on the way.
func FromMessage(msg *provider.Message) Input {
	in := Input{
		ID:           msg.ID,
		ThreadID:     msg.ThreadID,
		LabelIDs:     msg.LabelIDs,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
	}
	if msg.Payload != nil {
		in.Headers = msg.Payload.Headers
	}
	in.Decoded = mimetree.Decode(msg.ID, msg.Payload)
	return in
}

// Normalize produces one Email.
func Normalize(in Input) model.Email {
	h := headerOf(in.Headers)

	e := model.Email{
		ID:       in.ID,
		ThreadID: in.ThreadID,
		Read:     true,
		Labels:   model.NewLabelSet(),
		BodyText: in.Decoded.BodyText,
		BodyHTML: in.Decoded.BodyHTML,
	}
	if e.ThreadID == "" {
		e.ThreadID = e.ID
	}

	if from := ParseParticipants(h, "From"); len(from) > 0 {
		e.From = from[0]
	}
	e.To = ParseParticipants(h, "To")
	e.Cc = ParseParticipants(h, "Cc")
	e.Bcc = ParseParticipants(h, "Bcc")

	e.Subject = subjectOf(h)
	e.Date = dateOf(h, in.InternalDate)

	e.HasReplied = strings.TrimSpace(h.Get("In-Reply-To")) != ""
	e.HasForwarded = strings.HasPrefix(e.Subject, "Fwd:")

	applyLabels(&e, in.LabelIDs)

	for _, a := range in.Decoded.Attachments {
		e.Attachments = append(e.Attachments, model.Attachment{
			ID:        a.ID,
			Name:      a.Filename,
			MimeType:  a.MimeType,
			SizeBytes: a.Size,
		})
	}

	e.Snippet = in.Snippet
	if e.Snippet == "" {
		e.Snippet = snippetFrom(e.BodyText)
	}

	return e
}

func headerOf(headers []provider.Header) mail.Header {
	var h mail.Header
	for _, hdr := range headers {
		h.Add(hdr.Name, hdr.Value)
	}
	return h
}

func subjectOf(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return strings.TrimSpace(h.Get("Subject"))
	}
	return strings.TrimSpace(s)
}

func dateOf(h mail.Header, internal time.Time) time.Time {
	if h.Get("Date") != "" {
		if d, err := h.Date(); err == nil && !d.IsZero() {
			return d
		}
	}
	return internal
}

// applyLabels maps sentinel ids to flags, folder ids to the folder, and
// everything else to custom labels.
func applyLabels(e *model.Email, ids []string) {
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true

		switch {
		case id == provider.LabelUnread:
			e.Read = false
		case id == provider.LabelStarred:
			e.Starred = true
		case id == provider.LabelImportant:
			e.Important = true
		case provider.IsFolderLabel(id):
		default:
			if l, err := model.NormalizeLabel(id); err == nil {
				e.Labels.Add(l)
			}
		}
	}

	switch {
	case present[provider.LabelTrash]:
		e.Folder = model.FolderTrash
	case present[provider.LabelDraft]:
		e.Folder = model.FolderDrafts
	case present[provider.LabelInbox]:
		e.Folder = model.FolderInbox
	case present[provider.LabelSent]:
		e.Folder = model.FolderSent
	default:
		e.Folder = model.FolderArchived
	}
}

func snippetFrom(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= snippetLen {
		return s
	}
	r := []rune(s)
	return string(r[:snippetLen])
}

var (
	namedAddr = regexp.MustCompile(`^\s*"?([^"<]*?)"?\s*<([^<>\s]+@[^<>\s]+)>\s*$`)
	bareAddr  = regexp.MustCompile(`^\s*<?([^<>\s@]+@[^<>\s]+?)>?\s*$`)
)

// ParseParticipants parses an address header into participants. RFC 5322
// parsing is tried first; when the header as a whole does not parse, each
// comma-separated element is matched as `Name <email>` or a bare email,
// and elements matching neither are dropped.
func ParseParticipants(h mail.Header, key string) []model.Participant {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	if list, err := h.AddressList(key); err == nil && len(list) > 0 {
		out := make([]model.Participant, 0, len(list))
		for _, a := range list {
			out = append(out, model.Participant{Name: a.Name, Email: a.Address})
		}
		return out
	}

	var out []model.Participant
	for _, elem := range strings.Split(raw, ",") {
		if p, ok := ParseParticipant(elem); ok {
			out = append(out, p)
		}
	}
	return out
}

// ParseParticipant parses one `Name <email>` or bare email value.
func ParseParticipant(s string) (model.Participant, bool) {
	if m := namedAddr.FindStringSubmatch(s); m != nil {
		return model.Participant{Name: strings.TrimSpace(m[1]), Email: m[2]}, true
	}
	if m := bareAddr.FindStringSubmatch(s); m != nil {
		return model.Participant{Email: m[1]}, true
	}
	return model.Participant{}, false
}
