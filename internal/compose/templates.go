package compose

import (
	"fmt"
	"html"
	"mime"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/mimetree"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/normalize"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/sanitize"
)

// attributionDate is the date layout of reply and forward headers.
const attributionDate = "Mon, Jan 2, 2006 at 3:04 PM"

// ReplyDraft prefills a reply to e.
func ReplyDraft(e model.Email) model.CompositionDraft {
	d := model.CompositionDraft{
		Subject:       "Re: " + e.Subject,
		SourceReplyID: e.ID,
	}
	if e.From.Email != "" {
		d.To = []string{e.From.Email}
	}

	var b strings.Builder
	b.WriteString("<br><br><div class=\"quote\">")
	sender := "&lt;" + html.EscapeString(e.From.Email) + "&gt;"
	if e.From.Name != "" {
		sender = html.EscapeString(e.From.Name) + " " + sender
	}
	fmt.Fprintf(&b, "On %s, %s wrote:", html.EscapeString(e.Date.Format(attributionDate)), sender)
	b.WriteString("<blockquote>")
	b.WriteString(sanitize.Body(e.BodyHTML, e.BodyText))
	b.WriteString("</blockquote></div>")
	d.BodyHTML = b.String()

	return d
}

// ForwardDraft prefills a forward of e. Recipients start empty.
func ForwardDraft(e model.Email) model.CompositionDraft {
	d := model.CompositionDraft{
		Subject:         "Fwd: " + e.Subject,
		SourceForwardID: e.ID,
	}

	to := make([]string, 0, len(e.To))
	for _, p := range e.To {
		to = append(to, p.String())
	}

	var b strings.Builder
	b.WriteString("<br><br><div class=\"forward\">")
	b.WriteString("---------- Forwarded message ---------<br>")
	fmt.Fprintf(&b, "From: %s<br>", html.EscapeString(e.From.String()))
	fmt.Fprintf(&b, "Date: %s<br>", html.EscapeString(e.Date.Format(attributionDate)))
	fmt.Fprintf(&b, "Subject: %s<br>", html.EscapeString(e.Subject))
	fmt.Fprintf(&b, "To: %s<br>", html.EscapeString(strings.Join(to, ", ")))
	b.WriteString("<br>")
	b.WriteString(sanitize.Body(e.BodyHTML, e.BodyText))
	b.WriteString("</div>")
	d.BodyHTML = b.String()

	return d
}

// BuildRaw renders d as an HTML transport message, encoded for the
// provider. Header order is fixed: To, Subject, Cc, Bcc, then the content
// headers.
func BuildRaw(d model.CompositionDraft) string {
	var b strings.Builder
	b.WriteString("To: " + addressList(d.To) + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", d.Subject) + "\r\n")
	if len(d.Cc) > 0 {
		b.WriteString("Cc: " + addressList(d.Cc) + "\r\n")
	}
	if len(d.Bcc) > 0 {
		b.WriteString("Bcc: " + addressList(d.Bcc) + "\r\n")
	}
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("\r\n")
	b.WriteString(d.BodyHTML)

	return provider.EncodeData([]byte(b.String()))
}

// addressList joins recipients for a header line. Line breaks never reach
// the header, whatever the draft holds.
func addressList(list []string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, strings.Join(list, ", "))
}

// recipients validates edited recipient entries. Each must parse as one
// address; blank entries are dropped.
func recipients(list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, raw := range list {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.ContainsAny(entry, "\r\n") {
			return nil, fmt.Errorf("invalid recipient %q: contains a line break", entry)
		}
		if _, err := mail.ParseAddress(entry); err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", entry, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// draftFromMessage reads the editable fields back out of a stored draft.
func draftFromMessage(draftID string, msg *provider.Message) model.CompositionDraft {
	d := model.CompositionDraft{DraftID: draftID}
	if msg == nil || msg.Payload == nil {
		return d
	}

	var h mail.Header
	for _, hdr := range msg.Payload.Headers {
		h.Add(hdr.Name, hdr.Value)
	}

	d.To = addresses(h, "To")
	d.Cc = addresses(h, "Cc")
	d.Bcc = addresses(h, "Bcc")
	if s, err := h.Subject(); err == nil {
		d.Subject = s
	} else {
		d.Subject = h.Get("Subject")
	}

	decoded := mimetree.Decode(msg.ID, msg.Payload)
	if decoded.BodyHTML != "" {
		d.BodyHTML = decoded.BodyHTML
	} else if decoded.BodyText != "" {
		d.BodyHTML = sanitize.TextToHTML(decoded.BodyText)
	}
	return d
}

func addresses(h mail.Header, key string) []string {
	var out []string
	for _, p := range normalize.ParseParticipants(h, key) {
		out = append(out, p.String())
	}
	return out
}
