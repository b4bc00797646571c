package email

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// Config holds the IMAP and SMTP server settings for one account.
type Config struct {
	Host     string
	Port     string
	SMTPHost string
	SMTPPort string
	Username string
	Password string

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool

	Mailboxes Mailboxes
}

// Mailboxes names the server mailboxes that back the engine's folders.
type Mailboxes struct {
	Inbox   string
	Sent    string
	Drafts  string
	Trash   string
	Archive string
	Junk    string
}

// withDefaults fills unset mailbox names with the common defaults.
func (m Mailboxes) withDefaults() Mailboxes {
	if m.Inbox == "" {
		m.Inbox = "INBOX"
	}
	if m.Sent == "" {
		m.Sent = "Sent"
	}
	if m.Drafts == "" {
		m.Drafts = "Drafts"
	}
	if m.Trash == "" {
		m.Trash = "Trash"
	}
	if m.Archive == "" {
		m.Archive = "Archive"
	}
	if m.Junk == "" {
		m.Junk = "Junk"
	}
	return m
}

// messageRef locates one message on the server. Its string form
// "mailbox:uid" is the provider message id.
type messageRef struct {
	Mailbox string
	UID     imap.UID
}

func (r messageRef) String() string {
	return r.Mailbox + ":" + strconv.FormatUint(uint64(r.UID), 10)
}

// parseRef splits a provider id on its last colon, so mailbox names that
// contain colons survive.
func parseRef(id string) (messageRef, error) {
	i := strings.LastIndexByte(id, ':')
	if i <= 0 || i == len(id)-1 {
		return messageRef{}, fmt.Errorf("invalid message id %q", id)
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return messageRef{}, fmt.Errorf("invalid message id %q: bad uid", id)
	}
	return messageRef{Mailbox: id[:i], UID: imap.UID(uid)}, nil
}
