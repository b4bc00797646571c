package email

import (
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsync/internal/provider"
)

// flagImportant is the keyword most servers use for the importance marker.
const flagImportant imap.Flag = "$Important"

// folderLabel returns the folder label id for a mailbox, or "" for
// mailboxes that carry none (the archive).
func (m Mailboxes) folderLabel(mailbox string) string {
	switch {
	case strings.EqualFold(mailbox, m.Inbox):
		return provider.LabelInbox
	case mailbox == m.Sent:
		return provider.LabelSent
	case mailbox == m.Drafts:
		return provider.LabelDraft
	case mailbox == m.Trash:
		return provider.LabelTrash
	case mailbox == m.Junk:
		return provider.LabelSpam
	}
	return ""
}

// labelIDs derives provider label ids from a message's mailbox and flags.
func (m Mailboxes) labelIDs(mailbox string, flags []imap.Flag) []string {
	var ids []string
	if l := m.folderLabel(mailbox); l != "" {
		ids = append(ids, l)
	}

	seen := false
	for _, f := range flags {
		switch {
		case f == imap.FlagSeen:
			seen = true
		case f == imap.FlagFlagged:
			ids = append(ids, provider.LabelStarred)
		case strings.EqualFold(string(f), string(flagImportant)):
			ids = append(ids, provider.LabelImportant)
		case f == imap.FlagDraft:
			if mailbox != m.Drafts {
				ids = append(ids, provider.LabelDraft)
			}
		case isUserKeyword(f):
			ids = append(ids, string(f))
		}
	}
	if !seen {
		ids = append(ids, provider.LabelUnread)
	}
	return ids
}

// isUserKeyword reports whether f is a user keyword rather than a system
// flag or a "$" server keyword.
func isUserKeyword(f imap.Flag) bool {
	s := string(f)
	return s != "" && !strings.HasPrefix(s, `\`) && !strings.HasPrefix(s, "$")
}

// flagChange is the STORE side of a Modify call.
type flagChange struct {
	add    []imap.Flag
	remove []imap.Flag
}

// flagFor maps a sentinel or user label onto a flag. The second result
// inverts the direction: UNREAD is the absence of \Seen.
func flagFor(label string) (flag imap.Flag, inverted, ok bool) {
	switch label {
	case provider.LabelUnread:
		return imap.FlagSeen, true, true
	case provider.LabelStarred:
		return imap.FlagFlagged, false, true
	case provider.LabelImportant:
		return flagImportant, false, true
	}
	if provider.IsFolderLabel(label) {
		return "", false, false
	}
	kw := keyword(label)
	if kw == "" {
		return "", false, false
	}
	return imap.Flag(kw), false, true
}

// flagChanges translates label edits into flag edits. Folder labels are
// left for the caller to turn into mailbox moves.
func flagChanges(add, remove []string) flagChange {
	var fc flagChange
	for _, l := range add {
		if f, inv, ok := flagFor(l); ok {
			if inv {
				fc.remove = append(fc.remove, f)
			} else {
				fc.add = append(fc.add, f)
			}
		}
	}
	for _, l := range remove {
		if f, inv, ok := flagFor(l); ok {
			if inv {
				fc.add = append(fc.add, f)
			} else {
				fc.remove = append(fc.remove, f)
			}
		}
	}
	return fc
}

// keyword turns a label name into an IMAP keyword: whitespace becomes a
// dash and characters outside the atom grammar are dropped.
func keyword(name string) string {
	name = strings.Join(strings.Fields(name), "-")
	var b strings.Builder
	for _, r := range name {
		if r <= ' ' || r >= 0x7f {
			continue
		}
		switch r {
		case '(', ')', '{', '%', '*', '"', '\\', ']':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
