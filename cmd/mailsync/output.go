package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/thread"
)

// emailSummary is the list form of an email.
type emailSummary struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
	Snippet   string    `json:"snippet,omitempty"`
	Read      bool      `json:"read"`
	Starred   bool      `json:"starred"`
	Important bool      `json:"important"`
	Labels    []string  `json:"labels,omitempty"`
	Folder    string    `json:"folder"`
}

// emailDetail adds bodies and attachments.
type emailDetail struct {
	emailSummary
	To          []string           `json:"to"`
	Cc          []string           `json:"cc,omitempty"`
	BodyText    string             `json:"body_text,omitempty"`
	BodyHTML    string             `json:"body_html,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Replied     bool               `json:"replied"`
	Forwarded   bool               `json:"forwarded"`
}

type threadSummary struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Messages     int       `json:"messages"`
	Unread       int       `json:"unread"`
	Latest       time.Time `json:"latest"`
	Participants []string  `json:"participants"`
}

func summarize(e model.Email) emailSummary {
	labels := make([]string, 0, len(e.Labels))
	for _, l := range e.Labels.Sorted() {
		labels = append(labels, string(l))
	}
	return emailSummary{
		ID:        e.ID,
		ThreadID:  e.ThreadID,
		From:      e.From.String(),
		Subject:   e.Subject,
		Date:      e.Date,
		Snippet:   e.Snippet,
		Read:      e.Read,
		Starred:   e.Starred,
		Important: e.Important,
		Labels:    labels,
		Folder:    string(e.Folder),
	}
}

func detail(e model.Email) emailDetail {
	return emailDetail{
		emailSummary: summarize(e),
		To:           participants(e.To),
		Cc:           participants(e.Cc),
		BodyText:     e.BodyText,
		BodyHTML:     e.BodyHTML,
		Attachments:  e.Attachments,
		Replied:      e.HasReplied,
		Forwarded:    e.HasForwarded,
	}
}

func summarizeThread(t thread.Thread) threadSummary {
	return threadSummary{
		ID:           t.ID,
		Subject:      t.Subject,
		Messages:     len(t.Emails),
		Unread:       t.UnreadCount,
		Latest:       t.Latest,
		Participants: participants(t.Participants),
	}
}

func participants(ps []model.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
