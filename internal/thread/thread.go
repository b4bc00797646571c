// Package thread groups emails into conversations.
package thread

import (
	"sort"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// Thread is one conversation.
type Thread struct {
	ID string

	// Subject is the subject of the first message.
	Subject string

	// Emails are ordered oldest first.
	Emails []model.Email

	// Latest is the date of the newest message.
	Latest time.Time

	UnreadCount int

	// Participants are the distinct senders, in order of first message.
	Participants []model.Participant
}

// GroupByThread partitions emails by thread id. Messages within a thread
// are ascending by date; threads are descending by their newest message.
// An email without a thread id forms its own thread.
func GroupByThread(emails []model.Email) []Thread {
	byID := make(map[string]*Thread)
	var order []string

	for _, e := range emails {
		key := e.ThreadID
		if key == "" {
			key = e.ID
		}
		t, ok := byID[key]
		if !ok {
			t = &Thread{ID: key}
			byID[key] = t
			order = append(order, key)
		}
		t.Emails = append(t.Emails, e)
	}

	threads := make([]Thread, 0, len(order))
	for _, key := range order {
		t := byID[key]
		sortAscending(t.Emails)
		summarize(t)
		threads = append(threads, *t)
	}

	sort.SliceStable(threads, func(i, j int) bool {
		if threads[i].Latest.Equal(threads[j].Latest) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].Latest.After(threads[j].Latest)
	})
	return threads
}

// Conversation returns the messages of threadID oldest first, for
// replaying a conversation.
func Conversation(emails []model.Email, threadID string) []model.Email {
	var out []model.Email
	for _, e := range emails {
		if e.ThreadID == threadID || (e.ThreadID == "" && e.ID == threadID) {
			out = append(out, e)
		}
	}
	sortAscending(out)
	return out
}

// Newest orders emails newest first, the folder list order.
func Newest(emails []model.Email) []model.Email {
	out := append([]model.Email(nil), emails...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out
}

func sortAscending(emails []model.Email) {
	sort.SliceStable(emails, func(i, j int) bool {
		return emails[i].Date.Before(emails[j].Date)
	})
}

func summarize(t *Thread) {
	seen := make(map[string]bool)
	for _, e := range t.Emails {
		if !e.Read {
			t.UnreadCount++
		}
		if e.Date.After(t.Latest) {
			t.Latest = e.Date
		}
		if e.From.Email != "" && !seen[e.From.Email] {
			seen[e.From.Email] = true
			t.Participants = append(t.Participants, e.From)
		}
	}
	if len(t.Emails) > 0 {
		t.Subject = t.Emails[0].Subject
	}
}
