package gmail

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/provider"
)

const apiPrefix = "/gmail/v1/users/me"

type fakeGmail struct {
	mu       sync.Mutex
	modifies []map[string][]string
	queries  []string
	mux      *http.ServeMux
}

func newFakeGmail(t *testing.T) (*fakeGmail, *Client) {
	t.Helper()

	f := &fakeGmail{mux: http.NewServeMux()}
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), nil, zerolog.Nop(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return f, c
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func apiError(code int, reason, message string) string {
	b, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"errors":  []map[string]string{{"reason": reason, "message": message}},
		},
	})
	return string(b)
}

func (f *fakeGmail) serveLabels() {
	f.mux.HandleFunc("GET "+apiPrefix+"/labels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"labels":[
			{"id":"INBOX","name":"INBOX","type":"system"},
			{"id":"Label_12","name":"Work","type":"user"},
			{"id":"Label_13","name":"side-project","type":"user"}
		]}`)
	})
}

const fullMessage = `{
	"id": "m1",
	"threadId": "t1",
	"labelIds": ["INBOX", "UNREAD", "Label_12", "CATEGORY_SOCIAL"],
	"snippet": "Let&#39;s meet",
	"internalDate": "1709294400000",
	"sizeEstimate": 2048,
	"payload": {
		"partId": "",
		"mimeType": "multipart/alternative",
		"headers": [{"name": "Subject", "value": "Hi"}],
		"body": {"size": 0},
		"parts": [
			{"partId": "0", "mimeType": "text/plain", "body": {"data": "aGVsbG8", "size": 5}},
			{"partId": "1", "mimeType": "application/pdf", "filename": "a.pdf",
			 "body": {"attachmentId": "att-1", "size": 1234}}
		]
	}
}`

func TestList(t *testing.T) {
	f, c := newFakeGmail(t)
	f.mux.HandleFunc("GET "+apiPrefix+"/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.Query().Get("q")+"|"+r.URL.Query().Get("maxResults"))
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, `{"messages":[{"id":"m2","threadId":"t"},{"id":"m1","threadId":"t"}]}`)
	})

	ids, err := c.List(context.Background(), "in:inbox (label:work)", 50)
	require.NoError(t, err)

	assert.Equal(t, []string{"m2", "m1"}, ids)
	assert.Equal(t, []string{"in:inbox (label:work)|50"}, f.queries)
}

func TestGet_TranslatesMessage(t *testing.T) {
	f, c := newFakeGmail(t)
	f.serveLabels()
	f.mux.HandleFunc("GET "+apiPrefix+"/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(w, http.StatusOK, fullMessage)
	})

	msg, err := c.Get(context.Background(), "m1")
	require.NoError(t, err)

	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, []string{"INBOX", "UNREAD", "Work", "social"}, msg.LabelIDs)
	assert.Equal(t, "Let's meet", msg.Snippet)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), msg.InternalDate)
	assert.Equal(t, int64(2048), msg.SizeEstimate)

	require.NotNil(t, msg.Payload)
	assert.Equal(t, "Hi", msg.Payload.Header("Subject"))
	require.Len(t, msg.Payload.Parts, 2)
	assert.Equal(t, "aGVsbG8", msg.Payload.Parts[0].Data)
	assert.Equal(t, "att-1", msg.Payload.Parts[1].AttachmentID)
	assert.Equal(t, "a.pdf", msg.Payload.Parts[1].Filename)
	assert.Equal(t, int64(1234), msg.Payload.Parts[1].Size)
}

func TestModify_ResolvesLabelNames(t *testing.T) {
	f, c := newFakeGmail(t)
	f.serveLabels()
	f.mux.HandleFunc("POST "+apiPrefix+"/messages/m1/modify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.modifies = append(f.modifies, body)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, `{"id":"m1"}`)
	})

	err := c.Modify(context.Background(), "m1",
		[]string{"work", provider.LabelStarred, "promotions"},
		[]string{provider.LabelUnread},
	)
	require.NoError(t, err)

	require.Len(t, f.modifies, 1)
	assert.Equal(t, []string{"Label_12", "STARRED", "CATEGORY_PROMOTIONS"}, f.modifies[0]["addLabelIds"])
	assert.Equal(t, []string{"UNREAD"}, f.modifies[0]["removeLabelIds"])
}

func TestModify_UnknownLabel(t *testing.T) {
	f, c := newFakeGmail(t)
	f.serveLabels()

	err := c.Modify(context.Background(), "m1", []string{"nope"}, nil)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestCreateLabel(t *testing.T) {
	f, c := newFakeGmail(t)
	f.mux.HandleFunc("POST "+apiPrefix+"/labels", func(w http.ResponseWriter, r *http.Request) {
		var l map[string]any
		_ = json.NewDecoder(r.Body).Decode(&l)
		if l["name"] == "taken" {
			writeJSON(w, http.StatusConflict, apiError(409, "duplicate", "Label name exists or conflicts"))
			return
		}
		writeJSON(w, http.StatusOK, `{"id":"Label_99","name":"fresh","type":"user"}`)
	})

	require.NoError(t, c.CreateLabel(context.Background(), "fresh"))
	id, ok := c.labels.id("fresh")
	assert.True(t, ok)
	assert.Equal(t, "Label_99", id)

	assert.ErrorIs(t, c.CreateLabel(context.Background(), "taken"), provider.ErrLabelExists)
	assert.ErrorIs(t, c.CreateLabel(context.Background(), "social"), provider.ErrLabelExists)
}

func TestErrorMapping(t *testing.T) {
	f, c := newFakeGmail(t)
	f.mux.HandleFunc("GET "+apiPrefix+"/messages/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, apiError(404, "notFound", "Requested entity was not found."))
	})
	f.mux.HandleFunc("GET "+apiPrefix+"/messages/expired", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, apiError(401, "authError", "Invalid Credentials"))
	})
	f.mux.HandleFunc("GET "+apiPrefix+"/messages/flaky", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, apiError(503, "backendError", "Backend Error"))
	})
	f.mux.HandleFunc("GET "+apiPrefix+"/messages/limited", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, apiError(403, "userRateLimitExceeded", "User Rate Limit Exceeded"))
	})

	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, provider.ErrNotFound)

	_, err = c.Get(ctx, "expired")
	assert.True(t, provider.IsAuthError(err))

	_, err = c.Get(ctx, "flaky")
	assert.True(t, provider.IsTransient(err))

	_, err = c.Get(ctx, "limited")
	assert.True(t, provider.IsTransient(err))
}

func TestDraftsAndStats(t *testing.T) {
	f, c := newFakeGmail(t)
	f.mux.HandleFunc("POST "+apiPrefix+"/drafts", func(w http.ResponseWriter, r *http.Request) {
		var d map[string]map[string]string
		_ = json.NewDecoder(r.Body).Decode(&d)
		assert.Equal(t, "cmF3", d["message"]["raw"])
		writeJSON(w, http.StatusOK, `{"id":"d1","message":{"id":"m9"}}`)
	})
	f.mux.HandleFunc("PUT "+apiPrefix+"/drafts/d1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"d1","message":{"id":"m10"}}`)
	})
	f.mux.HandleFunc("POST "+apiPrefix+"/drafts/send", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"m11","threadId":"t11"}`)
	})
	f.mux.HandleFunc("GET "+apiPrefix+"/labels/DRAFT", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id":"DRAFT","name":"DRAFT","messagesTotal":4}`)
	})

	ctx := context.Background()

	id, err := c.CreateDraft(ctx, "cmF3")
	require.NoError(t, err)
	assert.Equal(t, "d1", id)

	id, err = c.UpdateDraft(ctx, "d1", "cmF3Mg")
	require.NoError(t, err)
	assert.Equal(t, "d1", id)

	sent, err := c.SendDraft(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "m11", sent)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.DraftCount)
	assert.Zero(t, stats.StorageTotalBytes)
}
