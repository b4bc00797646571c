package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"

	"github.com/nhle/mailsync/internal/provider"
)

// FakeProvider is an in-memory provider.Provider. Errors can be injected
// per operation and List calls can be held open to simulate slow
// responses.
type FakeProvider struct {
	mu sync.Mutex

	messages map[string]*provider.Message
	lists    map[string][]string
	labels   map[string]bool
	drafts   map[string]string
	sent     []string
	stats    provider.Stats
	nextID   int

	// errs maps "op" or "op:id" to the error that call returns.
	errs map[string]error

	// gates holds List calls for a query, or CreateDraft calls under
	// createDraftGate, until the channel is closed.
	gates map[string]chan struct{}

	calls []string
}

// NewFakeProvider returns an empty provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		messages: make(map[string]*provider.Message),
		lists:    make(map[string][]string),
		labels:   make(map[string]bool),
		drafts:   make(map[string]string),
		errs:     make(map[string]error),
		gates:    make(map[string]chan struct{}),
	}
}

// AddMessage stores msg so Get can return it.
func (f *FakeProvider) AddMessage(msg *provider.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.ID] = msg
}

// SetList sets the ids List returns for query.
func (f *FakeProvider) SetList(query string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[query] = ids
}

// SetStats sets what Stats returns.
func (f *FakeProvider) SetStats(s provider.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = s
}

// AddLabel registers an existing remote label.
func (f *FakeProvider) AddLabel(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[name] = true
}

// HasLabel reports whether a remote label exists.
func (f *FakeProvider) HasLabel(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[name]
}

// FailOn makes the next and all later calls to key fail with err. Key is
// an operation name ("list", "get", "modify", "trash", "create_label",
// "create_draft", "update_draft", "get_draft", "send_draft", "send",
// "stats"), optionally suffixed with ":<id>". A nil err clears it.
func (f *FakeProvider) FailOn(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, key)
		return
	}
	f.errs[key] = err
}

// Hold makes List for query block until the returned release func runs.
func (f *FakeProvider) Hold(query string) (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[query] = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// createDraftGate is the gates key that holds CreateDraft.
const createDraftGate = "op:create_draft"

// HoldCreateDraft makes CreateDraft block until the returned release func
// runs or the call's context ends.
func (f *FakeProvider) HoldCreateDraft() (release func()) {
	return f.Hold(createDraftGate)
}

// wait blocks while the gate for key is held.
func (f *FakeProvider) wait(ctx context.Context, key string) error {
	f.mu.Lock()
	gate := f.gates[key]
	f.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calls returns the operations invoked so far, as "op:arg".
func (f *FakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CountCalls returns how many calls started with prefix.
func (f *FakeProvider) CountCalls(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Drafts returns a copy of the stored drafts, keyed by id.
func (f *FakeProvider) Drafts() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.drafts))
	for k, v := range f.drafts {
		out[k] = v
	}
	return out
}

// Sent returns the raw messages sent so far, including sent drafts.
func (f *FakeProvider) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// Message returns the stored message with id.
func (f *FakeProvider) Message(id string) *provider.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id]
}

func (f *FakeProvider) begin(op, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+id)
	if err, ok := f.errs[op+":"+id]; ok {
		return err
	}
	if err, ok := f.errs[op]; ok {
		return err
	}
	return nil
}

func (f *FakeProvider) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *FakeProvider) List(ctx context.Context, query string, maxResults int) ([]string, error) {
	if err := f.begin("list", query); err != nil {
		return nil, err
	}

	if err := f.wait(ctx, query); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.lists[query]
	if maxResults > 0 && len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (f *FakeProvider) Get(ctx context.Context, id string) (*provider.Message, error) {
	if err := f.begin("get", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	cp := *msg
	cp.LabelIDs = append([]string(nil), msg.LabelIDs...)
	return &cp, nil
}

func (f *FakeProvider) Modify(ctx context.Context, id string, add, remove []string) error {
	if err := f.begin("modify", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return provider.ErrNotFound
	}
	msg.LabelIDs = applyLabels(msg.LabelIDs, add, remove)
	return nil
}

func (f *FakeProvider) Trash(ctx context.Context, id string) error {
	if err := f.begin("trash", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return provider.ErrNotFound
	}
	msg.LabelIDs = applyLabels(msg.LabelIDs, []string{provider.LabelTrash}, []string{provider.LabelInbox})
	return nil
}

func (f *FakeProvider) CreateLabel(ctx context.Context, name string) error {
	if err := f.begin("create_label", name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labels[name] {
		return provider.ErrLabelExists
	}
	f.labels[name] = true
	return nil
}

func (f *FakeProvider) CreateDraft(ctx context.Context, raw string) (string, error) {
	if err := f.begin("create_draft", ""); err != nil {
		return "", err
	}
	if err := f.wait(ctx, createDraftGate); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("draft-")
	f.drafts[id] = raw
	return id, nil
}

func (f *FakeProvider) UpdateDraft(ctx context.Context, draftID, raw string) (string, error) {
	if err := f.begin("update_draft", draftID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.drafts[draftID]; !ok {
		return "", provider.ErrNotFound
	}
	f.drafts[draftID] = raw
	return draftID, nil
}

func (f *FakeProvider) GetDraft(ctx context.Context, draftID string) (*provider.Draft, error) {
	if err := f.begin("get_draft", draftID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	raw, ok := f.drafts[draftID]
	f.mu.Unlock()
	if !ok {
		return nil, provider.ErrNotFound
	}

	payload, err := rawToPart(raw)
	if err != nil {
		return nil, err
	}
	return &provider.Draft{
		ID: draftID,
		Message: &provider.Message{
			ID:           draftID + "-msg",
			ThreadID:     draftID + "-msg",
			LabelIDs:     []string{provider.LabelDraft},
			InternalDate: time.Now(),
			Payload:      payload,
		},
	}, nil
}

func (f *FakeProvider) SendDraft(ctx context.Context, draftID string) (string, error) {
	if err := f.begin("send_draft", draftID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.drafts[draftID]
	if !ok {
		return "", provider.ErrNotFound
	}
	delete(f.drafts, draftID)
	f.sent = append(f.sent, raw)
	return f.newID("sent-"), nil
}

func (f *FakeProvider) Send(ctx context.Context, raw string) (string, error) {
	if err := f.begin("send", ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return f.newID("sent-"), nil
}

func (f *FakeProvider) Stats(ctx context.Context) (*provider.Stats, error) {
	if err := f.begin("stats", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	return &s, nil
}

func applyLabels(current, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, l := range remove {
		drop[l] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, l := range append(append([]string(nil), current...), add...) {
		if drop[l] || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// rawToPart turns an encoded transport message back into a single-part
// tree, the way a provider returns a stored draft.
func rawToPart(raw string) (*provider.Part, error) {
	b, err := provider.DecodeData(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding draft: %w", err)
	}
	entity, err := message.Read(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parsing draft: %w", err)
	}
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, fmt.Errorf("reading draft body: %w", err)
	}

	part := &provider.Part{
		Data: provider.EncodeData(body),
	}
	mediaType, _, _ := entity.Header.ContentType()
	part.MimeType = mediaType

	fields := entity.Header.Fields()
	for fields.Next() {
		part.Headers = append(part.Headers, provider.Header{
			Name:  fields.Key(),
			Value: fields.Value(),
		})
	}
	return part, nil
}

// MessageFixture describes a provider message for tests.
type MessageFixture struct {
	ID        string
	ThreadID  string
	From      string
	To        string
	Subject   string
	Date      time.Time
	InReplyTo string
	LabelIDs  []string
	Text      string
	HTML      string
}

// BuildMessage turns a fixture into a provider message with a
// multipart/alternative payload.
func BuildMessage(fx MessageFixture) *provider.Message {
	threadID := fx.ThreadID
	if threadID == "" {
		threadID = fx.ID
	}
	date := fx.Date
	if date.IsZero() {
		date = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	}

	headers := []provider.Header{
		{Name: "From", Value: fx.From},
		{Name: "To", Value: fx.To},
		{Name: "Subject", Value: fx.Subject},
		{Name: "Date", Value: date.Format(time.RFC1123Z)},
	}
	if fx.InReplyTo != "" {
		headers = append(headers, provider.Header{Name: "In-Reply-To", Value: fx.InReplyTo})
	}

	payload := &provider.Part{
		MimeType: "multipart/alternative",
		Headers:  headers,
	}
	if fx.Text != "" {
		payload.Parts = append(payload.Parts, &provider.Part{
			MimeType: "text/plain",
			Data:     provider.EncodeData([]byte(fx.Text)),
		})
	}
	if fx.HTML != "" {
		payload.Parts = append(payload.Parts, &provider.Part{
			MimeType: "text/html",
			Data:     provider.EncodeData([]byte(fx.HTML)),
		})
	}

	return &provider.Message{
		ID:           fx.ID,
		ThreadID:     threadID,
		LabelIDs:     append([]string(nil), fx.LabelIDs...),
		Snippet:      fx.Text,
		InternalDate: date,
		Payload:      payload,
	}
}
