// Package compose drives one message composition session: prefill for
// replies and forwards, debounced autosave to a single backing draft, and
// the final send.
package compose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/clock"
	"github.com/nhle/mailsync/internal/journal"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

var (
	// ErrNotOpen is returned by edits and saves when no composition is open.
	ErrNotOpen = errors.New("no composition is open")

	// ErrAlreadyOpen is returned by Open while another composition is open.
	ErrAlreadyOpen = errors.New("a composition is already open")

	// ErrNoRecipients is returned by Send when To is empty.
	ErrNoRecipients = errors.New("message has no recipients")
)

// State is the lifecycle state of the controller.
type State int

const (
	StateClosed State = iota
	StateComposingNew
	StateComposingReply
	StateComposingForward
)

func (s State) String() string {
	switch s {
	case StateComposingNew:
		return "composing_new"
	case StateComposingReply:
		return "composing_reply"
	case StateComposingForward:
		return "composing_forward"
	default:
		return "closed"
	}
}

// Defaults used when Options leaves a value at zero.
const (
	DefaultAutosaveDelay  = 3 * time.Second
	DefaultSavedIndicator = 2 * time.Second
)

// OpenOptions selects how a session starts. At most one field may be
// set; none starts a blank message.
type OpenOptions struct {
	ReplyTo     *model.Email
	ForwardFrom *model.Email
	DraftID     string
}

// SaveEvent reports a completed autosave.
type SaveEvent struct {
	SessionID string
	DraftID   string
	Created   bool
	Err       error
}

// Options configures a Controller.
type Options struct {
	AutosaveDelay  time.Duration
	SavedIndicator time.Duration
	Clock          clock.Clock

	// Store receives draft counter and reply/forward bookkeeping. Optional.
	Store *store.Store

	Journal journal.Recorder
	Logger  zerolog.Logger

	// OnSave is called after every autosave attempt, outside any lock.
	OnSave func(SaveEvent)
}

// Controller is the composition state machine. One controller serves
// any number of sequential sessions; Close ends the current one.
type Controller struct {
	provider       provider.Provider
	store          *store.Store
	clock          clock.Clock
	journal        journal.Recorder
	log            zerolog.Logger
	onSave         func(SaveEvent)
	autosaveDelay  time.Duration
	savedIndicator time.Duration

	// saveMu serializes every write of the backing draft so that the
	// first save's draft id is known before the next one starts.
	saveMu sync.Mutex

	mu         sync.Mutex
	state      State
	draft      model.CompositionDraft
	sessionID  string
	gen        uint64
	edits      uint64
	timer      clock.Timer
	timerSeq   uint64
	savedUntil time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a closed Controller.
func New(p provider.Provider, opts Options) *Controller {
	c := &Controller{
		provider:       p,
		store:          opts.Store,
		clock:          opts.Clock,
		journal:        opts.Journal,
		log:            opts.Logger,
		onSave:         opts.OnSave,
		autosaveDelay:  opts.AutosaveDelay,
		savedIndicator: opts.SavedIndicator,
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.journal == nil {
		c.journal = journal.Nop{}
	}
	if c.autosaveDelay <= 0 {
		c.autosaveDelay = DefaultAutosaveDelay
	}
	if c.savedIndicator <= 0 {
		c.savedIndicator = DefaultSavedIndicator
	}
	return c
}

// Open starts a session. Reopening by draft id loads the stored draft so
// later saves update it in place.
func (c *Controller) Open(ctx context.Context, opts OpenOptions) error {
	set := 0
	for _, ok := range []bool{opts.ReplyTo != nil, opts.ForwardFrom != nil, opts.DraftID != ""} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("open: reply, forward and draft id are mutually exclusive")
	}

	c.mu.Lock()
	open := c.state != StateClosed
	c.mu.Unlock()
	if open {
		return ErrAlreadyOpen
	}

	state := StateComposingNew
	var d model.CompositionDraft
	switch {
	case opts.ReplyTo != nil:
		state = StateComposingReply
		d = ReplyDraft(*opts.ReplyTo)
	case opts.ForwardFrom != nil:
		state = StateComposingForward
		d = ForwardDraft(*opts.ForwardFrom)
	case opts.DraftID != "":
		stored, err := c.provider.GetDraft(ctx, opts.DraftID)
		if err != nil {
			return fmt.Errorf("loading draft %s: %w", opts.DraftID, err)
		}
		d = draftFromMessage(stored.ID, stored.Message)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return ErrAlreadyOpen
	}

	c.gen++
	c.edits = 0
	c.state = state
	c.draft = d
	c.sessionID = uuid.New().String()
	c.savedUntil = time.Time{}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.log.Debug().
		Str("session_id", c.sessionID).
		Str("state", state.String()).
		Str("draft_id", d.DraftID).
		Msg("composition opened")
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Draft returns a copy of the open draft. ok is false when closed.
func (c *Controller) Draft() (d model.CompositionDraft, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return model.CompositionDraft{}, false
	}
	return c.draft.Clone(), true
}

// SavedIndicator reports whether the "draft saved" indicator is showing.
func (c *Controller) SavedIndicator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateClosed && c.clock.Now().Before(c.savedUntil)
}

// SetTo replaces the To recipients. Every entry must be a single address,
// bare or with a display name; blank entries are skipped.
func (c *Controller) SetTo(to []string) error {
	list, err := recipients(to)
	if err != nil {
		return err
	}
	return c.edit(func(d *model.CompositionDraft) { d.To = list })
}

// SetCc replaces the Cc recipients.
func (c *Controller) SetCc(cc []string) error {
	list, err := recipients(cc)
	if err != nil {
		return err
	}
	return c.edit(func(d *model.CompositionDraft) { d.Cc = list })
}

// SetBcc replaces the Bcc recipients.
func (c *Controller) SetBcc(bcc []string) error {
	list, err := recipients(bcc)
	if err != nil {
		return err
	}
	return c.edit(func(d *model.CompositionDraft) { d.Bcc = list })
}

// SetSubject replaces the subject.
func (c *Controller) SetSubject(subject string) error {
	return c.edit(func(d *model.CompositionDraft) { d.Subject = subject })
}

// SetBody replaces the HTML body.
func (c *Controller) SetBody(bodyHTML string) error {
	return c.edit(func(d *model.CompositionDraft) { d.BodyHTML = bodyHTML })
}

// edit applies fn, marks the draft dirty and restarts the debounce timer.
func (c *Controller) edit(fn func(d *model.CompositionDraft)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrNotOpen
	}
	fn(&c.draft)
	c.draft.Dirty = true
	c.edits++
	c.scheduleLocked()
	return nil
}

func (c *Controller) scheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerSeq++
	gen, seq := c.gen, c.timerSeq
	c.timer = c.clock.AfterFunc(c.autosaveDelay, func() { c.autosave(gen, seq) })
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// autosave runs when the debounce timer fires. A failed save caused by
// the network is retried one debounce period later unless a newer edit
// already scheduled one.
func (c *Controller) autosave(gen, seq uint64) {
	c.mu.Lock()
	if c.state == StateClosed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.timerSeq == seq {
		c.timer = nil
	}
	ctx := c.ctx
	c.mu.Unlock()

	err := c.persist(ctx, gen)
	if err != nil && provider.IsTransient(err) {
		c.mu.Lock()
		if c.state != StateClosed && c.gen == gen && c.timer == nil {
			c.scheduleLocked()
		}
		c.mu.Unlock()
	}
}

// SaveNow persists pending edits immediately instead of waiting for the
// debounce timer.
func (c *Controller) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrNotOpen
	}
	c.stopTimerLocked()
	gen := c.gen
	sessionCtx := c.ctx
	c.mu.Unlock()

	// Close cancels the write along with the session.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sessionCtx, cancel)
	defer stop()

	return c.persist(ctx, gen)
}

// persist writes the draft if it is dirty and not empty. The first write
// creates the backing draft; every later one updates it.
func (c *Controller) persist(ctx context.Context, gen uint64) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed || c.gen != gen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	snapshot := c.draft.Clone()
	edits := c.edits
	sessionID := c.sessionID
	c.mu.Unlock()

	if !snapshot.Dirty || snapshot.IsEmpty() {
		return nil
	}

	raw := BuildRaw(snapshot)
	created := snapshot.DraftID == ""
	var (
		draftID string
		err     error
	)
	if created {
		draftID, err = c.provider.CreateDraft(ctx, raw)
	} else {
		draftID, err = c.provider.UpdateDraft(ctx, snapshot.DraftID, raw)
	}

	kind := "update"
	if created {
		kind = "create"
	}
	metrics.DraftSavesTotal.WithLabelValues(kind, metrics.Status(err)).Inc()

	ev := SaveEvent{SessionID: sessionID, DraftID: draftID, Created: created, Err: err}
	if err != nil {
		ev.DraftID = snapshot.DraftID
		c.log.Warn().Err(err).Str("session_id", sessionID).Str("draft_id", snapshot.DraftID).Msg("autosave failed")
		c.recordActivity("draft_save", "", snapshot.DraftID, err)
		c.notify(ev)
		return fmt.Errorf("saving draft: %w", err)
	}

	// The draft exists remotely even if the session closed meanwhile.
	if created && c.store != nil {
		c.store.AdjustDraftCount(1)
	}

	c.mu.Lock()
	if c.state == StateClosed || c.gen != gen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	now := c.clock.Now()
	c.draft.DraftID = draftID
	c.draft.LastSavedAt = &now
	if c.edits == edits {
		c.draft.Dirty = false
	}
	c.savedUntil = now.Add(c.savedIndicator)
	c.mu.Unlock()

	c.log.Debug().Str("session_id", sessionID).Str("draft_id", draftID).Bool("created", created).Msg("draft saved")
	c.recordActivity("draft_save", "", draftID, nil)
	c.notify(ev)
	return nil
}

// Send sends the message. With a backing draft, unsaved edits are written
// to it first and the draft is sent by id; otherwise the message is sent
// directly. Success closes the session; on failure it stays open with its
// content intact.
func (c *Controller) Send(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrNotOpen
	}
	if len(c.draft.To) == 0 {
		c.mu.Unlock()
		return ErrNoRecipients
	}
	c.stopTimerLocked()
	gen := c.gen
	c.mu.Unlock()

	// Wait out any save in flight and keep new ones from starting.
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed || c.gen != gen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	snapshot := c.draft.Clone()
	sessionID := c.sessionID
	c.mu.Unlock()

	mode := "direct"
	var err error
	if snapshot.DraftID != "" {
		mode = "draft"
		err = c.sendDraft(ctx, snapshot)
	} else {
		_, err = c.provider.Send(ctx, BuildRaw(snapshot))
	}

	metrics.SendsTotal.WithLabelValues(mode, metrics.Status(err)).Inc()
	c.recordActivity("send", snapshot.SourceReplyID+snapshot.SourceForwardID, snapshot.DraftID, err)

	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Str("mode", mode).Msg("send failed")
		c.mu.Lock()
		if c.state != StateClosed && c.gen == gen && c.draft.Dirty {
			c.scheduleLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("sending message: %w", err)
	}

	c.log.Info().Str("session_id", sessionID).Str("mode", mode).Msg("message sent")
	c.afterSend(snapshot)

	c.mu.Lock()
	if c.gen == gen {
		c.closeLocked()
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) sendDraft(ctx context.Context, d model.CompositionDraft) error {
	if d.Dirty {
		if _, err := c.provider.UpdateDraft(ctx, d.DraftID, BuildRaw(d)); err != nil {
			return fmt.Errorf("flushing draft %s: %w", d.DraftID, err)
		}
	}
	if _, err := c.provider.SendDraft(ctx, d.DraftID); err != nil {
		return err
	}
	if c.store != nil {
		c.store.AdjustDraftCount(-1)
	}
	return nil
}

// afterSend marks the source email of a reply or forward.
func (c *Controller) afterSend(d model.CompositionDraft) {
	if c.store == nil {
		return
	}
	if d.SourceReplyID != "" {
		_ = c.store.Update(d.SourceReplyID, func(e *model.Email) error {
			e.HasReplied = true
			return nil
		})
	}
	if d.SourceForwardID != "" {
		_ = c.store.Update(d.SourceForwardID, func(e *model.Email) error {
			e.HasForwarded = true
			return nil
		})
	}
}

// Close ends the session. The pending autosave is cancelled and any save
// in flight loses its context; nothing is written after Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.log.Debug().Str("session_id", c.sessionID).Msg("composition closed")
	c.closeLocked()
}

func (c *Controller) closeLocked() {
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	c.state = StateClosed
	c.draft = model.CompositionDraft{}
	c.sessionID = ""
	c.savedUntil = time.Time{}
	c.ctx, c.cancel = nil, nil
}

func (c *Controller) notify(ev SaveEvent) {
	if c.onSave != nil {
		c.onSave(ev)
	}
}

func (c *Controller) recordActivity(kind, messageID, draftID string, err error) {
	a := journal.Activity{Kind: kind, MessageID: messageID, DraftID: draftID, Outcome: journal.OutcomeOK}
	if err != nil {
		a.Outcome = journal.OutcomeFailed
		if provider.IsAuthError(err) {
			a.Outcome = journal.OutcomeAuthExpired
		}
		a.Detail = err.Error()
	}
	if jerr := c.journal.RecordActivity(context.Background(), a); jerr != nil {
		c.log.Debug().Err(jerr).Msg("journal write failed")
	}
}
