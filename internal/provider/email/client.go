// Package email implements the provider contract over IMAP and SMTP.
// Message ids have the form "mailbox:uid"; labels are derived from the
// mailbox a message lives in and from its flags and keywords.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/provider"
)

const providerName = "imap"

// Client is an IMAP/SMTP provider. Every call opens its own connection,
// so a Client is safe for concurrent use.
type Client struct {
	cfg    Config
	boxes  Mailboxes
	logger zerolog.Logger
}

var _ provider.Provider = (*Client)(nil)

// New creates a provider for the given account.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		boxes:  cfg.Mailboxes.withDefaults(),
		logger: logger.With().Str("provider", providerName).Logger(),
	}
}

// connect establishes a connection to the IMAP server and authenticates.
// The caller is responsible for calling Logout on the returned client.
func (c *Client) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, &provider.NetworkError{Op: "connect " + addr, Err: err}
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &provider.AuthError{
				Provider: providerName,
				Message:  fmt.Sprintf("authentication failed for %s: %v", c.cfg.Username, err),
			}
		}
		return nil, &provider.NetworkError{Op: "login", Err: err}
	}

	return client, nil
}

// withConn runs fn on a fresh authenticated connection. Cancelling ctx
// closes the connection, which unblocks any pending command.
func (c *Client) withConn(ctx context.Context, fn func(*imapclient.Client) error) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer func() {
		if stop() {
			_ = client.Logout().Wait()
		}
	}()

	if err := fn(client); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// withMailbox selects mailbox before running fn.
func (c *Client) withMailbox(
	ctx context.Context,
	mailbox string,
	readOnly bool,
	fn func(*imapclient.Client, *imap.SelectData) error,
) error {
	return c.withConn(ctx, func(client *imapclient.Client) error {
		data, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
		if err != nil {
			return classifyIMAP("select "+mailbox, err)
		}
		return fn(client, data)
	})
}

// Verify checks the credentials by logging in and selecting the inbox.
// Returns the account name on success.
func (c *Client) Verify(ctx context.Context) (string, error) {
	err := c.withMailbox(ctx, c.boxes.Inbox, true, func(*imapclient.Client, *imap.SelectData) error {
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("validating imap connection: %w", err)
	}
	return c.cfg.Username, nil
}

type listHit struct {
	ref  messageRef
	date time.Time
}

// List interprets query, searches each mailbox it covers and merges the
// hits newest first. Mailboxes missing on the server are skipped.
func (c *Client) List(ctx context.Context, query string, maxResults int) ([]string, error) {
	plan, err := c.boxes.plan(query)
	if err != nil {
		return nil, fmt.Errorf("interpreting query %q: %w", query, err)
	}

	var hits []listHit
	for _, mailbox := range plan.Mailboxes {
		err := c.withMailbox(ctx, mailbox, true, func(client *imapclient.Client, _ *imap.SelectData) error {
			found, err := searchMailbox(client, mailbox, &plan.Criteria, maxResults)
			hits = append(hits, found...)
			return err
		})
		if errors.Is(err, provider.ErrNotFound) {
			c.logger.Debug().Str("mailbox", mailbox).Msg("mailbox missing, skipped")
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].date.Equal(hits[j].date) {
			return hits[i].ref.UID > hits[j].ref.UID
		}
		return hits[i].date.After(hits[j].date)
	})
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ref.String()
	}
	return ids, nil
}

func searchMailbox(
	client *imapclient.Client,
	mailbox string,
	criteria *imap.SearchCriteria,
	limit int,
) ([]listHit, error) {
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classifyIMAP("search "+mailbox, err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	// UIDs grow with arrival, so the tail is the most recent.
	if limit > 0 && len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
	})
	defer fetchCmd.Close()

	var hits []listHit
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		hits = append(hits, listHit{
			ref:  messageRef{Mailbox: mailbox, UID: buf.UID},
			date: buf.InternalDate,
		})
	}
	if err := fetchCmd.Close(); err != nil {
		return hits, classifyIMAP("fetch dates", err)
	}
	return hits, nil
}

// fetched is one message as read off the wire.
type fetched struct {
	flags        []imap.Flag
	internalDate time.Time
	size         int64
	raw          []byte
}

func fetchMessage(client *imapclient.Client, ref messageRef) (*fetched, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(ref.UID), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", ref, provider.ErrNotFound)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, classifyIMAP("fetch "+ref.String(), err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, classifyIMAP("fetch "+ref.String(), err)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("message %s: empty body section", ref)
	}
	return &fetched{
		flags:        buf.Flags,
		internalDate: buf.InternalDate,
		size:         buf.RFC822Size,
		raw:          raw,
	}, nil
}

// Get fetches the full message without marking it seen.
func (c *Client) Get(ctx context.Context, id string) (*provider.Message, error) {
	ref, err := parseRef(id)
	if err != nil {
		return nil, err
	}

	var f *fetched
	err = c.withMailbox(ctx, ref.Mailbox, true, func(client *imapclient.Client, _ *imap.SelectData) error {
		f, err = fetchMessage(client, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.toMessage(ref, f)
}

func (c *Client) toMessage(ref messageRef, f *fetched) (*provider.Message, error) {
	payload, err := parseRaw(f.raw)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", ref, err)
	}

	thread := threadID(payload)
	if thread == "" {
		thread = ref.String()
	}

	return &provider.Message{
		ID:           ref.String(),
		ThreadID:     thread,
		LabelIDs:     c.boxes.labelIDs(ref.Mailbox, f.flags),
		Snippet:      snippet(payload),
		InternalDate: f.internalDate,
		SizeEstimate: f.size,
		Payload:      payload,
	}, nil
}

// Modify turns label edits into flag and keyword changes. Folder labels
// become mailbox moves: removing INBOX archives, adding TRASH or SPAM
// moves there, adding INBOX moves back. A moved message gets a new id.
func (c *Client) Modify(ctx context.Context, id string, add, remove []string) error {
	ref, err := parseRef(id)
	if err != nil {
		return err
	}
	fc := flagChanges(add, remove)
	target := c.moveTarget(ref.Mailbox, add, remove)

	return c.withMailbox(ctx, ref.Mailbox, false, func(client *imapclient.Client, _ *imap.SelectData) error {
		set := imap.UIDSetNum(ref.UID)
		if len(fc.add) > 0 {
			if err := storeFlags(client, set, imap.StoreFlagsAdd, fc.add); err != nil {
				return err
			}
		}
		if len(fc.remove) > 0 {
			if err := storeFlags(client, set, imap.StoreFlagsDel, fc.remove); err != nil {
				return err
			}
		}
		if target != "" && target != ref.Mailbox {
			if _, err := client.Move(set, target).Wait(); err != nil {
				return classifyIMAP("move to "+target, err)
			}
		}
		return nil
	})
}

func (c *Client) moveTarget(mailbox string, add, remove []string) string {
	switch {
	case contains(add, provider.LabelTrash):
		return c.boxes.Trash
	case contains(add, provider.LabelSpam):
		return c.boxes.Junk
	case contains(add, provider.LabelInbox):
		return c.boxes.Inbox
	case contains(remove, provider.LabelInbox) && c.boxes.folderLabel(mailbox) == provider.LabelInbox:
		return c.boxes.Archive
	case contains(remove, provider.LabelTrash) && mailbox == c.boxes.Trash:
		return c.boxes.Inbox
	}
	return ""
}

func storeFlags(client *imapclient.Client, set imap.UIDSet, op imap.StoreFlagsOp, flags []imap.Flag) error {
	storeCmd := client.Store(set, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return classifyIMAP("store flags", err)
	}
	return nil
}

// Trash moves a message to the trash mailbox.
func (c *Client) Trash(ctx context.Context, id string) error {
	return c.Modify(ctx, id, []string{provider.LabelTrash}, []string{provider.LabelInbox})
}

// CreateLabel checks that name can be used as a keyword. Keywords need
// no creation; a keyword the server already lists is reported as
// existing.
func (c *Client) CreateLabel(ctx context.Context, name string) error {
	kw := keyword(name)
	if kw == "" {
		return fmt.Errorf("invalid label name %q", name)
	}

	return c.withMailbox(ctx, c.boxes.Inbox, false, func(_ *imapclient.Client, data *imap.SelectData) error {
		for _, f := range data.Flags {
			if strings.EqualFold(string(f), kw) {
				return provider.ErrLabelExists
			}
		}
		if len(data.PermanentFlags) == 0 {
			return nil
		}
		for _, f := range data.PermanentFlags {
			if f == imap.FlagWildcard || strings.EqualFold(string(f), kw) {
				return nil
			}
		}
		return fmt.Errorf("server does not accept new keywords")
	})
}

// CreateDraft appends raw to the drafts mailbox.
func (c *Client) CreateDraft(ctx context.Context, raw string) (string, error) {
	b, err := provider.DecodeData(raw)
	if err != nil {
		return "", fmt.Errorf("decoding draft: %w", err)
	}
	b, msgID, err := c.ensureMessageID(b)
	if err != nil {
		return "", err
	}
	ref, err := c.appendMessage(ctx, c.boxes.Drafts, b, msgID, []imap.Flag{imap.FlagDraft, imap.FlagSeen})
	if err != nil {
		return "", err
	}
	return ref.String(), nil
}

// UpdateDraft appends the new version and expunges the old one. The new
// version's id is returned. If the old version cannot be removed the new
// one is withdrawn so that only one copy exists.
func (c *Client) UpdateDraft(ctx context.Context, draftID, raw string) (string, error) {
	old, err := parseRef(draftID)
	if err != nil {
		return "", err
	}

	newID, err := c.CreateDraft(ctx, raw)
	if err != nil {
		return "", err
	}
	if err := c.expunge(ctx, old); err != nil {
		if ref, perr := parseRef(newID); perr == nil {
			if rerr := c.expunge(context.WithoutCancel(ctx), ref); rerr != nil {
				c.logger.Warn().Err(rerr).Str("draft_id", newID).Msg("could not withdraw new draft version")
			}
		}
		return "", fmt.Errorf("replacing draft %s: %w", draftID, err)
	}
	return newID, nil
}

// GetDraft loads the draft message.
func (c *Client) GetDraft(ctx context.Context, draftID string) (*provider.Draft, error) {
	msg, err := c.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	return &provider.Draft{ID: draftID, Message: msg}, nil
}

// SendDraft submits the stored draft and then removes it from the drafts
// mailbox.
func (c *Client) SendDraft(ctx context.Context, draftID string) (string, error) {
	ref, err := parseRef(draftID)
	if err != nil {
		return "", err
	}

	var f *fetched
	err = c.withMailbox(ctx, ref.Mailbox, true, func(client *imapclient.Client, _ *imap.SelectData) error {
		f, err = fetchMessage(client, ref)
		return err
	})
	if err != nil {
		return "", err
	}

	sentID, err := c.sendRaw(ctx, f.raw)
	if err != nil {
		return "", err
	}

	// The message is out; a leftover draft is not worth failing the send.
	if err := c.expunge(context.WithoutCancel(ctx), ref); err != nil {
		c.logger.Warn().Err(err).Str("draft_id", draftID).Msg("sent draft could not be removed")
	}
	return sentID, nil
}

// Send submits raw directly.
func (c *Client) Send(ctx context.Context, raw string) (string, error) {
	b, err := provider.DecodeData(raw)
	if err != nil {
		return "", fmt.Errorf("decoding message: %w", err)
	}
	return c.sendRaw(ctx, b)
}

// sendRaw submits b over SMTP and files a copy in the sent mailbox. The
// copy's id is returned, or the Message-ID when filing failed.
func (c *Client) sendRaw(ctx context.Context, b []byte) (string, error) {
	b, msgID, err := c.ensureMessageID(b)
	if err != nil {
		return "", err
	}
	sub, err := prepareSubmission(b, c.cfg.Username)
	if err != nil {
		return "", err
	}
	if err := c.submit(ctx, sub); err != nil {
		return "", err
	}

	ref, err := c.appendMessage(context.WithoutCancel(ctx), c.boxes.Sent, sub.Body, msgID, []imap.Flag{imap.FlagSeen})
	if err != nil {
		c.logger.Warn().Err(err).Str("message_id", msgID).Msg("sent message not filed")
		return msgID, nil
	}
	return ref.String(), nil
}

// Stats reports the number of messages in the drafts mailbox. IMAP
// exposes no scheduled count and storage figures stay zero.
func (c *Client) Stats(ctx context.Context) (*provider.Stats, error) {
	var stats provider.Stats
	err := c.withConn(ctx, func(client *imapclient.Client) error {
		data, err := client.Status(c.boxes.Drafts, &imap.StatusOptions{NumMessages: true}).Wait()
		if err != nil {
			return classifyIMAP("status "+c.boxes.Drafts, err)
		}
		if data.NumMessages != nil {
			stats.DraftCount = int(*data.NumMessages)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// appendMessage stores b in mailbox. Servers without UIDPLUS return no
// UID, so the message is then found again by its Message-ID.
func (c *Client) appendMessage(
	ctx context.Context,
	mailbox string,
	b []byte,
	msgID string,
	flags []imap.Flag,
) (messageRef, error) {
	var ref messageRef
	err := c.withMailbox(ctx, mailbox, false, func(client *imapclient.Client, _ *imap.SelectData) error {
		appendCmd := client.Append(mailbox, int64(len(b)), &imap.AppendOptions{
			Flags: flags,
			Time:  time.Now(),
		})
		if _, err := appendCmd.Write(b); err != nil {
			_ = appendCmd.Close()
			return &provider.NetworkError{Op: "append", Err: err}
		}
		if err := appendCmd.Close(); err != nil {
			return classifyIMAP("append", err)
		}
		data, err := appendCmd.Wait()
		if err != nil {
			return classifyIMAP("append", err)
		}

		uid := data.UID
		if uid == 0 {
			found, err := client.UIDSearch(&imap.SearchCriteria{
				Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: msgID}},
			}, nil).Wait()
			if err != nil {
				return classifyIMAP("search appended", err)
			}
			uids := found.AllUIDs()
			if len(uids) == 0 {
				return fmt.Errorf("appended message %s not found in %s", msgID, mailbox)
			}
			uid = uids[len(uids)-1]
		}
		ref = messageRef{Mailbox: mailbox, UID: uid}
		return nil
	})
	return ref, err
}

// expunge permanently removes one message.
func (c *Client) expunge(ctx context.Context, ref messageRef) error {
	return c.withMailbox(ctx, ref.Mailbox, false, func(client *imapclient.Client, _ *imap.SelectData) error {
		set := imap.UIDSetNum(ref.UID)
		if err := storeFlags(client, set, imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted}); err != nil {
			return err
		}
		if err := client.UIDExpunge(set).Close(); err != nil {
			// Without UIDPLUS fall back to a plain EXPUNGE.
			if err := client.Expunge().Close(); err != nil {
				return classifyIMAP("expunge", err)
			}
		}
		return nil
	})
}

// ensureMessageID gives b a Message-ID when it has none. IMAP needs it
// to find appended messages and to thread replies.
func (c *Client) ensureMessageID(b []byte) ([]byte, string, error) {
	header, body, err := splitMessage(b)
	if err != nil {
		return nil, "", err
	}
	if id, err := header.MessageID(); err == nil && id != "" {
		return b, id, nil
	}

	domain := "localhost"
	if _, d, ok := strings.Cut(c.cfg.Username, "@"); ok && d != "" {
		domain = d
	}
	id := uuid.NewString() + "@" + domain
	header.SetMessageID(id)

	var out strings.Builder
	if err := writeHeader(&out, header); err != nil {
		return nil, "", err
	}
	out.Write(body)
	return []byte(out.String()), id, nil
}

// classifyIMAP maps command failures onto the provider error kinds.
func classifyIMAP(op string, err error) error {
	var imapErr *imap.Error
	if !errors.As(err, &imapErr) {
		return &provider.NetworkError{Op: op, Err: err}
	}
	switch imapErr.Code {
	case imap.ResponseCodeNonExistent, imap.ResponseCodeTryCreate:
		return fmt.Errorf("%s: %w", op, provider.ErrNotFound)
	case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed:
		return &provider.AuthError{Provider: providerName, Message: imapErr.Text}
	case imap.ResponseCodeUnavailable, imap.ResponseCodeServerBug:
		return &provider.NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
