// Package gmail implements the provider contract over the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/provider"
)

const (
	providerName = "gmail"
	user         = "me"
)

// Scopes are the OAuth scopes the engine needs.
var Scopes = []string{
	gmailv1.GmailModifyScope,
	gmailv1.GmailComposeScope,
	gmailv1.GmailLabelsScope,
}

// OAuthConfig builds the OAuth client configuration for Gmail.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// Client is a Gmail provider. It is safe for concurrent use.
type Client struct {
	svc    *gmailv1.Service
	cb     *gobreaker.CircuitBreaker
	labels *directory
	logger zerolog.Logger
}

var _ provider.Provider = (*Client)(nil)

// New creates a Gmail provider authorized by ts. Extra options are
// passed to the API client; tests use them to point it at a fake server.
func New(ctx context.Context, ts oauth2.TokenSource, logger zerolog.Logger, opts ...option.ClientOption) (*Client, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}

	logger = logger.With().Str("provider", providerName).Logger()
	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &Client{
		svc:    svc,
		cb:     gobreaker.NewCircuitBreaker(settings),
		labels: newDirectory(),
		logger: logger,
	}, nil
}

// List returns message ids matching query, newest first.
func (c *Client) List(ctx context.Context, query string, maxResults int) ([]string, error) {
	var resp *gmailv1.ListMessagesResponse
	err := c.call(ctx, "list", func() error {
		req := c.svc.Users.Messages.List(user).Q(query)
		if maxResults > 0 {
			req = req.MaxResults(int64(maxResults))
		}
		var err error
		resp, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// Get fetches the full message with its part tree.
func (c *Client) Get(ctx context.Context, id string) (*provider.Message, error) {
	var msg *gmailv1.Message
	err := c.call(ctx, "get", func() error {
		var err error
		msg, err = c.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.toMessage(ctx, msg), nil
}

func (c *Client) toMessage(ctx context.Context, msg *gmailv1.Message) *provider.Message {
	out := &provider.Message{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     c.labelNames(ctx, msg.LabelIds),
		Snippet:      html.UnescapeString(msg.Snippet),
		SizeEstimate: msg.SizeEstimate,
		Payload:      toPart(msg.Payload),
	}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if out.ThreadID == "" {
		out.ThreadID = msg.Id
	}
	return out
}

func toPart(p *gmailv1.MessagePart) *provider.Part {
	if p == nil {
		return nil
	}
	out := &provider.Part{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		out.Headers = append(out.Headers, provider.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		out.Data = p.Body.Data
		out.AttachmentID = p.Body.AttachmentId
		out.Size = p.Body.Size
	}
	for _, child := range p.Parts {
		out.Parts = append(out.Parts, toPart(child))
	}
	return out
}

// Modify adds and removes labels, resolving names to label ids.
func (c *Client) Modify(ctx context.Context, id string, add, remove []string) error {
	addIDs, err := c.labelIDs(ctx, add)
	if err != nil {
		return err
	}
	removeIDs, err := c.labelIDs(ctx, remove)
	if err != nil {
		return err
	}

	return c.call(ctx, "modify", func() error {
		_, err := c.svc.Users.Messages.Modify(user, id, &gmailv1.ModifyMessageRequest{
			AddLabelIds:    addIDs,
			RemoveLabelIds: removeIDs,
		}).Context(ctx).Do()
		return err
	})
}

// Trash moves a message to the trash.
func (c *Client) Trash(ctx context.Context, id string) error {
	return c.call(ctx, "trash", func() error {
		_, err := c.svc.Users.Messages.Trash(user, id).Context(ctx).Do()
		return err
	})
}

// CreateLabel creates a user label. Reserved category names and names
// Gmail reports as conflicting are ErrLabelExists.
func (c *Client) CreateLabel(ctx context.Context, name string) error {
	if _, ok := systemID(name); ok {
		return provider.ErrLabelExists
	}

	var created *gmailv1.Label
	err := c.call(ctx, "create_label", func() error {
		var err error
		created, err = c.svc.Users.Labels.Create(user, &gmailv1.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}
	c.labels.add(created.Id, created.Name)
	return nil
}

// CreateDraft stores a new draft.
func (c *Client) CreateDraft(ctx context.Context, raw string) (string, error) {
	var d *gmailv1.Draft
	err := c.call(ctx, "create_draft", func() error {
		var err error
		d, err = c.svc.Users.Drafts.Create(user, &gmailv1.Draft{
			Message: &gmailv1.Message{Raw: raw},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return d.Id, nil
}

// UpdateDraft replaces the draft content in place; the id is unchanged.
func (c *Client) UpdateDraft(ctx context.Context, draftID, raw string) (string, error) {
	var d *gmailv1.Draft
	err := c.call(ctx, "update_draft", func() error {
		var err error
		d, err = c.svc.Users.Drafts.Update(user, draftID, &gmailv1.Draft{
			Id:      draftID,
			Message: &gmailv1.Message{Raw: raw},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if d.Id == "" {
		return draftID, nil
	}
	return d.Id, nil
}

// GetDraft loads a draft and its message.
func (c *Client) GetDraft(ctx context.Context, draftID string) (*provider.Draft, error) {
	var d *gmailv1.Draft
	err := c.call(ctx, "get_draft", func() error {
		var err error
		d, err = c.svc.Users.Drafts.Get(user, draftID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &provider.Draft{ID: d.Id}
	if d.Message != nil {
		out.Message = c.toMessage(ctx, d.Message)
	}
	return out, nil
}

// SendDraft sends a stored draft. Gmail retires the draft atomically.
func (c *Client) SendDraft(ctx context.Context, draftID string) (string, error) {
	var msg *gmailv1.Message
	err := c.call(ctx, "send_draft", func() error {
		var err error
		msg, err = c.svc.Users.Drafts.Send(user, &gmailv1.Draft{Id: draftID}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return msg.Id, nil
}

// Send sends a raw message.
func (c *Client) Send(ctx context.Context, raw string) (string, error) {
	var msg *gmailv1.Message
	err := c.call(ctx, "send", func() error {
		var err error
		msg, err = c.svc.Users.Messages.Send(user, &gmailv1.Message{Raw: raw}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return msg.Id, nil
}

// Stats reads the draft count off the DRAFT system label. Gmail exposes
// no scheduled or storage figures through this API, so those stay zero.
func (c *Client) Stats(ctx context.Context) (*provider.Stats, error) {
	var l *gmailv1.Label
	err := c.call(ctx, "stats", func() error {
		var err error
		l, err = c.svc.Users.Labels.Get(user, provider.LabelDraft).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &provider.Stats{DraftCount: int(l.MessagesTotal)}, nil
}

// refreshLabels reloads the user label directory.
func (c *Client) refreshLabels(ctx context.Context) error {
	var resp *gmailv1.ListLabelsResponse
	err := c.call(ctx, "list_labels", func() error {
		var err error
		resp, err = c.svc.Users.Labels.List(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}

	labels := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		if l.Type == "system" {
			continue
		}
		labels[l.Id] = l.Name
	}
	c.labels.replace(labels)
	c.logger.Debug().Int("labels", len(labels)).Msg("label directory refreshed")
	return nil
}

// call runs fn behind the circuit breaker and maps its error. Client
// errors do not count against the breaker.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
				return nil, &nonCircuitError{err: err}
			}
			if provider.IsAuthError(err) {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		err = nce.err
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	mapped := classify(op, err)
	c.logger.Debug().Err(err).Str("op", op).Str("breaker", c.cb.State().String()).Msg("gmail call failed")
	return mapped
}

// nonCircuitError carries client errors through the breaker without
// tripping it.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// classify maps API and transport failures onto the provider error kinds.
func classify(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &provider.NetworkError{Op: op, Err: err}
	}

	// The token source reports a missing credential as an AuthError.
	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &provider.AuthError{Provider: providerName, Message: retrieveErr.Error()}
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return &provider.NetworkError{Op: op, Err: err}
	}

	switch {
	case apiErr.Code == http.StatusUnauthorized:
		return &provider.AuthError{Provider: providerName, Message: apiErr.Message}
	case apiErr.Code == http.StatusForbidden && rateLimited(apiErr):
		return &provider.NetworkError{Op: op, Err: err}
	case apiErr.Code == http.StatusForbidden:
		return &provider.AuthError{Provider: providerName, Message: apiErr.Message}
	case apiErr.Code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, provider.ErrNotFound)
	case apiErr.Code == http.StatusConflict:
		return provider.ErrLabelExists
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		return &provider.NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func rateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
