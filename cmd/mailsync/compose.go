package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/compose"
	"github.com/nhle/mailsync/internal/session"
)

// messageFlags are the editable fields of a composition.
type messageFlags struct {
	to       []string
	cc       []string
	bcc      []string
	subject  string
	body     string
	bodyFile string
}

func (f *messageFlags) register(cmd *cobra.Command, withSubject bool) {
	cmd.Flags().StringSliceVar(&f.to, "to", nil, "recipients")
	cmd.Flags().StringSliceVar(&f.cc, "cc", nil, "carbon copy recipients")
	cmd.Flags().StringSliceVar(&f.bcc, "bcc", nil, "blind carbon copy recipients")
	if withSubject {
		cmd.Flags().StringVar(&f.subject, "subject", "", "subject line")
	}
	cmd.Flags().StringVar(&f.body, "body", "", "HTML body")
	cmd.Flags().StringVar(&f.bodyFile, "body-file", "", "read the HTML body from a file")
}

func (f *messageFlags) readBody() (string, error) {
	if f.bodyFile == "" {
		return f.body, nil
	}
	b, err := os.ReadFile(f.bodyFile)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	return string(b), nil
}

// apply writes the fields that were given on the command line over the
// open draft. The body is prepended to any prefilled quote.
func (f *messageFlags) apply(cmd *cobra.Command, ctl *compose.Controller) error {
	body, err := f.readBody()
	if err != nil {
		return err
	}
	d, _ := ctl.Draft()

	if cmd.Flags().Changed("to") {
		if err := ctl.SetTo(f.to); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("cc") {
		if err := ctl.SetCc(f.cc); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("bcc") {
		if err := ctl.SetBcc(f.bcc); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("subject") {
		if err := ctl.SetSubject(f.subject); err != nil {
			return err
		}
	}
	if body != "" {
		if err := ctl.SetBody(body + d.BodyHTML); err != nil {
			return err
		}
	}
	return nil
}

// send opens a composition, applies the flags and sends it.
func (c *cli) send(cmd *cobra.Command, f *messageFlags, open func(s *session.Session) (compose.OpenOptions, error)) error {
	ctx := cmd.Context()
	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	opts, err := open(s)
	if err != nil {
		return err
	}
	if err := s.Compose.Open(ctx, opts); err != nil {
		return err
	}
	if err := f.apply(cmd, s.Compose); err != nil {
		return err
	}

	if err := s.Send(ctx); err != nil {
		// Keep what was written so it is not lost.
		if saveErr := s.Compose.SaveNow(ctx); saveErr == nil {
			if d, ok := s.Compose.Draft(); ok && d.DraftID != "" {
				c.app.Logger.Warn().Str("draft_id", d.DraftID).Msg("message kept as draft")
			}
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "sent")
	return nil
}

func newSendCmd(c *cli) *cobra.Command {
	var f messageFlags

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a new message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd, &f, func(*session.Session) (compose.OpenOptions, error) {
				return compose.OpenOptions{}, nil
			})
		},
	}

	f.register(cmd, true)
	return cmd
}

func newReplyCmd(c *cli) *cobra.Command {
	var f messageFlags

	cmd := &cobra.Command{
		Use:   "reply <message-id>",
		Short: "Reply to a message, quoting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd, &f, func(s *session.Session) (compose.OpenOptions, error) {
				e, err := s.Open(cmd.Context(), args[0])
				if err != nil {
					return compose.OpenOptions{}, err
				}
				return compose.OpenOptions{ReplyTo: &e}, nil
			})
		},
	}

	f.register(cmd, false)
	return cmd
}

func newForwardCmd(c *cli) *cobra.Command {
	var f messageFlags

	cmd := &cobra.Command{
		Use:   "forward <message-id>",
		Short: "Forward a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd, &f, func(s *session.Session) (compose.OpenOptions, error) {
				e, err := s.Open(cmd.Context(), args[0])
				if err != nil {
					return compose.OpenOptions{}, err
				}
				return compose.OpenOptions{ForwardFrom: &e}, nil
			})
		},
	}

	f.register(cmd, false)
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newDraftCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Save, edit and send drafts",
	}
	cmd.AddCommand(newDraftSaveCmd(c))
	cmd.AddCommand(newDraftSendCmd(c))
	return cmd
}

func newDraftSaveCmd(c *cli) *cobra.Command {
	var f messageFlags
	var draftID string

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a new draft, or update one with --id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := c.session(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Compose.Open(ctx, compose.OpenOptions{DraftID: draftID}); err != nil {
				return err
			}
			// An edited draft replaces its body instead of prepending.
			if draftID != "" && (f.body != "" || f.bodyFile != "") {
				body, err := f.readBody()
				if err != nil {
					return err
				}
				if err := s.Compose.SetBody(body); err != nil {
					return err
				}
				f.body, f.bodyFile = "", ""
			}
			if err := f.apply(cmd, s.Compose); err != nil {
				return err
			}
			if err := s.Compose.SaveNow(ctx); err != nil {
				return err
			}

			d, _ := s.Compose.Draft()
			if d.DraftID == "" {
				return fmt.Errorf("nothing to save")
			}
			fmt.Fprintln(cmd.OutOrStdout(), d.DraftID)
			return nil
		},
	}

	f.register(cmd, true)
	cmd.Flags().StringVar(&draftID, "id", "", "draft to update")
	return cmd
}

func newDraftSendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "send <draft-id>",
		Short: "Send a saved draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f messageFlags
			return c.send(cmd, &f, func(*session.Session) (compose.OpenOptions, error) {
				return compose.OpenOptions{DraftID: args[0]}, nil
			})
		},
	}
}
