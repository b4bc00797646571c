package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/session"
	"github.com/nhle/mailsync/internal/thread"
)

// selectionFlags are shared by the commands that read a selection.
type selectionFlags struct {
	folder string
	labels []string
	search string
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.folder, "folder", "f", string(model.FolderInbox), "folder: inbox, starred, sent, drafts, trash, archived, scheduled")
	cmd.Flags().StringSliceVarP(&f.labels, "label", "l", nil, "narrow to messages with any of these labels")
	cmd.Flags().StringVarP(&f.search, "search", "s", "", "provider search text")
}

func (f *selectionFlags) selection() (model.Selection, error) {
	folder, err := model.ParseFolder(f.folder)
	if err != nil {
		return model.Selection{}, err
	}
	sel := model.Selection{Folder: folder, Search: f.search}
	for _, name := range f.labels {
		l, err := model.NormalizeLabel(name)
		if err != nil {
			return model.Selection{}, err
		}
		sel.Labels = append(sel.Labels, l)
	}
	return sel, nil
}

func newListCmd(c *cli) *cobra.Command {
	var sf selectionFlags
	var threads bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the messages of a folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := sf.selection()
			if err != nil {
				return err
			}

			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := fetch(cmd.Context(), s, sel)
			if err != nil {
				return err
			}
			if res.Failed > 0 {
				c.app.Logger.Warn().Int("skipped", res.Failed).Msg("some messages could not be fetched")
			}

			visible := s.Store().Visible()
			if threads {
				out := make([]threadSummary, 0)
				for _, t := range thread.GroupByThread(visible) {
					out = append(out, summarizeThread(t))
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			out := make([]emailSummary, 0, len(visible))
			for _, e := range visible {
				out = append(out, summarize(e))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	sf.register(cmd)
	cmd.Flags().BoolVarP(&threads, "threads", "t", false, "group messages into conversations")
	return cmd
}

func newShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), detail(e))
		},
	}
}

func newThreadCmd(c *cli) *cobra.Command {
	var sf selectionFlags

	cmd := &cobra.Command{
		Use:   "thread <thread-id>",
		Short: "Show a conversation, oldest message first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := sf.selection()
			if err != nil {
				return err
			}

			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := fetch(cmd.Context(), s, sel); err != nil {
				return err
			}

			convo := thread.Conversation(s.Store().All(), args[0])
			if len(convo) == 0 {
				return fmt.Errorf("thread %s not found in %s", args[0], sel.Folder)
			}
			out := make([]emailDetail, 0, len(convo))
			for _, e := range convo {
				out = append(out, detail(e))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	sf.register(cmd)
	return cmd
}

// flagCmd describes a single-message mutation command.
type flagCmd struct {
	use   string
	short string
	op    func(s *session.Session) func(ctx context.Context, id string) error
}

func newFlagCmds(c *cli) []*cobra.Command {
	defs := []flagCmd{
		{"star", "Toggle the star on a message", func(s *session.Session) func(context.Context, string) error { return s.Flags.ToggleStarred }},
		{"important", "Toggle the important marker on a message", func(s *session.Session) func(context.Context, string) error { return s.Flags.ToggleImportant }},
		{"read", "Mark a message read", func(s *session.Session) func(context.Context, string) error { return s.Flags.MarkRead }},
		{"unread", "Mark a message unread", func(s *session.Session) func(context.Context, string) error { return s.Flags.MarkUnread }},
		{"archive", "Move a message out of the inbox", func(s *session.Session) func(context.Context, string) error { return s.Flags.Archive }},
		{"trash", "Move a message to the trash", func(s *session.Session) func(context.Context, string) error { return s.Flags.MoveToTrash }},
	}

	cmds := make([]*cobra.Command, 0, len(defs))
	for _, d := range defs {
		cmds = append(cmds, &cobra.Command{
			Use:   d.use + " <message-id>",
			Short: d.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.mutate(cmd, d.use, args[0], d.op)
			},
		})
	}
	return cmds
}

func newLabelCmd(c *cli) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "label <message-id> <label>",
		Short: "Apply a label to a message, creating it on first use",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]
			op := "label"
			if remove {
				op = "unlabel"
			}
			return c.mutate(cmd, op, args[0], func(s *session.Session) func(context.Context, string) error {
				if remove {
					return func(ctx context.Context, id string) error { return s.Labels.Remove(ctx, id, name) }
				}
				return func(ctx context.Context, id string) error { return s.Labels.Apply(ctx, id, name) }
			})
		},
	}

	cmd.Flags().BoolVarP(&remove, "remove", "r", false, "remove the label instead")
	return cmd
}

// mutate loads the message, applies op and prints the result.
func (c *cli) mutate(
	cmd *cobra.Command,
	name, id string,
	op func(s *session.Session) func(ctx context.Context, id string) error,
) error {
	s, err := c.session(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.Open(cmd.Context(), id); err != nil {
		return err
	}

	switch msg := s.Mutate(name, id, op(s))().(type) {
	case session.AuthExpiredMsg:
		return fmt.Errorf("credential rejected, run `mailsync login`: %w", msg.Err)
	case session.MutationResultMsg:
		if msg.Err != nil {
			return msg.Err
		}
	}

	e, err := s.Store().Get(id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), summarize(e))
}
