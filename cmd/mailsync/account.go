package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider/email"
)

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show mailbox counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := fetch(cmd.Context(), s, model.Selection{Folder: model.FolderInbox}); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s.Store().Stats())
		},
	}
}

func newWatchCmd(c *cli) *cobra.Command {
	var sf selectionFlags
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a folder fresh and log changes until interrupted",
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

			return c.app.Watch(cmd.Context(), s, sel, interval)
		},
	}

	sf.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", app.DefaultWatchInterval, "refresh interval")
	return cmd
}

func newLoginCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize mailsync with the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch c.app.Config.Provider.Kind {
			case model.ProviderGmail:
				return c.loginGmail(cmd)
			default:
				return c.loginIMAP(cmd)
			}
		},
	}
}

func (c *cli) loginGmail(cmd *cobra.Command) error {
	m, err := c.app.GmailManager()
	if err != nil {
		return err
	}

	state := uuid.NewString()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Open this URL in a browser and approve access:\n\n  %s\n\n", m.AuthCodeURL(state))
	fmt.Fprint(out, "Paste the authorization code: ")

	code, err := readLine(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if code == "" {
		return fmt.Errorf("no authorization code given")
	}

	if err := m.Exchange(cmd.Context(), code); err != nil {
		return err
	}
	fmt.Fprintln(out, "logged in")
	return nil
}

func (c *cli) loginIMAP(cmd *cobra.Command) error {
	cfg := c.app.Config.Provider.IMAP
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Password for %s: ", cfg.Username)

	password, err := readPassword(cmd.InOrStdin())
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client := email.New(app.IMAPConfig(cfg, password), c.app.Logger)
	user, err := client.Verify(ctx)
	if err != nil {
		return err
	}

	creds, err := c.app.Credentials()
	if err != nil {
		return err
	}
	if err := creds.Set(credential.IMAPPasswordKey(cfg.Username), password); err != nil {
		return err
	}
	fmt.Fprintf(out, "logged in as %s\n", user)
	return nil
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.app.Config.Provider.Kind == model.ProviderGmail {
				m, err := c.app.GmailManager()
				if err != nil {
					return err
				}
				return m.SignOut()
			}

			creds, err := c.app.Credentials()
			if err != nil {
				return err
			}
			return creds.Delete(credential.IMAPPasswordKey(c.app.Config.Provider.IMAP.Username))
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readPassword reads without echo when stdin is a terminal.
func readPassword(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}
	return readLine(r)
}
