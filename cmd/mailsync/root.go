package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/session"
)

// cli carries the state shared by all commands.
type cli struct {
	configPath string
	app        *app.App
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mailbox synchronization and composition",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(c.configPath)
			if err != nil {
				return err
			}
			c.app = a
			if addr := a.Config.Metrics.Addr; addr != "" {
				go c.serveMetrics(cmd.Context(), addr)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.app == nil {
				return nil
			}
			return c.app.Close()
		},
	}
	cmd.PersistentFlags().StringVar(&c.configPath, "config", model.DefaultConfigPath(), "path to the configuration file")

	cmd.AddCommand(newListCmd(c))
	cmd.AddCommand(newShowCmd(c))
	cmd.AddCommand(newThreadCmd(c))
	cmd.AddCommand(newFlagCmds(c)...)
	cmd.AddCommand(newLabelCmd(c))
	cmd.AddCommand(newSendCmd(c))
	cmd.AddCommand(newReplyCmd(c))
	cmd.AddCommand(newForwardCmd(c))
	cmd.AddCommand(newDraftCmd(c))
	cmd.AddCommand(newStatsCmd(c))
	cmd.AddCommand(newWatchCmd(c))
	cmd.AddCommand(newLoginCmd(c))
	cmd.AddCommand(newLogoutCmd(c))

	return cmd
}

func (c *cli) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.app.Logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		c.app.Logger.Error().Err(err).Msg("metrics server failed")
	}
}

// session opens a session for a single command. The caller closes it.
func (c *cli) session(ctx context.Context) (*session.Session, error) {
	return c.app.Session(ctx)
}

// fetch selects sel and waits for its result.
func fetch(ctx context.Context, s *session.Session, sel model.Selection) (*ingest.Result, error) {
	if err := s.Select(sel); err != nil {
		return nil, err
	}
	for {
		msg, err := waitEvent(ctx, s)
		if err != nil {
			return nil, err
		}
		switch msg := msg.(type) {
		case session.FetchResultMsg:
			if msg.Result != nil && msg.Result.Discarded {
				continue
			}
			return msg.Result, msg.Err
		case session.AuthExpiredMsg:
			return nil, fmt.Errorf("credential rejected, run `mailsync login`: %w", msg.Err)
		case session.ClosedMsg:
			return nil, session.ErrClosed
		}
	}
}

func waitEvent(ctx context.Context, s *session.Session) (tea.Msg, error) {
	ch := make(chan tea.Msg, 1)
	go func() { ch <- s.WaitForEvent()() }()
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
