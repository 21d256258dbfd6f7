package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/mxgate/internal/config"
	"github.com/memohai/mxgate/internal/foreground"
	"github.com/memohai/mxgate/internal/logger"
	"github.com/memohai/mxgate/internal/matrix"
	"github.com/memohai/mxgate/internal/session"
)

var clientRoom string

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run a foreground client that answers the worker's credential requests",
	Long: `client signs in to the homeserver with the configured access token, attaches
to the worker and answers every credential request with that token. With
--room it also follows the room and prints new messages.`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

func init() {
	clientCmd.Flags().StringVar(&clientRoom, "room", "", "Room to follow and print")
	rootCmd.AddCommand(clientCmd)
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Disconnect()
	if err := sess.Start(ctx); err != nil {
		return err
	}

	ctrl, err := foreground.NewController(logger.L, sess, foreground.Options{
		WorkerURL:      cfg.Client.WorkerURL,
		ClientID:       cfg.Client.ClientID,
		Token:          cfg.Client.Token,
		ReconnectDelay: cfg.Client.ReconnectDelayDuration(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	go func() {
		select {
		case <-ctrl.Ready():
			fmt.Fprintf(out, "client id: %s\n", ctrl.ClientID())
		case <-ctx.Done():
		}
	}()

	if clientRoom != "" {
		if err := sess.SelectRoom(ctx, clientRoom); err != nil {
			return err
		}
		go printTimeline(out, sess)
	}

	return ctrl.Run(ctx)
}

// printTimeline prints every message of the selected room once.
func printTimeline(out io.Writer, sess *session.Session) {
	states, cancel := sess.Subscribe()
	defer cancel()
	printed := map[string]struct{}{}
	for st := range states {
		for _, ev := range st.Messages {
			if _, ok := printed[ev.EventID]; ok {
				continue
			}
			printed[ev.EventID] = struct{}{}
			printEvent(out, ev)
		}
	}
}

func printEvent(out io.Writer, ev matrix.Event) {
	ts := time.UnixMilli(ev.OriginServerTS).Format(time.DateTime)
	switch ev.MsgType() {
	case matrix.MsgImage:
		fmt.Fprintf(out, "[%s] %s: [image] %s %s\n", ts, ev.Sender, ev.Body(), ev.URL())
	default:
		fmt.Fprintf(out, "[%s] %s: %s\n", ts, ev.Sender, ev.Body())
	}
}

func newSession(cfg config.Config) (*session.Session, error) {
	if strings.TrimSpace(cfg.Client.AccessToken) == "" {
		return nil, fmt.Errorf("client.access_token is required (or set MXGATE_ACCESS_TOKEN)")
	}
	client, err := matrix.NewClient(logger.L, matrix.Options{
		Homeserver:  cfg.HomeserverURL(),
		AccessToken: cfg.Client.AccessToken,
		UserID:      cfg.Client.UserID,
	})
	if err != nil {
		return nil, err
	}
	return session.New(logger.L, client, session.Options{}), nil
}

// withSession runs fn against a connected session that does not follow events.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, sess *session.Session) error) error {
	cfg, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Disconnect()
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	logger.L.Debug("session ready", slog.String("user_id", sess.Current().UserID))
	return fn(ctx, sess)
}
