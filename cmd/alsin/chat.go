package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/alsin/internal/chat"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/session"
	"github.com/urfave/cli/v2"
)

func (a *app) chatCmd() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Open a live conversation",
		ArgsUsage: "<partner-id>",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := a.restore(ctx, session.RequireAuthenticated); err != nil {
				return err
			}
			if err := a.check(a.session.Refresh(ctx, a.api)); err != nil {
				return err
			}

			partners, err := a.api.Directory(ctx)
			if err := a.check(err); err != nil {
				return err
			}
			partner, err := pickPartner(partners, c.Args().First())
			if err != nil {
				return err
			}
			return a.runChat(ctx, partner)
		},
	}
}

func (a *app) runChat(ctx context.Context, partner domain.Partner) error {
	snap := a.session.Snapshot()
	policy := chat.ReconnectPolicy{
		BaseDelay:   a.cfg.Reconnect.BaseDelay,
		MaxDelay:    a.cfg.Reconnect.MaxDelay,
		MaxAttempts: a.cfg.Reconnect.MaxAttempts,
	}

	failed := make(chan struct{})
	var failOnce sync.Once
	view := chat.New(a.api, chat.NewWebSocketDialer(a.api.WebSocketURL, nil), snap,
		chat.WithLogger(a.logger),
		chat.WithReconnectPolicy(policy),
		chat.WithStateHandler(func(s chat.State) {
			a.logger.Debug("Chat channel state", "state", s)
			if s == chat.Failed {
				failOnce.Do(func() { close(failed) })
			}
		}),
	)
	defer view.Close()

	printer := newTranscript(snap.Identity.ID, partner, os.Stdout)
	view.OnUpdate(printer.render)

	if err := view.SelectPartner(ctx, partner); err != nil {
		return a.check(err)
	}
	fmt.Printf("Chatting with %s. Type a message and press Enter; Ctrl-D to quit.\n", partner.FullName)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	expiry := time.NewTicker(30 * time.Second)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-failed:
			return errors.New("lost connection to the chat server")
		case <-expiry.C:
			if a.session.CheckExpiry() {
				return errors.New("session expired, run `alsin login` again")
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := view.Send(ctx, line)
			switch {
			case err == nil, errors.Is(err, chat.ErrEmptyMessage):
			case errors.Is(err, chat.ErrNotReady):
				fmt.Fprintln(os.Stderr, "(not connected, message not sent)")
			default:
				return err
			}
		}
	}
}

func pickPartner(partners []domain.Partner, arg string) (domain.Partner, error) {
	if arg == "" {
		return domain.Partner{}, errors.New("missing partner, see `alsin contacts`")
	}
	for _, p := range partners {
		if fmt.Sprint(p.ID) == arg || strings.EqualFold(p.FullName, arg) {
			return p, nil
		}
	}
	return domain.Partner{}, fmt.Errorf("no contact matches %q", arg)
}

// transcript prints log entries that have not been printed yet, in log order.
type transcript struct {
	me      int64
	partner domain.Partner
	out     io.Writer

	mu      sync.Mutex
	printed map[int64]struct{}
}

func newTranscript(me int64, partner domain.Partner, out io.Writer) *transcript {
	return &transcript{me: me, partner: partner, out: out, printed: make(map[int64]struct{})}
}

func (t *transcript) render(msgs []domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// An empty log means the conversation was cleared.
	if len(msgs) == 0 {
		clear(t.printed)
		return
	}
	for _, m := range msgs {
		if _, ok := t.printed[m.ID]; ok {
			continue
		}
		t.printed[m.ID] = struct{}{}
		who := t.partner.FullName
		if m.SenderID == t.me {
			who = "you"
		}
		fmt.Fprintf(t.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
	}
}
