// alsin is the terminal client for the ALSIN relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ashureev/alsin/internal/client"
	"github.com/ashureev/alsin/internal/config"
	"github.com/ashureev/alsin/internal/session"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var version = "dev"

// app is the state shared by every command.
type app struct {
	cfg     *config.ClientConfig
	logger  *slog.Logger
	session *session.Manager
	api     *client.Client
}

func main() {
	a := &app{}
	cliApp := &cli.App{
		Name:    "alsin",
		Usage:   "ALSIN accounts and chat from the terminal",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log debug output to stderr",
			},
		},
		Before: a.setup,
		Commands: []*cli.Command{
			a.registerCmd(),
			a.loginCmd(),
			a.logoutCmd(),
			a.whoamiCmd(),
			a.contactsCmd(),
			a.chatCmd(),
			a.usersCmd(),
			a.approveCmd(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) setup(c *cli.Context) error {
	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)

	if err := godotenv.Load(); err != nil {
		a.logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	a.cfg = cfg

	a.session = session.New(session.NewFileStore(cfg.CredentialPath), session.WithLogger(a.logger))
	a.api = client.New(cfg.APIURL, &http.Client{Timeout: cfg.HTTPTimeout}, a.session)
	return nil
}

// restore loads the persisted credential and enforces the guard.
func (a *app) restore(ctx context.Context, guard func(session.Session) error) (session.Session, error) {
	if err := a.session.Initialize(ctx); err != nil {
		a.logger.Debug("Session not restored", "error", err)
	}
	snap := a.session.Snapshot()
	if err := guard(snap); err != nil {
		switch {
		case errors.Is(err, session.ErrUnauthenticated):
			return snap, errors.New("not logged in, run `alsin login` first")
		case errors.Is(err, session.ErrForbidden):
			return snap, errors.New("this command requires the admin role")
		default:
			return snap, err
		}
	}
	return snap, nil
}

// check maps a rejected credential to a local logout.
func (a *app) check(err error) error {
	if err == nil {
		return nil
	}
	if client.IsStatus(err, http.StatusUnauthorized) {
		_ = a.session.Logout()
		return errors.New("session is no longer valid, run `alsin login` again")
	}
	return err
}
