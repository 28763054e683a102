package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ashureev/alsin/internal/client"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/session"
	"github.com/urfave/cli/v2"
)

func (a *app) registerCmd() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Create an account that an admin must approve",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "name", Usage: "Full name", Required: true},
			&cli.StringFlag{Name: "password", EnvVars: []string{"ALSIN_PASSWORD"}},
			&cli.StringFlag{Name: "role", Usage: "One of kepala_bengkel, teknisi_operator, plp, dosen, mahasiswa, petani_instansi", Required: true},
		},
		Action: func(c *cli.Context) error {
			role, err := domain.ParseRole(c.String("role"))
			if err != nil {
				return err
			}
			password, err := passwordFrom(c)
			if err != nil {
				return err
			}
			user, err := a.api.Register(c.Context, client.RegisterInput{
				Email:    c.String("email"),
				FullName: c.String("name"),
				Password: password,
				Role:     role,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s (id %d). An administrator must approve the account before you can log in.\n", user.Email, user.ID)
			return nil
		},
	}
}

func (a *app) loginCmd() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Log in and store the access credential",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "password", EnvVars: []string{"ALSIN_PASSWORD"}},
		},
		Action: func(c *cli.Context) error {
			password, err := passwordFrom(c)
			if err != nil {
				return err
			}
			token, err := a.api.Login(c.Context, c.String("email"), password)
			if err != nil {
				return err
			}
			if err := a.session.Login(c.Context, token); err != nil {
				return fmt.Errorf("credential rejected: %w", err)
			}
			if err := a.session.Refresh(c.Context, a.api); err != nil {
				a.logger.Warn("Could not load profile", "error", err)
			}
			ident := a.session.Snapshot().Identity
			fmt.Printf("Logged in as %s (%s)\n", ident.FullName, ident.Role)
			return nil
		},
	}
}

func (a *app) logoutCmd() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the stored credential",
		Action: func(c *cli.Context) error {
			if err := a.session.Logout(); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "Show the logged-in account",
		Action: func(c *cli.Context) error {
			if _, err := a.restore(c.Context, session.RequireAuthenticated); err != nil {
				return err
			}
			if err := a.check(a.session.Refresh(c.Context, a.api)); err != nil {
				return err
			}
			ident := a.session.Snapshot().Identity
			fmt.Printf("%s <%s>\nrole:    %s\nid:      %d\nexpires: %s\n",
				ident.FullName, ident.Email, ident.Role, ident.ID, ident.ExpiresAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func (a *app) contactsCmd() *cli.Command {
	return &cli.Command{
		Name:  "contacts",
		Usage: "List people you can chat with",
		Action: func(c *cli.Context) error {
			if _, err := a.restore(c.Context, session.RequireAuthenticated); err != nil {
				return err
			}
			partners, err := a.api.Directory(c.Context)
			if err := a.check(err); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tROLE")
			for _, p := range partners {
				fmt.Fprintf(w, "%d\t%s\t%s\n", p.ID, p.FullName, p.Role)
			}
			return w.Flush()
		},
	}
}

func (a *app) usersCmd() *cli.Command {
	return &cli.Command{
		Name:  "users",
		Usage: "List all accounts (admin)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "skip", Value: 0},
			&cli.IntFlag{Name: "limit", Value: 100},
			&cli.BoolFlag{Name: "pending", Usage: "Only show accounts awaiting approval"},
		},
		Action: func(c *cli.Context) error {
			if _, err := a.restore(c.Context, session.RequireAdmin); err != nil {
				return err
			}
			users, err := a.api.Users(c.Context, c.Int("skip"), c.Int("limit"))
			if err := a.check(err); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE\tAPPROVED")
			for i := range users {
				u := &users[i]
				if c.Bool("pending") && u.IsApproved() {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", u.ID, u.Email, u.FullName, u.Role, u.IsApproved())
			}
			return w.Flush()
		},
	}
}

func (a *app) approveCmd() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve a pending account (admin)",
		ArgsUsage: "<user-id>",
		Action: func(c *cli.Context) error {
			id, err := strconv.ParseInt(c.Args().First(), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid user id %q", c.Args().First())
			}
			if _, err := a.restore(c.Context, session.RequireAdmin); err != nil {
				return err
			}
			user, err := a.api.Approve(c.Context, id)
			if err := a.check(err); err != nil {
				return err
			}
			fmt.Printf("Approved %s (%s)\n", user.Email, user.Role)
			return nil
		},
	}
}

func passwordFrom(c *cli.Context) (string, error) {
	if pw := c.String("password"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("password is required")
	}
	return pw, nil
}
