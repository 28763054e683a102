package chat_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/ashureev/alsin/internal/apitest"
	"github.com/ashureev/alsin/internal/chat"
	"github.com/ashureev/alsin/internal/client"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/session"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func viewFor(t *testing.T, srv *apitest.Server, user *domain.User, token string) *chat.View {
	t.Helper()
	api := client.New(srv.URL, srv.Client(), client.TokenFunc(func() string { return token }))
	s := session.Session{
		State:         session.Authenticated,
		Authenticated: true,
		Credential:    token,
		Identity:      &session.Identity{ID: user.ID, Email: user.Email, FullName: user.FullName, Role: user.Role},
	}
	v := chat.New(api, chat.NewWebSocketDialer(api.WebSocketURL, nil), s,
		chat.WithLogger(quiet),
		chat.WithReconnectPolicy(chat.ReconnectPolicy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 2}),
	)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHelloBetweenTwoViews(t *testing.T) {
	srv := apitest.New(t)
	a := srv.CreateUser(t, "a@alsin.test", "pw-123456", domain.RoleMahasiswa)
	b := srv.CreateUser(t, "b@alsin.test", "pw-123456", domain.RoleDosen)

	viewA := viewFor(t, srv, a, srv.Token(t, a))
	viewB := viewFor(t, srv, b, srv.Token(t, b))
	ctx := context.Background()

	if err := viewA.SelectPartner(ctx, b.Partner()); err != nil {
		t.Fatalf("A select: %v", err)
	}
	if err := viewB.SelectPartner(ctx, a.Partner()); err != nil {
		t.Fatalf("B select: %v", err)
	}
	srv.WaitForConnections(t, 2)

	if err := viewA.Send(ctx, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, v := range map[string]*chat.View{"A": viewA, "B": viewB} {
		eventually(t, name+" to show hello", func() bool {
			msgs := v.Messages()
			return len(msgs) == 1 && msgs[0].Content == "hello"
		})
		got := v.Messages()[0]
		if got.SenderID != a.ID || got.ReceiverID != b.ID {
			t.Fatalf("%s: unexpected message %+v", name, got)
		}
	}

	// B reopening the conversation sees the same message from history.
	viewB2 := viewFor(t, srv, b, srv.Token(t, b))
	if err := viewB2.SelectPartner(ctx, a.Partner()); err != nil {
		t.Fatalf("B2 select: %v", err)
	}
	if msgs := viewB2.Messages(); len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("history mismatch: %+v", msgs)
	}
}

func TestRejectedCredentialFailsChannel(t *testing.T) {
	srv := apitest.New(t)
	a := srv.CreateUser(t, "a@alsin.test", "pw-123456", domain.RoleMahasiswa)
	b := srv.CreateUser(t, "b@alsin.test", "pw-123456", domain.RoleDosen)

	v := viewFor(t, srv, a, "forged")
	err := v.SelectPartner(context.Background(), b.Partner())
	if !client.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 from history, got %v", err)
	}
	eventually(t, "channel to fail", func() bool { return v.State() == chat.Failed })
}
