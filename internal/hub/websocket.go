package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/identity"
	"github.com/ashureev/alsin/internal/store"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// invalidFrame is sent back when an inbound frame cannot be relayed.
const invalidFrame = `{"error":"Invalid data format"}`

// WebSocketHandler serves the live chat endpoint.
type WebSocketHandler struct {
	repo          store.Repository
	verifier      identity.Verifier
	hub           *Hub
	allowedOrigin string
	isDev         bool
	pingInterval  time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(repo store.Repository, verifier identity.Verifier, hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		verifier:      verifier,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		pingInterval:  30 * time.Second,
	}
}

// SetPingInterval overrides the keepalive ping interval.
func (h *WebSocketHandler) SetPingInterval(d time.Duration) {
	if d > 0 {
		h.pingInterval = d
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("Chat connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}

	// The credential is checked after the upgrade so the client receives a
	// policy-violation close frame rather than a bare HTTP error.
	user, err := identity.Authenticate(r.Context(), h.verifier, h.repo, identity.TokenFromRequest(r))
	if err != nil {
		slog.Warn("Chat connection rejected", "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "Could not validate credentials")
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", user.ID)
		}
	}()

	connID := h.hub.Register(user.ID, ws)
	defer h.hub.Unregister(user.ID, connID)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return h.readLoop(ctx, ws, user) })
	g.Go(func() error { return h.pingLoop(ctx, ws) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("Chat connection loop ended", "error", err, "user_id", user.ID)
	}
	slog.Info("Chat session ended", "user_id", user.ID, "conn_id", connID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sender *domain.User) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", sender.ID)
				return context.Canceled
			}
			return err
		}

		msg, err := h.accept(ctx, sender, data)
		if err != nil {
			slog.Debug("Rejected chat frame", "user_id", sender.ID, "error", err)
			h.hub.metrics.rejectedFrame()
			if err := ws.Write(ctx, websocket.MessageText, []byte(invalidFrame)); err != nil {
				return err
			}
			continue
		}

		if _, err := h.hub.Deliver(ctx, msg); err != nil {
			slog.Warn("Failed to deliver message", "message_id", msg.ID, "error", err)
		}
	}
}

// accept validates and persists one inbound frame.
func (h *WebSocketHandler) accept(ctx context.Context, sender *domain.User, data []byte) (*domain.Message, error) {
	var in domain.OutboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	receiver, err := h.repo.GetUser(ctx, in.ReceiverID)
	if err != nil {
		return nil, err
	}
	if receiver == nil {
		return nil, domain.ErrInvalidReceiver
	}

	msg := &domain.Message{
		SenderID:      sender.ID,
		ReceiverID:    receiver.ID,
		Content:       in.Content,
		AttachmentURL: in.AttachmentURL,
	}
	if err := h.repo.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, ws *websocket.Conn) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ws.Ping(ctx); err != nil {
				return err
			}
		}
	}
}
