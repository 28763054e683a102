package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/alsin/internal/auth"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/identity"
	"github.com/ashureev/alsin/internal/store"
	"github.com/go-chi/chi/v5"
)

// RegisterRequest is the body of POST /users/register.
type RegisterRequest struct {
	Email    string      `json:"email"`
	FullName string      `json:"full_name"`
	Password string      `json:"password"`
	Role     domain.Role `json:"role"`
}

// TokenResponse is returned by POST /users/login/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Register creates an account awaiting administrator approval.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FullName = strings.TrimSpace(req.FullName)
	if req.Email == "" || !strings.Contains(req.Email, "@") || req.FullName == "" || len(req.Password) < 6 {
		Error(w, http.StatusBadRequest, "email, full_name and a password of at least 6 characters are required")
		return
	}
	role, err := domain.ParseRole(string(req.Role))
	if err != nil || role.IsAdmin() {
		Error(w, http.StatusBadRequest, "invalid role")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		Error(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	user := &domain.User{Email: req.Email, FullName: req.FullName, Role: role, PasswordHash: hash}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			Error(w, http.StatusBadRequest, "Email already registered. Cannot re-register.")
			return
		}
		slog.Error("Failed to create user", "error", err)
		Error(w, http.StatusInternalServerError, "failed to register user")
		return
	}

	slog.Info("User registered", "user_id", user.ID, "role", user.Role)
	JSON(w, http.StatusCreated, user)
}

// LoginToken exchanges form credentials for an access token.
func (h *Handler) LoginToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid form body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(r.PostForm.Get("username")))
	password := r.PostForm.Get("password")

	user, err := h.repo.GetUserByEmail(r.Context(), email)
	if err != nil {
		slog.Error("Failed to load user for login", "error", err)
		Error(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, password) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		Error(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	if !user.IsApproved() {
		Error(w, http.StatusForbidden, "Account not approved by admin yet.")
		return
	}

	token, err := h.issuer.Issue(user)
	if err != nil {
		slog.Error("Failed to issue token", "error", err, "user_id", user.ID)
		Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	slog.Info("User logged in", "user_id", user.ID)
	JSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, identity.UserFromContext(r.Context()))
}

// Directory lists approved users other than the caller as chat partners.
func (h *Handler) Directory(w http.ResponseWriter, r *http.Request) {
	me := identity.UserFromContext(r.Context())

	users, err := h.repo.ListUsers(r.Context(), 0, 1000)
	if err != nil {
		slog.Error("Failed to list users", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	partners := make([]domain.Partner, 0, len(users))
	for _, u := range users {
		if u.ID == me.ID || !u.IsApproved() {
			continue
		}
		partners = append(partners, u.Partner())
	}
	JSON(w, http.StatusOK, partners)
}

// ListUsers returns all users. Admin only.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 100)

	users, err := h.repo.ListUsers(r.Context(), skip, limit)
	if err != nil {
		slog.Error("Failed to list users", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []*domain.User{}
	}
	JSON(w, http.StatusOK, users)
}

// Approve marks a pending account as approved. Admin only.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := h.repo.ApproveUser(r.Context(), id, h.now().UTC())
	if errors.Is(err, store.ErrUserNotFound) {
		Error(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		slog.Error("Failed to approve user", "error", err, "user_id", id)
		Error(w, http.StatusInternalServerError, "failed to approve user")
		return
	}

	slog.Info("User approved", "user_id", id, "by", identity.UserFromContext(r.Context()).ID)
	JSON(w, http.StatusOK, user)
}

// EnsureAdmin creates an approved administrator when none exists with the
// configured email.
func (h *Handler) EnsureAdmin(ctx context.Context) error {
	if h.cfg == nil || h.cfg.Admin.Email == "" {
		return nil
	}
	email := strings.ToLower(h.cfg.Admin.Email)

	existing, err := h.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	hash, err := auth.HashPassword(h.cfg.Admin.Password)
	if err != nil {
		return err
	}
	now := h.now().UTC()
	admin := &domain.User{
		Email:        email,
		FullName:     h.cfg.Admin.FullName,
		Role:         domain.RoleAdmin,
		PasswordHash: hash,
		ApprovedAt:   &now,
	}
	if err := h.repo.CreateUser(ctx, admin); err != nil {
		return err
	}
	slog.Info("Bootstrap admin created", "user_id", admin.ID)
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
