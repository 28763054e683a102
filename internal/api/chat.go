package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/alsin/internal/identity"
	"github.com/go-chi/chi/v5"
)

// History returns the caller's conversation with another user, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	me := identity.UserFromContext(r.Context())

	otherID, err := strconv.ParseInt(chi.URLParam(r, "other_user_id"), 10, 64)
	if err != nil || otherID <= 0 {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	messages, err := h.repo.MessageHistory(r.Context(), me.ID, otherID)
	if err != nil {
		slog.Error("Failed to load chat history", "error", err, "user_id", me.ID, "other_user_id", otherID)
		Error(w, http.StatusInternalServerError, "failed to load chat history")
		return
	}
	JSON(w, http.StatusOK, messages)
}
