package user

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"chatsync/internal/chat"
	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/validation"
)

type Handler struct {
	Service *Service
	log     *slog.Logger
}

func NewHandler(s *Service, log *slog.Logger) *Handler {
	return &Handler{Service: s, log: log.With("component", "user_http")}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	if errors.Is(err, ErrUsernameTaken) {
		chat.WriteError(w, chat.Validation(err.Error()))
		return
	}
	if err != nil {
		h.log.Error("register failed", "error", err)
		chat.WriteError(w, chat.StorageUnavailable(err))
		return
	}

	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if errors.Is(err, ErrInvalidCredentials) {
		chat.WriteError(w, chat.Unauthenticated("invalid credentials"))
		return
	}
	if err != nil {
		h.log.Error("login failed", "error", err)
		chat.WriteError(w, chat.StorageUnavailable(err))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		chat.WriteError(w, chat.Validation("q is required"))
		return
	}

	users, err := h.Service.SearchUsers(r.Context(), q, userID)
	if err != nil {
		h.log.Error("user search failed", "error", err)
		chat.WriteError(w, chat.StorageUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		chat.WriteError(w, chat.Validation("invalid request body"))
		return false
	}
	if err := validation.Struct(dst); err != nil {
		chat.WriteError(w, chat.Validation(err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
