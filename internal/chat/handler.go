package chat

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	myMiddleware "chatsync/internal/middleware"
	"chatsync/internal/validation"
)

// Handler serves the chat REST surface: conversation bootstrap, history
// pagination and message deletion.
type Handler struct {
	store         Store
	pager         *Pager
	pipeline      *Pipeline
	conversations *Conversations
	log           *slog.Logger
}

func NewHandler(store Store, pager *Pager, pipeline *Pipeline, conversations *Conversations, log *slog.Logger) *Handler {
	return &Handler{
		store:         store,
		pager:         pager,
		pipeline:      pipeline,
		conversations: conversations,
		log:           log.With("component", "chat_http"),
	}
}

// Routes mounts the handlers on r. Callers wrap r with auth beforehand.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/conversations", h.StartConversation)
	r.Post("/api/conversations/group", h.CreateGroup)
	r.Get("/api/conversations/{id}/messages", h.GetChatHistory)
	r.Delete("/api/messages/{id}", h.DeleteMessage)
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req StartConversationRequest
	if !h.decode(w, r, &req) {
		return
	}

	conv, err := h.conversations.StartDirect(r.Context(), userID, req.TargetID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": conv.ID, "conversation": conv})
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}

	conv, err := h.conversations.CreateGroup(r.Context(), userID, req.Title, req.MemberIDs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversationId": conv.ID, "conversation": conv})
}

// GetChatHistory returns {messages, nextCursor, hasMore}, newest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(conversationID); err != nil {
		h.writeError(w, Validation("invalid conversation id"))
		return
	}

	member, err := IsActiveParticipant(r.Context(), h.store, conversationID, userID)
	if err != nil {
		h.writeError(w, StorageUnavailable(err))
		return
	}
	if !member {
		h.writeError(w, NotInConversation("not a participant of this conversation"))
		return
	}

	limit := DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			limit = x
		}
	}

	page, err := h.pager.ListMessages(r.Context(), conversationID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	messageID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(messageID); err != nil {
		h.writeError(w, Validation("invalid message id"))
		return
	}

	if _, err := h.pipeline.Delete(r.Context(), userID, messageID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, Validation("invalid request body"))
		return false
	}
	if err := validation.Struct(dst); err != nil {
		h.writeError(w, Validation(err.Error()))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if e := AsError(err); e.Code == CodeInternal || e.Code == CodeStorageUnavailable {
		h.log.Error("request failed", "code", e.Code, "error", err)
	}
	WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
