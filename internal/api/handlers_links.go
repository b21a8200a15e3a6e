package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/api/respond"
	"github.com/mycelian/mycelian-memory/companion/internal/auth"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/services"
)

// LinkHandler serves the memories attached to chat messages.
type LinkHandler struct {
	svc        *services.MemoryService
	authorizer auth.Authorizer
	log        zerolog.Logger
}

func NewLinkHandler(svc *services.MemoryService, authorizer auth.Authorizer, log zerolog.Logger) *LinkHandler {
	return &LinkHandler{svc: svc, authorizer: authorizer, log: log}
}

// AttachMemories POST /api/message-memories
func (h *LinkHandler) AttachMemories(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	var req struct {
		MessageID string                `json:"messageId"`
		ChatID    string                `json:"chatId"`
		Memories  []model.MemorySummary `json:"memories"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if err := h.svc.AttachToMessage(r.Context(), user, req.MessageID, req.ChatID, req.Memories); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "memoryCount": len(req.Memories)})
}

// ListMemories GET /api/message-memories?messageId= or ?chatId=
func (h *LinkHandler) ListMemories(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	q := r.URL.Query()
	messageID, chatID := q.Get("messageId"), q.Get("chatId")

	if messageID == "" && chatID != "" {
		links, err := h.svc.ChatMemories(r.Context(), user, chatID)
		if err != nil {
			writeServiceError(w, h.log, err)
			return
		}
		if links == nil {
			links = []*model.MessageMemoryLink{}
		}
		respond.WriteJSON(w, http.StatusOK, map[string]any{"chatId": chatID, "links": links, "count": len(links)})
		return
	}

	link, found, err := h.svc.MessageMemories(r.Context(), user, messageID)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if !found {
		respond.WriteJSON(w, http.StatusOK, map[string]any{
			"memories": []model.MemorySummary{},
			"count":    0,
			"message":  "No memories found",
		})
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"messageId": link.MessageID,
		"chatId":    link.ChatID,
		"memories":  link.Memories,
		"count":     len(link.Memories),
		"createdAt": link.CreatedAt,
	})
}
