package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/api/respond"
	"github.com/mycelian/mycelian-memory/companion/internal/auth"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/services"
)

type MemoryHandler struct {
	svc        *services.MemoryService
	authorizer auth.Authorizer
	log        zerolog.Logger
}

func NewMemoryHandler(svc *services.MemoryService, authorizer auth.Authorizer, log zerolog.Logger) *MemoryHandler {
	return &MemoryHandler{svc: svc, authorizer: authorizer, log: log}
}

// saveMemoriesRequest accepts either a single memory (content, type, metadata)
// or a batch produced for a message (messageId, chatId, items).
type saveMemoriesRequest struct {
	Content   string               `json:"content"`
	Type      string               `json:"type"`
	Metadata  model.MemoryMetadata `json:"metadata"`
	MessageID string               `json:"messageId"`
	ChatID    string               `json:"chatId"`
	Items     []services.SaveItem  `json:"items"`
}

func (req saveMemoriesRequest) toSave() services.SaveRequest {
	out := services.SaveRequest{MessageID: req.MessageID, ChatID: req.ChatID, Items: req.Items}
	if len(out.Items) == 0 && req.Content != "" {
		md := req.Metadata
		if md.Type == "" {
			md.Type = req.Type
		}
		out.Items = []services.SaveItem{{Content: req.Content, Metadata: md}}
	}
	return out
}

type saveMemoriesResponse struct {
	Success   bool                `json:"success"`
	MemoryIDs []string            `json:"memoryIds"`
	Status    services.SaveStatus `json:"status"`
	Failed    int                 `json:"failed,omitempty"`
	Warning   string              `json:"warning,omitempty"`
}

// SaveMemories POST /api/memories
func (h *MemoryHandler) SaveMemories(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	var req saveMemoriesRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, h.log, err)
		return
	}

	out, err := h.svc.Save(r.Context(), user, req.toSave())
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	resp := saveMemoriesResponse{
		Success:   true,
		MemoryIDs: out.MemoryIDs(),
		Status:    out.Status(),
		Failed:    out.Failed,
	}
	if out.SecondaryErr != nil {
		resp.Warning = "Memories saved but local bookkeeping failed"
	}
	respond.WriteJSON(w, http.StatusCreated, resp)
}

// GetMemory GET /api/memories/{memoryId}
func (h *MemoryHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), user, mux.Vars(r)["memoryId"])
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, rec)
}

// UpdateMemory PATCH /api/memories/{memoryId}
func (h *MemoryHandler) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	var patch model.MemoryPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	memoryID := mux.Vars(r)["memoryId"]
	if err := h.svc.Update(r.Context(), user, memoryID, patch); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{"success": true, "memoryId": memoryID})
}

// DeleteMemory DELETE /api/memories/{memoryId}
// Always 200; the body reports whether anything was deleted.
func (h *MemoryHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	res := h.svc.Delete(r.Context(), user, mux.Vars(r)["memoryId"], strings.TrimSpace(req.Reason))
	respond.WriteJSON(w, http.StatusOK, res)
}

// SearchMemories POST /api/memories/search
func (h *MemoryHandler) SearchMemories(w http.ResponseWriter, r *http.Request) {
	user, ok := authenticate(w, r, h.authorizer)
	if !ok {
		return
	}
	var q model.MemoryQuery
	if err := decodeJSON(r, &q, false); err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	hits, err := h.svc.Search(r.Context(), user, q)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{"memories": hits, "count": len(hits)})
}
