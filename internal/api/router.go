package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/auth"
	"github.com/mycelian/mycelian-memory/companion/internal/metrics"
	"github.com/mycelian/mycelian-memory/companion/internal/services"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Memories   *services.MemoryService
	Usage      *services.UsageService
	Authorizer auth.Authorizer
	Health     ServiceHealth
	// Metrics backs request instrumentation and /metrics. Nil uses a private registry.
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// NewRouter wires HTTP routes to handlers.
func NewRouter(d Deps) *mux.Router {
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	root := mux.NewRouter()
	root.Use(Recover(d.Log), Instrument(d.Metrics, d.Log))

	// Message links
	links := NewLinkHandler(d.Memories, d.Authorizer, d.Log)
	root.HandleFunc("/api/message-memories", links.AttachMemories).Methods(http.MethodPost)
	root.HandleFunc("/api/message-memories", links.ListMemories).Methods(http.MethodGet)

	// Memories; search is registered before the {memoryId} routes
	memory := NewMemoryHandler(d.Memories, d.Authorizer, d.Log)
	root.HandleFunc("/api/memories", memory.SaveMemories).Methods(http.MethodPost)
	root.HandleFunc("/api/memories/search", memory.SearchMemories).Methods(http.MethodPost)
	root.HandleFunc("/api/memories/{memoryId}", memory.GetMemory).Methods(http.MethodGet)
	root.HandleFunc("/api/memories/{memoryId}", memory.UpdateMemory).Methods(http.MethodPatch)
	root.HandleFunc("/api/memories/{memoryId}", memory.DeleteMemory).Methods(http.MethodDelete)

	// Usage
	usage := NewUsageHandler(d.Usage, d.Authorizer, d.Log)
	root.HandleFunc("/api/usage", usage.GetUsage).Methods(http.MethodGet)
	root.HandleFunc("/api/usage/sync", usage.SyncUsage).Methods(http.MethodPost)
	root.HandleFunc("/api/usage/record", usage.RecordUsage).Methods(http.MethodPost)

	// Health & metrics
	health := NewHealthHandler(d.Health)
	root.HandleFunc("/api/health", health.CheckHealth).Methods(http.MethodGet)
	root.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	return root
}
